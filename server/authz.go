// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package server

import "context"

// Authorizer is consulted with (principal, operation, scope) before any
// protocol operation runs. A non nil error denies the operation and is
// returned to the caller unchanged.
type Authorizer interface {
	Authorize(ctx context.Context, principalID, operation, scope string) error
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, principalID, operation, scope string) error

func (f AuthorizerFunc) Authorize(ctx context.Context, principalID, operation, scope string) error {
	return f(ctx, principalID, operation, scope)
}

type allowAll struct{}

func (allowAll) Authorize(context.Context, string, string, string) error { return nil }
