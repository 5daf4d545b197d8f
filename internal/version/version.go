// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package version provides the application version, overridable at link
// time.
package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// Semantic version components. PreRelease may only contain characters from
// the semantic version spec.
const (
	Major      = 0
	Minor      = 2
	Patch      = 0
	PreRelease = "pre"
)

// BuildMetadata is appended verbatim to the version string when non empty.
// Populated from VCS info when available.
var BuildMetadata = ""

func init() {
	if BuildMetadata != "" {
		return
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 8 {
			BuildMetadata = s.Value[:8]
		}
	}
}

// String returns the full human readable version.
func String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d.%d.%d", Major, Minor, Patch)
	if PreRelease != "" {
		b.WriteString("-")
		b.WriteString(PreRelease)
	}
	if BuildMetadata != "" {
		b.WriteString("+")
		b.WriteString(BuildMetadata)
	}
	return b.String()
}
