// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package canon

import (
	"bytes"
	"testing"
)

func TestMarshalSortsKeys(t *testing.T) {
	got, err := Marshal(map[string]interface{}{
		"zebra": 1,
		"alpha": "x",
		"mid":   []int{3, 2, 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"alpha":"x","mid":[3,2,1],"zebra":1}`
	if string(got) != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestMarshalStructAndMapAgree(t *testing.T) {
	type rec struct {
		B int    `json:"b"`
		A string `json:"a"`
	}
	s, err := Marshal(rec{B: 7, A: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	m, err := Marshal(map[string]interface{}{"a": "hi", "b": 7})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(s, m) {
		t.Fatalf("struct and map disagree: %s vs %s", s, m)
	}
}

func TestMarshalRejectsFloats(t *testing.T) {
	_, err := Marshal(map[string]interface{}{"x": 1.5})
	if err == nil {
		t.Fatal("expected error for fractional number")
	}
}

func TestDigestStable(t *testing.T) {
	d1, err := Digest(map[string]interface{}{"k": "v", "n": 42})
	if err != nil {
		t.Fatal(err)
	}
	d2, err := Digest(map[string]interface{}{"n": 42, "k": "v"})
	if err != nil {
		t.Fatal(err)
	}
	if d1 != d2 {
		t.Fatalf("digests differ: %s vs %s", d1, d2)
	}
	if len(d1) != 64 {
		t.Fatalf("unexpected digest length %d", len(d1))
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	in := []byte{0, 1, 2, 0xff, 0xfe}
	enc := EncodeBinary(in)
	if bytes.ContainsAny([]byte(enc), "=") {
		t.Fatal("encoding must be unpadded")
	}
	out, err := DecodeBinary(enc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(in, out) {
		t.Fatalf("round trip mismatch: %x vs %x", in, out)
	}
}
