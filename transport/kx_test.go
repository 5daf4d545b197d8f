// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package transport

import (
	"bytes"
	"crypto/rand"
	"net"
	"testing"

	"github.com/companyzero/sntrup4591761"

	"github.com/agentwire/agentwire/identity"
)

func pairedKX(t *testing.T) (client, server *KX) {
	t.Helper()

	pub, priv, err := sntrup4591761.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	cConn, sConn := net.Pipe()
	t.Cleanup(func() {
		cConn.Close()
		sConn.Close()
	})

	client = &KX{
		Conn:           cConn,
		MaxMessageSize: 4096,
		TheirPublicKey: (*identity.SntrupPublicKey)(pub),
	}
	server = &KX{
		Conn:           sConn,
		MaxMessageSize: 4096,
		OurPrivateKey:  (*identity.SntrupPrivateKey)(priv),
	}

	errC := make(chan error, 1)
	go func() { errC <- server.Respond() }()
	if err := client.Initiate(); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if err := <-errC; err != nil {
		t.Fatalf("Respond: %v", err)
	}
	return client, server
}

func TestKXBothDirections(t *testing.T) {
	client, server := pairedKX(t)

	for i := 0; i < 5; i++ {
		msg := []byte{byte(i), 0xde, 0xad}

		errC := make(chan error, 1)
		go func() { errC <- client.Write(msg) }()
		got, err := server.Read()
		if err != nil {
			t.Fatalf("server read %d: %v", i, err)
		}
		if err := <-errC; err != nil {
			t.Fatalf("client write %d: %v", i, err)
		}
		if !bytes.Equal(got, msg) {
			t.Fatalf("round %d corrupted", i)
		}

		go func() { errC <- server.Write(msg) }()
		got, err = client.Read()
		if err != nil {
			t.Fatalf("client read %d: %v", i, err)
		}
		if err := <-errC; err != nil {
			t.Fatalf("server write %d: %v", i, err)
		}
		if !bytes.Equal(got, msg) {
			t.Fatalf("reply %d corrupted", i)
		}
	}
}

func TestKXRejectsOversize(t *testing.T) {
	client, _ := pairedKX(t)
	client.MaxMessageSize = 32
	if err := client.Write(make([]byte, 64)); err != ErrOverflow {
		t.Fatalf("got %v, want ErrOverflow", err)
	}
}

func TestNonceSequenceHalvesDisjoint(t *testing.T) {
	c := newNonceSequence(halfForClient)
	s := newNonceSequence(halfForServer)
	if *c.Nonce() == *s.Nonce() {
		t.Fatal("client and server nonces collide")
	}
	if c.Nonce()[0] != 0x7f || s.Nonce()[0] != 0xff {
		t.Fatalf("unexpected starting nonces %x %x", c.Nonce()[0], s.Nonce()[0])
	}
}

func TestNonceSequenceBorrow(t *testing.T) {
	var s nonceSequence
	s.n[len(s.n)-1] = 0
	s.n[len(s.n)-2] = 1

	s.Decrease()
	if s.n[len(s.n)-1] != 0xff || s.n[len(s.n)-2] != 0 {
		t.Fatalf("borrow failed: % x", s.n)
	}
}
