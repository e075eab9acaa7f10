// Copyright (C) 2026 byzgen authors
// SPDX-License-Identifier: Apache-2.0

package byzgen

import (
	"crypto/rsa"
	"log/slog"
	"net/netip"
	"testing"

	"byzgen/test"
)

// newTestLieutenant wires a lieutenant directly, with in-memory keys and a
// throwaway socket, skipping the on-disk bootstrap.
func newTestLieutenant(t *testing.T, keys []*rsa.PrivateKey, id uint32, n, f int) *Lieutenant {
	t.Helper()
	hosts := make([]string, n)
	for i := range hosts {
		hosts[i] = "127.0.0.1"
	}
	ipToID := map[netip.Addr]uint32{netip.MustParseAddr("127.0.0.1"): 1}
	c, err := newConn("127.0.0.1", "0", hosts, ipToID)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.close() })

	pks := make(map[uint32]*rsa.PublicKey)
	for i, k := range keys {
		pks[uint32(i+1)] = &k.PublicKey
	}
	g := &general{
		Params:  Params{ID: id, N: n, F: f, Port: "0", Hosts: hosts, IPToID: ipToID},
		conn:    c,
		signer:  newSigner(id, keys[id-1], false),
		tracker: newTracker(n),
		round:   1,
		state:   stateInit,
		log:     slog.New(slog.DiscardHandler),
	}
	return &Lieutenant{
		g:        g,
		verifier: newVerifier(pks, false),
		values:   make(map[Order]struct{}),
	}
}

// signedOrder builds the commander's round-1 message.
func signedOrder(t *testing.T, key *rsa.PrivateKey, id uint32, o Order) *SignedMessage {
	t.Helper()
	ob := orderBytes(o)
	sig, err := newSigner(id, key, false).sign(ob[:])
	if err != nil {
		t.Fatal(err)
	}
	return &SignedMessage{TotalSigs: 1, Order: o, Sigs: []Sig{sig}}
}

// extendChain appends id's signature over the last link, the way an honest
// lieutenant forwards.
func extendChain(t *testing.T, key *rsa.PrivateKey, id uint32, m *SignedMessage) *SignedMessage {
	t.Helper()
	sig, err := newSigner(id, key, false).sign(m.Sigs[len(m.Sigs)-1].Signature[:])
	if err != nil {
		t.Fatal(err)
	}
	sigs := append(append([]Sig{}, m.Sigs...), sig)
	return &SignedMessage{TotalSigs: uint32(len(sigs)), Order: m.Order, Sigs: sigs}
}

func TestVerifyChain(t *testing.T) {
	keys := test.LoadTestKeys(t, 4)
	l := newTestLieutenant(t, keys, 3, 4, 1)

	m := extendChain(t, keys[1], 2, signedOrder(t, keys[0], 1, Attack))
	if !l.verifyChain(m) {
		t.Fatal("honest chain rejected")
	}
	for _, id := range []uint32{1, 2} {
		if l.g.tracker.get(id) != statusDoNotSend {
			t.Fatalf("signer %d not excluded from forwarding", id)
		}
	}
	if l.g.tracker.get(4) == statusDoNotSend {
		t.Fatal("non-signer excluded")
	}

	tampered := extendChain(t, keys[1], 2, signedOrder(t, keys[0], 1, Attack))
	tampered.Sigs[1].Signature[0] ^= 0x01
	if l.verifyChain(tampered) {
		t.Fatal("tampered link accepted")
	}

	// A relabeled order breaks the innermost signature.
	relabeled := signedOrder(t, keys[0], 1, Attack)
	relabeled.Order = Retreat
	if l.verifyChain(relabeled) {
		t.Fatal("relabeled order accepted")
	}

	// A chain signed by someone other than its claimed signer.
	forged := extendChain(t, keys[3], 2, signedOrder(t, keys[0], 1, Attack))
	if l.verifyChain(forged) {
		t.Fatal("forged signer id accepted")
	}
}

func TestHandleMessageAccumulatesOncePerValue(t *testing.T) {
	keys := test.LoadTestKeys(t, 4)
	l := newTestLieutenant(t, keys, 2, 4, 1)
	src := netip.MustParseAddr("127.0.0.1")

	m := signedOrder(t, keys[0], 1, Attack)
	if err := l.handleMessage(m.Marshal(), src); err != nil {
		t.Fatal(err)
	}
	if _, ok := l.values[Attack]; !ok {
		t.Fatal("verified order not accumulated")
	}
	if len(l.forward) != 1 {
		t.Fatalf("%d forwards queued, want 1", len(l.forward))
	}
	fwd := l.forward[0]
	if fwd.TotalSigs != 2 || fwd.Sigs[1].ID != 2 {
		t.Fatalf("forward carries %d sigs ending in %d, want 2 ending in 2", fwd.TotalSigs, fwd.Sigs[len(fwd.Sigs)-1].ID)
	}

	// The forward must verify end to end at the next hop.
	next := newTestLieutenant(t, keys, 3, 4, 1)
	if !next.verifyChain(fwd) {
		t.Fatal("forwarded chain does not verify at the next hop")
	}

	// A duplicate of the same value is not re-forwarded.
	if err := l.handleMessage(m.Marshal(), src); err != nil {
		t.Fatal(err)
	}
	if len(l.forward) != 1 {
		t.Fatalf("%d forwards after duplicate, want 1", len(l.forward))
	}

	// A second distinct value is.
	r := signedOrder(t, keys[0], 1, Retreat)
	if err := l.handleMessage(r.Marshal(), src); err != nil {
		t.Fatal(err)
	}
	if len(l.values) != 2 || len(l.forward) != 2 {
		t.Fatalf("values %d forwards %d, want 2 and 2", len(l.values), len(l.forward))
	}

	// A message from an unknown source is dropped wholesale.
	before := len(l.values)
	if err := l.handleMessage(m.Marshal(), netip.MustParseAddr("10.9.9.9")); err != nil {
		t.Fatal(err)
	}
	if len(l.values) != before {
		t.Fatal("message from unknown source processed")
	}
}

func TestCatchUpToSenderRound(t *testing.T) {
	keys := test.LoadTestKeys(t, 4)
	l := newTestLieutenant(t, keys, 3, 4, 1)
	src := netip.MustParseAddr("127.0.0.1")

	m := extendChain(t, keys[1], 2, signedOrder(t, keys[0], 1, Attack))
	if err := l.handleMessage(m.Marshal(), src); err != nil {
		t.Fatal(err)
	}
	if l.g.round != 2 {
		t.Fatalf("round %d after a two-signature message, want 2", l.g.round)
	}
	if len(l.forward) != 1 || l.forward[0].TotalSigs != 3 {
		t.Fatal("catch-up forward does not extend the full chain")
	}
}

func TestExcludeQueuedSignersAfterReset(t *testing.T) {
	keys := test.LoadTestKeys(t, 4)
	l := newTestLieutenant(t, keys, 2, 4, 1)
	src := netip.MustParseAddr("127.0.0.1")

	m := signedOrder(t, keys[0], 1, Attack)
	if err := l.handleMessage(m.Marshal(), src); err != nil {
		t.Fatal(err)
	}
	l.g.tracker.reset()
	l.excludeQueuedSigners()
	if l.g.tracker.get(1) != statusDoNotSend {
		t.Fatal("commander not re-excluded after the round reset")
	}
	if l.g.tracker.get(3) == statusDoNotSend || l.g.tracker.get(4) == statusDoNotSend {
		t.Fatal("non-signers excluded after the round reset")
	}
}

func TestDecide(t *testing.T) {
	keys := test.LoadTestKeys(t, 4)

	l := newTestLieutenant(t, keys, 2, 4, 1)
	if got := l.decide(); got != Retreat {
		t.Fatalf("decide({}) = %s, want retreat", got)
	}

	l.values[Attack] = struct{}{}
	if got := l.decide(); got != Attack {
		t.Fatalf("decide({attack}) = %s, want attack", got)
	}

	l.values[Retreat] = struct{}{}
	if got := l.decide(); got != Retreat {
		t.Fatalf("decide({attack,retreat}) = %s, want retreat", got)
	}
}
