// Copyright (C) 2026 byzgen authors
// SPDX-License-Identifier: Apache-2.0

package byzgen

import (
	"crypto/rsa"
	"net/netip"
	"time"
)

// Lieutenant receives signed orders, verifies their chains, records every
// distinct value and forwards each at most once with its own signature
// appended. After round f+1 it decides.
type Lieutenant struct {
	g        *general
	verifier *verifier

	values  map[Order]struct{}
	forward []*SignedMessage

	roundStart time.Time
	// heard flips once the first datagram ever arrives; until then the
	// round-1 receive blocks so startup does not spin.
	heard bool
}

func NewLieutenant(p Params) (*Lieutenant, error) {
	g, err := newGeneral(p)
	if err != nil {
		return nil, err
	}
	var keys map[uint32]*rsa.PublicKey
	if !p.CryptoOff {
		keys, err = loadPeerKeys(g.KeyDir, g.N, g.ID)
		if err != nil {
			g.close()
			return nil, err
		}
	}
	return &Lieutenant{
		g:        g,
		verifier: newVerifier(keys, p.CryptoOff),
		values:   make(map[Order]struct{}),
	}, nil
}

// Run drives the round loop to completion and returns the decision.
func (l *Lieutenant) Run() (Order, error) {
	defer l.g.close()
	if err := l.receiveAndForward(); err != nil {
		return NoOrder, err
	}
	if l.g.state == stateDone {
		return l.decide(), nil
	}
	return Retreat, nil
}

// receiveAndForward is the round loop: round 1 only receives, rounds 2
// through f+1 forward the previous round's accumulation and then receive,
// anything later is done. The receive phase runs after forwarding too, so
// late messages are still collected before the round budget expires.
func (l *Lieutenant) receiveAndForward() error {
	for l.g.state != stateDone {
		l.roundStart = time.Now()
		// The first queued messages are the previous round's accumulation;
		// anything received this round is appended behind them.
		queued := len(l.forward)
		if l.g.round > 1 {
			if int(l.g.round) <= l.g.F+1 {
				l.g.tracker.reset()
				l.excludeQueuedSigners()
				l.g.state = stateSending
				l.forwardAll(l.forward[:queued])
			} else {
				l.g.state = stateDone
				continue
			}
		}

		for time.Since(l.roundStart) < RoundTimeout {
			l.g.state = stateWaiting
			if err := l.receive(); err != nil {
				return err
			}
			if l.g.state == stateAllAcksNotReceived {
				l.forwardAll(l.forward[:queued])
			}
		}

		l.forward = l.forward[queued:]
		l.g.round++
	}
	return nil
}

// receive drains the socket for one AckTimeout window, classifying each
// datagram by size. Before anything has ever arrived the read blocks; the
// first datagram then anchors this process's rounds to the cluster's.
func (l *Lieutenant) receive() error {
	buf := make([]byte, smHeaderSize+sigRecordSize*l.g.N)
	deadline := time.Now().Add(AckTimeout)
	for {
		var readDeadline time.Time
		if l.heard {
			readDeadline = deadline
		}
		n, src, timedOut, err := l.g.conn.recv(buf, readDeadline)
		if timedOut {
			break
		}
		if err != nil {
			l.g.log.Warn("receive failed", "err", err)
			if l.heard && !time.Now().Before(deadline) {
				break
			}
			continue
		}
		if !l.heard {
			l.heard = true
			l.roundStart = time.Now()
			deadline = l.roundStart.Add(AckTimeout)
		}

		switch {
		case n == AckSize:
			l.g.state = stateAckReceived
			l.handleAck(buf[:n], src)
		case n >= smHeaderSize+sigRecordSize:
			l.g.state = stateMsgReceived
			if err := l.handleMessage(buf[:n], src); err != nil {
				return err
			}
		default:
			// neither a valid ack nor a minimally signed message
		}
		if l.g.tracker.allAcked() {
			l.g.state = stateAllAcksReceived
		}
		if !time.Now().Before(deadline) {
			break
		}
	}
	if !l.g.tracker.allAcked() {
		l.g.state = stateAllAcksNotReceived
	}
	return nil
}

// handleAck credits an ack against the current round. Acks for other
// rounds and from unknown sources are ignored.
func (l *Lieutenant) handleAck(b []byte, src netip.Addr) {
	ack, err := UnmarshalAck(b)
	if err != nil || ack.Round != l.g.round {
		return
	}
	id, ok := l.g.conn.peerID(src)
	if !ok {
		return
	}
	if l.g.tracker.markAcked(id) {
		l.g.state = stateAckVerified
	}
}

// handleMessage acknowledges, verifies and possibly accumulates one signed
// message. Only a signing failure on the forward copy is fatal; every
// malformed or unverifiable message is silently dropped.
func (l *Lieutenant) handleMessage(b []byte, src netip.Addr) error {
	if _, ok := l.g.conn.peerID(src); !ok {
		return nil
	}
	l.g.sendAck(src)

	m, err := UnmarshalSignedMessage(b)
	if err != nil {
		return nil
	}
	if !l.verifyChain(m) {
		return nil
	}
	l.g.state = stateSignatureVerified

	if _, seen := l.values[m.Order]; seen {
		return nil
	}
	if m.TotalSigs > l.g.round {
		// Catch up if lagging behind.
		l.g.round = m.TotalSigs
	}
	l.values[m.Order] = struct{}{}
	l.g.state = stateValueIncluded

	fwd, err := l.extend(m)
	if err != nil {
		return err
	}
	l.forward = append(l.forward, fwd)
	return nil
}

// verifyChain walks the chain back to front: each signature must cover
// the previous one and the first must cover the order bytes. Any bad link
// drops the whole message. Every signer of a good chain is excluded from
// forwarding so the message is never echoed back.
func (l *Lieutenant) verifyChain(m *SignedMessage) bool {
	for i := len(m.Sigs) - 1; i >= 1; i-- {
		if !l.verifier.verify(m.Sigs[i].ID, m.Sigs[i-1].Signature[:], m.Sigs[i].Signature[:]) {
			l.g.log.Warn("signature rejected", "signer", m.Sigs[i].ID, "chain", m.TotalSigs)
			return false
		}
	}
	ob := orderBytes(m.Order)
	if !l.verifier.verify(m.Sigs[0].ID, ob[:], m.Sigs[0].Signature[:]) {
		l.g.log.Warn("order signature rejected", "signer", m.Sigs[0].ID)
		return false
	}
	for i := range m.Sigs {
		l.g.tracker.markDoNotSend(m.Sigs[i].ID)
	}
	return true
}

// extend appends this lieutenant's signature over the last link and bumps
// the count, producing the message forwarded next round.
func (l *Lieutenant) extend(m *SignedMessage) (*SignedMessage, error) {
	sig, err := l.g.signer.sign(m.Sigs[len(m.Sigs)-1].Signature[:])
	if err != nil {
		return nil, err
	}
	sigs := make([]Sig, 0, len(m.Sigs)+1)
	sigs = append(sigs, m.Sigs...)
	sigs = append(sigs, sig)
	return &SignedMessage{
		TotalSigs: uint32(len(sigs)),
		Order:     m.Order,
		Sigs:      sigs,
	}, nil
}

// excludeQueuedSigners re-applies the chain exclusions after the per-round
// tracker reset, so a queued forward is never echoed to a prior signer.
func (l *Lieutenant) excludeQueuedSigners() {
	for _, m := range l.forward {
		for i := range m.Sigs {
			if m.Sigs[i].ID != l.g.ID {
				l.g.tracker.markDoNotSend(m.Sigs[i].ID)
			}
		}
	}
}

// forwardAll pushes every given message out, bounded by what remains of
// the round. Acks are collected by the following receive pass; the
// lieutenant does not block on them between messages.
func (l *Lieutenant) forwardAll(msgs []*SignedMessage) {
	deadline := l.roundStart.Add(RoundTimeout)
	for _, m := range msgs {
		if !time.Now().Before(deadline) {
			break
		}
		l.g.sendUntilAllSent(m.Marshal(), deadline)
	}
}

// decide implements choice(V): an empty set or conflicting evidence means
// the safe default.
func (l *Lieutenant) decide() Order {
	if len(l.values) == 1 {
		for v := range l.values {
			return v
		}
	}
	return Retreat
}
