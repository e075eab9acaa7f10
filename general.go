// Copyright (C) 2026 byzgen authors
// SPDX-License-Identifier: Apache-2.0

package byzgen

import (
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net/netip"
	"time"
)

// Round budgets, fixed by the protocol.
const (
	// AckTimeout bounds a single ack-wait pass.
	AckTimeout = 200 * time.Millisecond
	// RoundTimeout bounds one round's total activity.
	RoundTimeout = 500 * time.Millisecond
)

// Params configures one general. Hosts holds the cluster hostnames in id
// order (ids start at 1); IPToID is the reverse map the bootstrap resolved
// from them.
type Params struct {
	ID     uint32
	N      int
	F      int
	Port   string
	Hosts  []string
	IPToID map[netip.Addr]uint32
	// ListenHost is the address the socket binds; empty means wildcard.
	ListenHost string
	// KeyDir holds host_<k>_key.pem and host_<j>_cert.pem, "generals" by
	// default.
	KeyDir    string
	CryptoOff bool
	Logger    *slog.Logger
}

func (p *Params) check() error {
	if p.N < p.F+2 {
		return fmt.Errorf("%w: need at least f+2 generals, got n=%d f=%d", ErrConfigInvalid, p.N, p.F)
	}
	if p.ID < 1 || int(p.ID) > p.N {
		return fmt.Errorf("%w: id %d out of range 1..%d", ErrConfigInvalid, p.ID, p.N)
	}
	if len(p.Hosts) != p.N {
		return fmt.Errorf("%w: %d hosts for %d generals", ErrConfigInvalid, len(p.Hosts), p.N)
	}
	return nil
}

// state labels of the per-round machine, shared by both roles.
type state int

const (
	stateInit state = iota
	stateWaiting
	stateSignatureVerified
	stateValueIncluded
	stateValueSelected
	stateSigned
	stateAllNotSent
	stateAllSent
	stateAllAcksReceived
	stateAllAcksNotReceived
	stateSending
	stateAckReceived
	stateMsgReceived
	stateAckVerified
	stateDone
)

// sendPass selects which peers one broadcast attempt targets.
type sendPass int

const (
	// passFresh sends to everyone not excluded by a chain or already acked.
	passFresh sendPass = iota
	// passNotSent retries only peers a previous attempt failed for.
	passNotSent
	// passUnacked resends to peers that have not acked, whether the earlier
	// send reached them or failed.
	passUnacked
)

// general is the engine record both roles share: the socket, the signing
// key, the send tracker and the round clock.
type general struct {
	Params
	conn    *conn
	signer  *signer
	tracker *tracker
	round   uint32
	state   state
	log     *slog.Logger
}

func newGeneral(p Params) (*general, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	if p.KeyDir == "" {
		p.KeyDir = "generals"
	}
	log := p.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	var key *rsa.PrivateKey
	if !p.CryptoOff {
		var err error
		key, err = loadPrivateKey(p.KeyDir, p.ID)
		if err != nil {
			return nil, err
		}
	}

	c, err := newConn(p.ListenHost, p.Port, p.Hosts, p.IPToID)
	if err != nil {
		return nil, err
	}
	return &general{
		Params:  p,
		conn:    c,
		signer:  newSigner(p.ID, key, p.CryptoOff),
		tracker: newTracker(p.N),
		round:   1,
		state:   stateInit,
		log:     log,
	}, nil
}

func (g *general) close() {
	if g.conn != nil {
		g.conn.close()
	}
}

// broadcast runs one attempt pass over the peers selected by pass and
// records the result of each send in the tracker. A failed send is not
// fatal; the peer is retried on the next pass.
func (g *general) broadcast(b []byte, pass sendPass) {
	for id := uint32(1); id <= uint32(g.N); id++ {
		if id == g.ID {
			continue
		}
		switch st := g.tracker.get(id); pass {
		case passFresh:
			if st == statusDoNotSend || st == statusAcked {
				continue
			}
		case passNotSent:
			if st != statusNotSent {
				continue
			}
		case passUnacked:
			if st != statusSent && st != statusNotSent {
				continue
			}
		}
		if err := g.conn.sendTo(id, b); err != nil {
			g.log.Warn("send failed", "to", id, "host", g.Hosts[id-1], "err", err)
			g.tracker.markNotSent(id)
			continue
		}
		g.tracker.markSent(id)
	}
}

// sendUntilAllSent keeps retrying failed peers until everything went out
// or the deadline passes.
func (g *general) sendUntilAllSent(b []byte, deadline time.Time) {
	g.state = stateSending
	g.broadcast(b, passFresh)
	for g.tracker.anyNotSent() && time.Now().Before(deadline) {
		g.state = stateAllNotSent
		g.broadcast(b, passNotSent)
	}
	if !g.tracker.anyNotSent() {
		g.state = stateAllSent
	}
}

// sendAck acknowledges the current round to the source IP of a message,
// addressed to the protocol port rather than the ephemeral source port.
func (g *general) sendAck(src netip.Addr) {
	ack := Ack{Round: g.round}
	if err := g.conn.sendAddr(src, ack.Marshal()); err != nil {
		g.log.Warn("ack send failed", "to", src.String(), "err", err)
	}
}
