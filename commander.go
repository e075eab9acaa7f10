// Copyright (C) 2026 byzgen authors
// SPDX-License-Identifier: Apache-2.0

package byzgen

import "time"

// Commander originates the order: it signs it, broadcasts it to every
// lieutenant and collects acks until the round budget runs out.
type Commander struct {
	g     *general
	order Order
}

func NewCommander(p Params, order Order) (*Commander, error) {
	g, err := newGeneral(p)
	if err != nil {
		return nil, err
	}
	return &Commander{g: g, order: order}, nil
}

// Run executes round 1 and returns the commander's own order. Missing
// acks cost retries, never the outcome: fault tolerance lives in the
// lieutenants.
func (c *Commander) Run() (Order, error) {
	defer c.g.close()

	if c.order != Retreat && c.order != Attack {
		return NoOrder, ErrInvalidOrder
	}
	c.g.state = stateValueSelected

	ob := orderBytes(c.order)
	sig, err := c.g.signer.sign(ob[:])
	if err != nil {
		return NoOrder, err
	}
	c.g.state = stateSigned

	msg := &SignedMessage{TotalSigs: c.g.round, Order: c.order, Sigs: []Sig{sig}}
	b := msg.Marshal()

	deadline := time.Now().Add(RoundTimeout)
	c.g.sendUntilAllSent(b, deadline)

	for !c.g.tracker.allAcked() && time.Now().Before(deadline) {
		c.waitForAcks()
		if c.g.state == stateAllAcksNotReceived {
			c.g.broadcast(b, passUnacked)
		}
	}
	return c.order, nil
}

// waitForAcks drains the socket for up to AckTimeout. Anything that is
// not a well-formed ack for the current round is dropped, including
// signed messages that stray onto the commander's socket.
func (c *Commander) waitForAcks() {
	buf := make([]byte, smHeaderSize+sigRecordSize*c.g.N)
	deadline := time.Now().Add(AckTimeout)
	for !c.g.tracker.allAcked() {
		n, src, timedOut, err := c.g.conn.recv(buf, deadline)
		if timedOut {
			break
		}
		if err != nil {
			c.g.log.Warn("receive failed", "err", err)
			if !time.Now().Before(deadline) {
				break
			}
			continue
		}
		if n != AckSize {
			continue
		}
		ack, err := UnmarshalAck(buf[:n])
		if err != nil || ack.Round != c.g.round {
			continue
		}
		id, ok := c.g.conn.peerID(src)
		if !ok {
			continue
		}
		c.g.tracker.markAcked(id)
	}
	if c.g.tracker.allAcked() {
		c.g.state = stateAllAcksReceived
	} else {
		c.g.state = stateAllAcksNotReceived
	}
}
