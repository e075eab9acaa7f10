// Copyright (C) 2026 byzgen authors
// SPDX-License-Identifier: Apache-2.0

package byzgen

import "encoding/binary"

// Order is the command the generals agree on. Only Retreat and Attack are
// valid on the wire; NoOrder marks the absence of a commander order.
type Order uint32

const (
	Retreat Order = 0
	Attack  Order = 1
	NoOrder Order = 2
)

func (o Order) String() string {
	switch o {
	case Retreat:
		return "retreat"
	case Attack:
		return "attack"
	}
	return "no order"
}

// Wire layout. All u32 fields travel in network byte order. A signed
// message is smHeaderSize + sigRecordSize*total_sigs bytes, an ack is
// exactly AckSize; receivers classify datagrams by length and type field.
const (
	typeSigned uint32 = 1
	typeAck    uint32 = 2

	// SigSize is the raw signature width, fixed by RSA-2048.
	SigSize = 256

	sigRecordSize = 4 + SigSize
	smHeaderSize  = 12

	// AckSize is the exact length of an ack datagram.
	AckSize = 8
)

// Sig is one link of a signature chain.
type Sig struct {
	ID        uint32
	Signature [SigSize]byte
}

// SignedMessage carries an order and the chain of signatures collected on
// its way through the generals: Sigs[0] covers the 4-byte order, Sigs[i]
// covers Sigs[i-1].Signature.
type SignedMessage struct {
	TotalSigs uint32
	Order     Order
	Sigs      []Sig
}

// Ack acknowledges a signed message for one round.
type Ack struct {
	Round uint32
}

// orderBytes is the exact byte range the first signature of a chain covers.
func orderBytes(o Order) [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(o))
	return b
}

func (m *SignedMessage) Marshal() []byte {
	b := make([]byte, smHeaderSize+sigRecordSize*len(m.Sigs))
	binary.BigEndian.PutUint32(b[0:], typeSigned)
	binary.BigEndian.PutUint32(b[4:], m.TotalSigs)
	binary.BigEndian.PutUint32(b[8:], uint32(m.Order))
	off := smHeaderSize
	for i := range m.Sigs {
		binary.BigEndian.PutUint32(b[off:], m.Sigs[i].ID)
		copy(b[off+4:], m.Sigs[i].Signature[:])
		off += sigRecordSize
	}
	return b
}

// UnmarshalSignedMessage parses a datagram as a signed message. The
// signature count is inferred from the datagram length and must match the
// total_sigs field; the type must be 1 and the order on the wire must be
// Retreat or Attack. Anything else is rejected with ErrBadDatagram.
func UnmarshalSignedMessage(b []byte) (*SignedMessage, error) {
	if len(b) < smHeaderSize+sigRecordSize || (len(b)-smHeaderSize)%sigRecordSize != 0 {
		return nil, ErrBadDatagram
	}
	if binary.BigEndian.Uint32(b[0:]) != typeSigned {
		return nil, ErrBadDatagram
	}
	m := &SignedMessage{
		TotalSigs: binary.BigEndian.Uint32(b[4:]),
		Order:     Order(binary.BigEndian.Uint32(b[8:])),
	}
	if m.Order != Retreat && m.Order != Attack {
		return nil, ErrBadDatagram
	}
	count := (len(b) - smHeaderSize) / sigRecordSize
	if uint32(count) != m.TotalSigs {
		return nil, ErrBadDatagram
	}
	m.Sigs = make([]Sig, count)
	off := smHeaderSize
	for i := range m.Sigs {
		m.Sigs[i].ID = binary.BigEndian.Uint32(b[off:])
		copy(m.Sigs[i].Signature[:], b[off+4:off+sigRecordSize])
		off += sigRecordSize
	}
	return m, nil
}

func (a *Ack) Marshal() []byte {
	b := make([]byte, AckSize)
	binary.BigEndian.PutUint32(b[0:], typeAck)
	binary.BigEndian.PutUint32(b[4:], a.Round)
	return b
}

func UnmarshalAck(b []byte) (*Ack, error) {
	if len(b) != AckSize || binary.BigEndian.Uint32(b[0:]) != typeAck {
		return nil, ErrBadDatagram
	}
	return &Ack{Round: binary.BigEndian.Uint32(b[4:])}, nil
}
