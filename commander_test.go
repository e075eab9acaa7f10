// Copyright (C) 2026 byzgen authors
// SPDX-License-Identifier: Apache-2.0

package byzgen

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"byzgen/test"
)

func testCommanderParams(id uint32) Params {
	hosts := []string{"127.0.0.1", "127.0.0.1", "127.0.0.1", "127.0.0.1"}
	return Params{
		ID:         id,
		N:          4,
		F:          1,
		Port:       "0",
		Hosts:      hosts,
		IPToID:     map[netip.Addr]uint32{netip.MustParseAddr("127.0.0.1"): 1},
		ListenHost: "127.0.0.1",
		CryptoOff:  true,
	}
}

func TestCommanderRejectsInvalidOrder(t *testing.T) {
	c, err := NewCommander(testCommanderParams(1), NoOrder)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Run(); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("got %v, want ErrInvalidOrder", err)
	}
}

// The commander's output is its own order even when nobody acks: missing
// acks cost retries within the round budget, never the outcome.
func TestCommanderReturnsOrderWithoutAcks(t *testing.T) {
	keys := test.LoadTestKeys(t, 1)
	dir := test.WriteKeyDir(t, keys)
	p := clusterParams(1, 4, 1, "28426", dir)

	c, err := NewCommander(p, Attack)
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	got, err := c.Run()
	if err != nil {
		t.Fatal(err)
	}
	if got != Attack {
		t.Fatalf("decided %s, want attack", got)
	}
	if elapsed := time.Since(start); elapsed > RoundTimeout+AckTimeout+100*time.Millisecond {
		t.Fatalf("commander ran %v, want at most one round", elapsed)
	}
}
