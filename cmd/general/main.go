// Copyright (C) 2026 byzgen authors
// SPDX-License-Identifier: Apache-2.0

// Command general runs one general of the signed Byzantine agreement
// protocol. The hostfile assigns ids by line order; passing -o makes this
// process the commander, otherwise it is a lieutenant.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"byzgen"
)

const (
	minPort = 1024
	maxPort = 65535
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: general -p <port number> -h <hostfile> -f <#faulty generals> [-c] [-o <order>]")
	fmt.Fprintln(os.Stderr, "-c option asks the crypto to be turned off.")
}

func main() {
	var (
		port      = flag.Int("p", 0, "UDP port to listen on")
		hostfile  = flag.String("h", "", "file with one general hostname per line")
		faulty    = flag.Int("f", -1, "maximum number of faulty generals")
		cryptoOff = flag.Bool("c", false, "disable signature verification")
		orderArg  = flag.String("o", "", "commander order: attack or retreat")
	)
	flag.Usage = usage
	flag.Parse()

	if *port < minPort || *port > maxPort {
		fmt.Fprintln(os.Stderr, "The port number should lie between 1024 and 65535 including both.")
		usage()
		os.Exit(2)
	}
	if *hostfile == "" || *faulty < 0 {
		usage()
		os.Exit(2)
	}
	order := byzgen.NoOrder
	switch *orderArg {
	case "":
	case "attack":
		order = byzgen.Attack
	case "retreat":
		order = byzgen.Retreat
	default:
		fmt.Fprintln(os.Stderr, "The order must either be 'attack' or 'retreat'.")
		usage()
		os.Exit(2)
	}

	logger := slog.New(pterm.NewSlogHandler(pterm.DefaultLogger.WithWriter(os.Stderr)))

	hosts, ipToID, myID, err := readHostfile(*hostfile)
	if err != nil {
		logger.Error("bootstrap failed", "err", err)
		os.Exit(1)
	}
	if len(hosts) < *faulty+2 {
		logger.Error("the total number of generals must be no less than faulty+2",
			"generals", len(hosts), "faulty", *faulty)
		os.Exit(1)
	}
	if myID == 0 {
		logger.Error("my hostname was not found in the hostfile", "hostfile", *hostfile)
		os.Exit(1)
	}

	p := byzgen.Params{
		ID:        myID,
		N:         len(hosts),
		F:         *faulty,
		Port:      strconv.Itoa(*port),
		Hosts:     hosts,
		IPToID:    ipToID,
		CryptoOff: *cryptoOff,
		Logger:    logger,
	}
	role, err := byzgen.New(p, order)
	if err != nil {
		logger.Error("could not start", "err", err)
		os.Exit(1)
	}
	decision, err := role.Run()
	if err != nil {
		logger.Error("protocol failed", "err", err)
		os.Exit(1)
	}
	fmt.Printf("\n%d: Agreed on %s\n", myID, decision)
}

// readHostfile assigns ids by line order, resolves every host to an IPv4
// for the reverse map and finds the local id by hostname match.
func readHostfile(path string) (hosts []string, ipToID map[netip.Addr]uint32, myID uint32, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, 0, err
	}
	defer f.Close()

	self, err := os.Hostname()
	if err != nil {
		return nil, nil, 0, err
	}

	ipToID = make(map[netip.Addr]uint32)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		host := strings.TrimSpace(scanner.Text())
		if host == "" {
			continue
		}
		hosts = append(hosts, host)
		id := uint32(len(hosts))
		if ip, ok := resolveIPv4(host); ok {
			ipToID[ip] = id
		}
		if host == self {
			myID = id
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, 0, err
	}
	return hosts, ipToID, myID, nil
}

func resolveIPv4(host string) (netip.Addr, bool) {
	ips, err := net.LookupIP(host)
	if err != nil {
		return netip.Addr{}, false
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			if addr, ok := netip.AddrFromSlice(v4); ok {
				return addr, true
			}
		}
	}
	return netip.Addr{}, false
}
