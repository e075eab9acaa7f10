// Copyright (C) 2026 byzgen authors
// SPDX-License-Identifier: Apache-2.0

// Command genkeys provisions a cluster: it writes the RSA-2048 private
// key and a self-signed certificate for every general id, the files the
// general binary reads at startup.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"flag"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/pterm/pterm"
)

func main() {
	var (
		n   = flag.Int("n", 0, "number of generals")
		dir = flag.String("d", "generals", "output directory")
	)
	flag.Parse()
	if *n < 1 {
		fmt.Fprintf(os.Stderr, "usage: %s -n <num generals> [-d <dir>]\n", os.Args[0])
		os.Exit(2)
	}
	if err := os.MkdirAll(*dir, 0o755); err != nil {
		pterm.Error.Printfln("create %s: %v", *dir, err)
		os.Exit(1)
	}

	for id := 1; id <= *n; id++ {
		if err := writeKeyPair(*dir, id); err != nil {
			pterm.Error.Printfln("general %d: %v", id, err)
			os.Exit(1)
		}
		pterm.Success.Printfln("generated host_%d key and certificate", id)
	}
}

func writeKeyPair(dir string, id int) error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	keyFile := filepath.Join(dir, fmt.Sprintf("host_%d_key.pem", id))
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		return err
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(int64(id)),
		Subject:      pkix.Name{CommonName: fmt.Sprintf("host_%d", id)},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().AddDate(10, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	certFile := filepath.Join(dir, fmt.Sprintf("host_%d_cert.pem", id))
	return os.WriteFile(certFile, certPEM, 0o644)
}
