// Copyright (C) 2026 byzgen authors
// SPDX-License-Identifier: Apache-2.0

package test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const maxKeys = 6

var (
	once   sync.Once
	keys   []*rsa.PrivateKey
	genErr error
)

// LoadTestKeys returns n RSA-2048 keys, generated once per test binary and
// shared by every caller. Key i belongs to general id i+1.
func LoadTestKeys(t *testing.T, n int) []*rsa.PrivateKey {
	t.Helper()
	once.Do(func() {
		for i := 0; i < maxKeys; i++ {
			k, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				genErr = err
				return
			}
			keys = append(keys, k)
		}
	})
	if genErr != nil {
		t.Fatal(genErr)
	}
	if n > len(keys) {
		t.Fatalf("only %d test keys available, want %d", len(keys), n)
	}
	return keys[:n]
}

// WriteKeyDir lays the keys out the way the generals read them from disk:
// host_<k>_key.pem and a self-signed host_<k>_cert.pem per id.
func WriteKeyDir(t *testing.T, keys []*rsa.PrivateKey) string {
	t.Helper()
	dir := t.TempDir()
	for i, key := range keys {
		id := i + 1
		keyPEM := pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		})
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("host_%d_key.pem", id)), keyPEM, 0o600); err != nil {
			t.Fatal(err)
		}

		tmpl := &x509.Certificate{
			SerialNumber: big.NewInt(int64(id)),
			Subject:      pkix.Name{CommonName: fmt.Sprintf("host_%d", id)},
			NotBefore:    time.Now().Add(-time.Hour),
			NotAfter:     time.Now().AddDate(1, 0, 0),
			KeyUsage:     x509.KeyUsageDigitalSignature,
		}
		der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
		if err != nil {
			t.Fatal(err)
		}
		certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("host_%d_cert.pem", id)), certPEM, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}
