// Copyright (C) 2026 byzgen authors
// SPDX-License-Identifier: Apache-2.0

package byzgen

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// The signature suite is SHA-1 over RSA-2048 with PKCS#1 v1.5 padding.
// Changing either side breaks the 256-byte wire slot and needs a format
// version bump.

// signer produces the signature links this general appends to chains.
type signer struct {
	id  uint32
	key *rsa.PrivateKey
	off bool
}

func newSigner(id uint32, key *rsa.PrivateKey, off bool) *signer {
	return &signer{id: id, key: key, off: off}
}

// sign covers data with this general's key. With crypto disabled the
// signature bytes are meaningless but keep their wire width.
func (s *signer) sign(data []byte) (Sig, error) {
	sig := Sig{ID: s.id}
	if s.off {
		return sig, nil
	}
	digest := sha1.Sum(data)
	b, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA1, digest[:])
	if err != nil {
		return Sig{}, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	copy(sig.Signature[:], b)
	return sig, nil
}

// verifier checks chain links against the peers' public keys.
type verifier struct {
	keys map[uint32]*rsa.PublicKey
	off  bool
}

func newVerifier(keys map[uint32]*rsa.PublicKey, off bool) *verifier {
	return &verifier{keys: keys, off: off}
}

// verify reports whether sig is signer's signature over data. With crypto
// disabled every link passes.
func (v *verifier) verify(signer uint32, data []byte, sig []byte) bool {
	if v.off {
		return true
	}
	key := v.keys[signer]
	if key == nil {
		return false
	}
	digest := sha1.Sum(data)
	return rsa.VerifyPKCS1v15(key, crypto.SHA1, digest[:], sig) == nil
}

func keyPath(dir string, id uint32) string {
	return filepath.Join(dir, fmt.Sprintf("host_%d_key.pem", id))
}

func certPath(dir string, id uint32) string {
	return filepath.Join(dir, fmt.Sprintf("host_%d_cert.pem", id))
}

// loadPrivateKey reads this general's PEM private key from dir.
func loadPrivateKey(dir string, id uint32) (*rsa.PrivateKey, error) {
	b, err := os.ReadFile(keyPath(dir, id))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, fmt.Errorf("%w: %s is not PEM", ErrKeyUnavailable, keyPath(dir, id))
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an RSA key", ErrKeyUnavailable, keyPath(dir, id))
	}
	return key, nil
}

// loadPeerKeys extracts the RSA public key of every other general from its
// X.509 certificate in dir.
func loadPeerKeys(dir string, n int, self uint32) (map[uint32]*rsa.PublicKey, error) {
	keys := make(map[uint32]*rsa.PublicKey, n-1)
	for id := uint32(1); id <= uint32(n); id++ {
		if id == self {
			continue
		}
		b, err := os.ReadFile(certPath(dir, id))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCertUnavailable, err)
		}
		block, _ := pem.Decode(b)
		if block == nil {
			return nil, fmt.Errorf("%w: %s is not PEM", ErrCertUnavailable, certPath(dir, id))
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCertUnavailable, err)
		}
		key, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: certificate of general %d does not hold an RSA key", ErrCertUnavailable, id)
		}
		keys[id] = key
	}
	return keys, nil
}
