//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

// Package wallet holds the miner's signing identity. Every orchestrator
// request is signed with it, and the hex-encoded public key doubles as the
// miner's hotkey on the network.
package wallet

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/weaviate/pipeminer/entities/diskio"
)

type Wallet struct {
	priv   ed25519.PrivateKey
	hotkey string
}

// Load reads the ed25519 seed stored at path, generating and persisting a
// fresh one on first start.
func Load(path string) (*Wallet, error) {
	seed, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return generate(path)
	}
	if err != nil {
		return nil, errors.Wrap(err, "read wallet seed")
	}
	if len(seed) != ed25519.SeedSize {
		return nil, errors.Errorf("wallet seed at %q has %d bytes, want %d",
			path, len(seed), ed25519.SeedSize)
	}
	return fromSeed(seed), nil
}

func generate(path string) (*Wallet, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, errors.Wrap(err, "generate wallet seed")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Wrap(err, "create wallet dir")
	}
	if err := diskio.WriteAtomically(path, seed); err != nil {
		return nil, errors.Wrap(err, "persist wallet seed")
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return nil, errors.Wrap(err, "restrict wallet seed permissions")
	}
	return fromSeed(seed), nil
}

func fromSeed(seed []byte) *Wallet {
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Wallet{priv: priv, hotkey: hex.EncodeToString(pub)}
}

func (w *Wallet) Hotkey() string {
	return w.hotkey
}

func (w *Wallet) Sign(payload []byte) []byte {
	return ed25519.Sign(w.priv, payload)
}

// Verify checks a signature against the given hex hotkey. Used in tests and
// by anything that wants to validate peer-signed payloads.
func Verify(hotkey string, payload, sig []byte) (bool, error) {
	pub, err := hex.DecodeString(hotkey)
	if err != nil {
		return false, errors.Wrap(err, "decode hotkey")
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, errors.Errorf("hotkey has %d bytes, want %d",
			len(pub), ed25519.PublicKeySize)
	}
	return ed25519.Verify(ed25519.PublicKey(pub), payload, sig), nil
}
