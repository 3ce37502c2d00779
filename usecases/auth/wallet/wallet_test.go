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

package wallet

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadGeneratesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "hotkey.seed")

	w1, err := Load(path)
	require.Nil(t, err)
	assert.Len(t, w1.Hotkey(), 64)

	info, err := os.Stat(path)
	require.Nil(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// a second load must yield the same identity
	w2, err := Load(path)
	require.Nil(t, err)
	assert.Equal(t, w1.Hotkey(), w2.Hotkey())
}

func TestSignVerify(t *testing.T) {
	w, err := Load(filepath.Join(t.TempDir(), "hotkey.seed"))
	require.Nil(t, err)

	payload := []byte("hotkey.1700000000.deadbeef")
	sig := w.Sign(payload)

	ok, err := Verify(w.Hotkey(), payload, sig)
	require.Nil(t, err)
	assert.True(t, ok)

	ok, err = Verify(w.Hotkey(), []byte("tampered"), sig)
	require.Nil(t, err)
	assert.False(t, ok)
}

func TestLoadRejectsTruncatedSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hotkey.seed")
	require.Nil(t, os.WriteFile(path, []byte("short"), 0o600))

	_, err := Load(path)
	assert.NotNil(t, err)
}
