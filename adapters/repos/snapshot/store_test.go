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

package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	Values     []float32 `msgpack:"values"`
	UploadTime int64     `msgpack:"upload_time"`
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "cache_snapshot.bin"))

	in := map[string]entry{
		"act-1": {Values: []float32{1, 2, 3}, UploadTime: 100},
		"act-2": {Values: []float32{-0.5}, UploadTime: 200},
	}
	require.Nil(t, store.Save(in))

	out := map[string]entry{}
	found, err := store.Load(&out)
	require.Nil(t, err)
	assert.True(t, found)
	assert.Equal(t, in, out)
}

func TestSaveLoadEmpty(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "cache_snapshot.bin"))

	require.Nil(t, store.Save(map[string]entry{}))

	out := map[string]entry{}
	found, err := store.Load(&out)
	require.Nil(t, err)
	assert.True(t, found)
	assert.Empty(t, out)
}

func TestLoadWithoutSnapshot(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "cache_snapshot.bin"))

	out := map[string]entry{}
	found, err := store.Load(&out)
	require.Nil(t, err)
	assert.False(t, found)
	assert.Empty(t, out)
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "cache_snapshot.bin"))

	require.Nil(t, store.Save(map[string]entry{"a": {}}))
	require.Nil(t, store.Save(map[string]entry{"b": {}}))

	entries, err := os.ReadDir(dir)
	require.Nil(t, err)
	assert.Len(t, entries, 1)
}

func TestDrop(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "cache_snapshot.bin"))

	require.Nil(t, store.Save(map[string]entry{"a": {}}))
	require.Nil(t, store.Drop())

	found, err := store.Load(&map[string]entry{})
	require.Nil(t, err)
	assert.False(t, found)

	// dropping twice is fine
	assert.Nil(t, store.Drop())
}
