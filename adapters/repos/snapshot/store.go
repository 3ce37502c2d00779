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

// Package snapshot persists a value to disk so in-flight state survives a
// process restart. Writes go through a temp file followed by an atomic
// rename, a crash can never leave a partially-written snapshot behind.
package snapshot

import (
	"os"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/weaviate/pipeminer/entities/diskio"
)

type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Save(v interface{}) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}
	return errors.Wrap(diskio.WriteAtomically(s.path, data), "persist snapshot")
}

// Load restores the last persisted snapshot into v. Returns false when no
// snapshot exists yet, which is not an error.
func (s *Store) Load(v interface{}) (bool, error) {
	exists, err := diskio.FileExists(s.path)
	if err != nil {
		return false, errors.Wrap(err, "stat snapshot")
	}
	if !exists {
		return false, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return false, errors.Wrap(err, "read snapshot")
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return false, errors.Wrap(err, "unmarshal snapshot")
	}
	return true, nil
}

// Drop removes the snapshot file, used on full resets.
func (s *Store) Drop() error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove snapshot")
	}
	return nil
}
