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

package state

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/pipeminer/adapters/repos/snapshot"
	"github.com/weaviate/pipeminer/entities/tensor"
	"github.com/weaviate/pipeminer/usecases/monitoring"
)

// CacheEntry holds the in-flight state of one activation between its forward
// and backward pass. On the terminal layer OutputActivations carries the loss
// scalar instead of a layer output.
type CacheEntry struct {
	InputActivations  *tensor.Tensor         `msgpack:"input_activations"`
	OutputActivations *tensor.Tensor         `msgpack:"output_activations"`
	State             map[string]interface{} `msgpack:"state"`
	UploadTime        int64                  `msgpack:"upload_time"`
}

// SyncChecker reports which cached activation ids the orchestrator still
// considers active. Implemented by the orchestrator client.
type SyncChecker interface {
	SyncActivationAssignments(ctx context.Context, ids []string) (map[string]bool, error)
}

// Cache is the bounded in-memory map of in-flight activations, mirrored to
// durable storage on every mutation so a restart resumes where the process
// left off.
type Cache struct {
	mu      sync.Mutex
	entries map[string]CacheEntry
	store   *snapshot.Store
	maxSize int
	checker SyncChecker
	logger  logrus.FieldLogger
}

func NewCache(store *snapshot.Store, maxSize int, checker SyncChecker,
	logger logrus.FieldLogger,
) (*Cache, error) {
	c := &Cache{
		entries: map[string]CacheEntry{},
		store:   store,
		maxSize: maxSize,
		checker: checker,
		logger:  logger.WithField("action", "activation_cache"),
	}

	found, err := store.Load(&c.entries)
	if err != nil {
		return nil, errors.Wrap(err, "restore cache snapshot")
	}
	if found && len(c.entries) > 0 {
		c.logger.WithField("entries", len(c.entries)).
			Info("restored in-flight activations from snapshot")
	}
	if c.entries == nil {
		c.entries = map[string]CacheEntry{}
	}
	monitoring.GetMetrics().CacheSize.Set(float64(len(c.entries)))

	return c, nil
}

func (c *Cache) Insert(id string, entry CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[id] = entry
	return c.persist()
}

func (c *Cache) Get(id string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[id]
	return entry, ok
}

func (c *Cache) Remove(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[id]; !ok {
		return nil
	}
	delete(c.entries, id)
	return c.persist()
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.entries))
	for id := range c.entries {
		keys = append(keys, id)
	}
	return keys
}

// CheckTimeout evicts entries whose upload time is older than the timeout. A
// timed-out entry means the network moved on without us, holding the slot
// any longer only blocks new work.
func (c *Cache) CheckTimeout(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-timeout).Unix()
	evicted := 0
	for id, entry := range c.entries {
		if entry.UploadTime < cutoff {
			delete(c.entries, id)
			evicted++
			c.logger.WithField("activation_id", id).
				Warn("evicted in-flight activation after timeout")
			monitoring.GetMetrics().CacheEvictions.WithLabelValues("timeout").Inc()
		}
	}
	if evicted == 0 {
		return nil
	}
	return c.persist()
}

// IsFull reports whether the cache is at capacity. At the bound it first
// reconciles with the orchestrator: entries it no longer considers active are
// evicted, otherwise a peer-rejected activation could occupy a slot forever.
func (c *Cache) IsFull(ctx context.Context) (bool, error) {
	if c.Len() < c.maxSize {
		return false, nil
	}

	active, err := c.checker.SyncActivationAssignments(ctx, c.Keys())
	if err != nil {
		return true, errors.Wrap(err, "sync activation assignments")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for id, isActive := range active {
		if isActive {
			continue
		}
		if _, ok := c.entries[id]; ok {
			delete(c.entries, id)
			evicted++
			c.logger.WithField("activation_id", id).
				Info("evicted activation no longer active on orchestrator")
			monitoring.GetMetrics().CacheEvictions.WithLabelValues("inactive").Inc()
		}
	}
	if evicted > 0 {
		if err := c.persist(); err != nil {
			return len(c.entries) >= c.maxSize, err
		}
	}
	return len(c.entries) >= c.maxSize, nil
}

// Clear drops everything, memory and durable mirror. Used on full resets.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = map[string]CacheEntry{}
	return c.persist()
}

// persist must be called with the lock held.
func (c *Cache) persist() error {
	monitoring.GetMetrics().CacheSize.Set(float64(len(c.entries)))
	return c.store.Save(c.entries)
}
