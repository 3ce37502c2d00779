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

// Package cyclemanager runs a callback on a fixed interval until stopped.
// Background loops of the miner (activation polling, queue pruning,
// registration refresh) are all driven by it so they share the same start and
// stop semantics.
package cyclemanager

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	enterrors "github.com/weaviate/pipeminer/entities/errors"
)

// CycleFunc is invoked once per tick. The context is cancelled when a stop is
// requested, long-running callbacks should honor it.
type CycleFunc func(ctx context.Context)

type CycleManager struct {
	sync.Mutex

	interval time.Duration
	cycle    CycleFunc
	logger   logrus.FieldLogger

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(interval time.Duration, cycle CycleFunc, logger logrus.FieldLogger) *CycleManager {
	return &CycleManager{
		interval: interval,
		cycle:    cycle,
		logger:   logger,
	}
}

// Start begins ticking, does not block. Does nothing if already started.
func (c *CycleManager) Start() {
	c.Lock()
	defer c.Unlock()

	if c.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	done := c.done
	enterrors.GoWrapper(func() {
		defer close(done)

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.cycle(ctx)
			}
		}
	}, c.logger)
}

// Stop requests a stop and waits for the loop to exit or the context to
// expire, whichever comes first.
func (c *CycleManager) Stop(ctx context.Context) error {
	c.Lock()
	if !c.running {
		c.Unlock()
		return nil
	}
	c.running = false
	c.cancel()
	done := c.done
	c.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *CycleManager) Running() bool {
	c.Lock()
	defer c.Unlock()

	return c.running
}
