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

// Package queue implements the durable per-direction activation queues. One
// newline-delimited JSON file per direction, shared with the poller process
// through OS advisory locks. Every read-modify-write cycle holds the
// exclusive lock and syncs before releasing it, so records survive crashes
// and are never duplicated across processes.
package queue

import (
	"bufio"
	"context"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/weaviate/pipeminer/entities/activation"
	"github.com/weaviate/pipeminer/entities/diskio"
)

const defaultLockRetryInterval = 100 * time.Millisecond

type DurableQueue struct {
	baseDir           string
	lockRetryInterval time.Duration
	logger            logrus.FieldLogger
}

func New(baseDir string, logger logrus.FieldLogger) *DurableQueue {
	return &DurableQueue{
		baseDir:           baseDir,
		lockRetryInterval: defaultLockRetryInterval,
		logger:            logger.WithField("action", "activation_queue"),
	}
}

func (q *DurableQueue) path(dir activation.Direction) string {
	return filepath.Join(q.baseDir, string(dir)+"_activations.jsonl")
}

// Push appends one record. The timestamp is set on enqueue when the caller
// left it zero, it drives pruning later on.
func (q *DurableQueue) Push(ctx context.Context, dir activation.Direction, act activation.Activation) error {
	if act.Timestamp.IsZero() {
		act.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(act)
	if err != nil {
		return errors.Wrap(err, "marshal activation")
	}

	return q.withLock(ctx, dir, func(f *os.File) error {
		if _, err := f.Seek(0, 2); err != nil {
			return errors.Wrap(err, "seek to end")
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			return errors.Wrap(err, "append record")
		}
		return errors.Wrap(f.Sync(), "sync queue file")
	})
}

// Pop removes and returns one record: the most recent for forward/backward
// (LIFO), a uniformly random one for failed. The second return is false when
// the queue is empty, which leaves the file untouched.
func (q *DurableQueue) Pop(ctx context.Context, dir activation.Direction) (*activation.Activation, bool, error) {
	exists, err := diskio.FileExists(q.path(dir))
	if err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, nil
	}

	var out *activation.Activation
	err = q.withLock(ctx, dir, func(f *os.File) error {
		records, err := q.readAll(f, dir)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}

		idx := len(records) - 1
		if dir == activation.Failed {
			idx = rand.Intn(len(records))
		}

		selected := records[idx]
		out = &selected

		// drop exactly the popped record, keep everything else
		kept := append(records[:idx:idx], records[idx+1:]...)
		return q.rewrite(f, kept)
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

// Prune drops records whose timestamp is strictly older than maxAge. Expiry
// is a soft condition, not an error. Returns the number of dropped records.
func (q *DurableQueue) Prune(ctx context.Context, dir activation.Direction, maxAge time.Duration) (int, error) {
	exists, err := diskio.FileExists(q.path(dir))
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}

	dropped := 0
	err = q.withLock(ctx, dir, func(f *os.File) error {
		records, err := q.readAll(f, dir)
		if err != nil {
			return err
		}

		cutoff := time.Now().Add(-maxAge)
		kept := records[:0:0]
		for _, rec := range records {
			if rec.Timestamp.Before(cutoff) {
				dropped++
				continue
			}
			kept = append(kept, rec)
		}
		if dropped == 0 {
			return nil
		}
		return q.rewrite(f, kept)
	})
	if dropped > 0 {
		q.logger.WithField("direction", dir).WithField("dropped", dropped).
			Debug("pruned expired activations")
	}
	return dropped, err
}

// Remove drops every record carrying the given activation id, across the
// whole file. Used once a backward pass completed and after failures were
// re-queued.
func (q *DurableQueue) Remove(ctx context.Context, dir activation.Direction, activationID string) error {
	exists, err := diskio.FileExists(q.path(dir))
	if err != nil || !exists {
		return err
	}

	return q.withLock(ctx, dir, func(f *os.File) error {
		records, err := q.readAll(f, dir)
		if err != nil {
			return err
		}

		kept := records[:0:0]
		removed := false
		for _, rec := range records {
			if rec.ActivationID == activationID {
				removed = true
				continue
			}
			kept = append(kept, rec)
		}
		if !removed {
			return nil
		}
		return q.rewrite(f, kept)
	})
}

// Count returns the number of records under a shared lock.
func (q *DurableQueue) Count(ctx context.Context, dir activation.Direction) (int, error) {
	exists, err := diskio.FileExists(q.path(dir))
	if err != nil || !exists {
		return 0, err
	}

	count := 0
	err = q.withFlock(ctx, q.path(dir), unix.LOCK_SH, func(f *os.File) error {
		records, err := q.readAll(f, dir)
		if err != nil {
			return err
		}
		count = len(records)
		return nil
	})
	return count, err
}

func (q *DurableQueue) withLock(ctx context.Context, dir activation.Direction, fn func(*os.File) error) error {
	return q.withFlock(ctx, q.path(dir), unix.LOCK_EX, fn)
}

// withFlock opens the file and acquires the advisory lock, retrying on a
// fixed interval for as long as the context lives. Contention between the
// miner and the poller is brief and expected, so availability wins over fast
// failure here.
func (q *DurableQueue) withFlock(ctx context.Context, path string, how int, fn func(*os.File) error) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return errors.Wrap(err, "open queue file")
	}
	defer f.Close()

	for {
		err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			return errors.Wrap(err, "acquire queue lock")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(q.lockRetryInterval):
		}
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	return fn(f)
}

// readAll parses every line. Malformed lines are dropped with a warning
// rather than failing the whole queue, a single corrupt record must not wedge
// the node.
func (q *DurableQueue) readAll(f *os.File, dir activation.Direction) ([]activation.Activation, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return nil, errors.Wrap(err, "seek to start")
	}

	var records []activation.Activation
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var act activation.Activation
		if err := json.Unmarshal(line, &act); err != nil {
			q.logger.WithField("direction", dir).WithError(err).
				Warn("skipping malformed queue record")
			continue
		}
		records = append(records, act)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scan queue file")
	}
	return records, nil
}

func (q *DurableQueue) rewrite(f *os.File, records []activation.Activation) error {
	if _, err := f.Seek(0, 0); err != nil {
		return errors.Wrap(err, "seek to start")
	}
	if err := f.Truncate(0); err != nil {
		return errors.Wrap(err, "truncate queue file")
	}

	w := bufio.NewWriter(f)
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return errors.Wrap(err, "marshal activation")
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return errors.Wrap(err, "write record")
		}
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "flush queue file")
	}
	return errors.Wrap(f.Sync(), "sync queue file")
}
