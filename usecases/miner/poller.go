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

package miner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/pipeminer/adapters/repos/queue"
	"github.com/weaviate/pipeminer/entities/activation"
	"github.com/weaviate/pipeminer/entities/cyclemanager"
	"github.com/weaviate/pipeminer/usecases/monitoring"
)

// ActivationSource is the slice of the API client the poller needs.
type ActivationSource interface {
	GetActivation(ctx context.Context) (*activation.Activation, error)
}

// Poller runs the node's background loops: activation polling, queue
// pruning and registration-file watching. The loops share nothing with the
// control loop except the queue files on disk.
type Poller struct {
	source   ActivationSource
	queue    *queue.DurableQueue
	dataPath string

	pruneMaxAge time.Duration

	mu    sync.Mutex
	layer *int

	pollCycle  *cyclemanager.CycleManager
	pruneCycle *cyclemanager.CycleManager
	regCycle   *cyclemanager.CycleManager

	logger logrus.FieldLogger
}

type PollerDeps struct {
	Source   ActivationSource
	Queue    *queue.DurableQueue
	DataPath string

	PollInterval        time.Duration
	PruneInterval       time.Duration
	PruneMaxAge         time.Duration
	RegistrationRefresh time.Duration

	Logger logrus.FieldLogger
}

func NewPoller(deps PollerDeps) *Poller {
	p := &Poller{
		source:      deps.Source,
		queue:       deps.Queue,
		dataPath:    deps.DataPath,
		pruneMaxAge: deps.PruneMaxAge,
		logger:      deps.Logger.WithField("action", "activation_poller"),
	}
	p.pollCycle = cyclemanager.New(deps.PollInterval, p.pollOnce, p.logger)
	p.pruneCycle = cyclemanager.New(deps.PruneInterval, p.pruneOnce, p.logger)
	p.regCycle = cyclemanager.New(deps.RegistrationRefresh, p.refreshRegistration, p.logger)
	return p
}

func (p *Poller) Start() {
	p.pollCycle.Start()
	p.pruneCycle.Start()
	p.regCycle.Start()
}

func (p *Poller) Stop(ctx context.Context) error {
	for _, cycle := range []*cyclemanager.CycleManager{
		p.pollCycle, p.pruneCycle, p.regCycle,
	} {
		if err := cycle.Stop(ctx); err != nil {
			return err
		}
	}
	return nil
}

// pollOnce asks the orchestrator for work and appends it to the direction's
// queue file. Polling is suspended until the registration file names a layer.
func (p *Poller) pollOnce(ctx context.Context) {
	p.mu.Lock()
	registered := p.layer != nil
	p.mu.Unlock()
	if !registered {
		return
	}

	act, err := p.source.GetActivation(ctx)
	if err != nil {
		p.logger.WithError(err).Debug("could not fetch activation")
		return
	}
	if act == nil || act.ActivationID == "" {
		return
	}

	dir := act.Direction
	if dir != activation.Forward && dir != activation.Backward {
		p.logger.WithField("direction", dir).
			WithField("activation_id", act.ActivationID).
			Warn("ignoring activation with unknown direction")
		return
	}

	if err := p.queue.Push(ctx, dir, *act); err != nil {
		p.logger.WithError(err).Error("could not enqueue activation")
		return
	}

	if count, err := p.queue.Count(ctx, dir); err == nil {
		monitoring.GetMetrics().QueueLength.
			WithLabelValues(string(dir)).Set(float64(count))
	}
}

func (p *Poller) pruneOnce(ctx context.Context) {
	for _, dir := range []activation.Direction{activation.Forward, activation.Failed} {
		dropped, err := p.queue.Prune(ctx, dir, p.pruneMaxAge)
		if err != nil {
			p.logger.WithError(err).WithField("direction", dir).
				Error("could not prune queue")
			continue
		}
		if dropped > 0 {
			p.logger.WithField("direction", dir).
				WithField("dropped", dropped).
				Debug("pruned stale activations")
		}
	}
}

// refreshRegistration re-reads the registration file the control loop
// writes, picking up layer changes across process restarts.
func (p *Poller) refreshRegistration(ctx context.Context) {
	layer, err := readRegisteredLayer(p.dataPath)
	if err != nil {
		p.logger.WithError(err).Debug("registration data not readable")
		return
	}

	p.mu.Lock()
	p.layer = layer
	p.mu.Unlock()
}

func readRegisteredLayer(dataPath string) (*int, error) {
	raw, err := os.ReadFile(filepath.Join(dataPath, registrationFile))
	if os.IsNotExist(err) {
		return nil, errors.New("registration file not found")
	}
	if err != nil {
		return nil, err
	}

	var data registrationData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.Wrap(err, "decode registration data")
	}
	return &data.Layer, nil
}
