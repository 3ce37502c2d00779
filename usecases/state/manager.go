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

// Package state holds the node's authoritative local view: the phase state
// machine, the counters it gates on, and the bounded snapshot cache of
// in-flight activations.
package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/weaviate/pipeminer/entities/phase"
	"github.com/weaviate/pipeminer/usecases/monitoring"
)

// ErrDesync reports that the local phase no longer relates to what the
// orchestrator reports. The local phase has already been force-reset to
// TRAINING when this is returned, continuing in an unknown phase risks
// corrupting shared computation.
type ErrDesync struct {
	Waiting  phase.Phase
	Reported phase.Phase
}

func (e ErrDesync) Error() string {
	return fmt.Sprintf("out of sync with orchestrator: waiting for %s but it reports %s, "+
		"local phase reset to %s", e.Waiting, e.Reported, phase.Training)
}

// PhaseReporter exposes the orchestrator's view of the layer phase.
type PhaseReporter interface {
	GetLayerState(ctx context.Context) (phase.Phase, error)
}

// Manager is the single source of truth for the node's phase and counters.
// The layer index is assigned at registration and immutable until a full
// reset.
type Manager struct {
	Cache *Cache

	mu                          sync.Mutex
	layer                       int
	registered                  bool
	phase                       phase.Phase
	backwardsSinceReset         int
	processedActivations        int
	mergeParticipations         int
	completedOptimSteps         int
	epoch                       int
	trainingEpochWhenRegistered int

	pollInterval time.Duration
	logger       logrus.FieldLogger
}

func NewManager(cache *Cache, pollInterval time.Duration, logger logrus.FieldLogger) *Manager {
	return &Manager{
		Cache:        cache,
		phase:        phase.Training,
		pollInterval: pollInterval,
		logger:       logger.WithField("action", "state_manager"),
	}
}

func (m *Manager) Phase() phase.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

func (m *Manager) SetPhase(p phase.Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = p
}

func (m *Manager) Layer() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.layer
}

func (m *Manager) Registered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registered
}

// SetLayer records the registration result. The layer stays fixed until the
// next full reset re-registers.
func (m *Manager) SetLayer(layer, currentEpoch int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.layer = layer
	m.registered = true
	m.trainingEpochWhenRegistered = currentEpoch
}

func (m *Manager) Epoch() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

func (m *Manager) IncEpoch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epoch++
	monitoring.GetMetrics().EpochsCompleted.Inc()
}

func (m *Manager) TrainingEpochWhenRegistered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trainingEpochWhenRegistered
}

func (m *Manager) BackwardsSinceReset() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backwardsSinceReset
}

func (m *Manager) IncBackwardsSinceReset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backwardsSinceReset++
}

func (m *Manager) IncProcessedActivations() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processedActivations++
}

func (m *Manager) IncMergeParticipations() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mergeParticipations++
}

func (m *Manager) IncCompletedOptimSteps() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completedOptimSteps++
}

// Reset clears every counter and the cache and forces the phase back to
// TRAINING. The epoch survives, it counts whole cycles over the process
// lifetime.
func (m *Manager) Reset() error {
	m.mu.Lock()
	m.phase = phase.Training
	m.registered = false
	m.backwardsSinceReset = 0
	m.processedActivations = 0
	m.mergeParticipations = 0
	m.completedOptimSteps = 0
	m.trainingEpochWhenRegistered = 0
	m.mu.Unlock()

	monitoring.GetMetrics().FullResets.Inc()
	return m.Cache.Clear()
}

// WaitForPhase polls the orchestrator until it reports the target phase, then
// adopts it. Seeing the target's immediate predecessor means the transition
// simply has not happened yet, keep waiting. Anything else means this node
// desynchronized: the phase is force-reset to TRAINING and ErrDesync
// returned.
func (m *Manager) WaitForPhase(ctx context.Context, reporter PhaseReporter, target phase.Phase) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.pollInterval):
		}

		reported, err := reporter.GetLayerState(ctx)
		if err != nil {
			return err
		}

		switch {
		case reported == target:
			m.logger.WithField("phase", target).Debug("orchestrator reached awaited phase")
			m.SetPhase(target)
			return nil
		case reported.Next() == target:
			// orchestrator still on the target's predecessor, not there yet
			continue
		default:
			m.SetPhase(phase.Training)
			monitoring.GetMetrics().DesyncEvents.Inc()
			return ErrDesync{Waiting: target, Reported: reported}
		}
	}
}
