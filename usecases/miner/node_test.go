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
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/pipeminer/adapters/clients/orchestrator"
	"github.com/weaviate/pipeminer/adapters/repos/queue"
	"github.com/weaviate/pipeminer/adapters/repos/snapshot"
	"github.com/weaviate/pipeminer/entities/activation"
	"github.com/weaviate/pipeminer/entities/partition"
	"github.com/weaviate/pipeminer/entities/phase"
	"github.com/weaviate/pipeminer/entities/tensor"
	"github.com/weaviate/pipeminer/usecases/merge"
	"github.com/weaviate/pipeminer/usecases/state"
)

type fakeOrchestrator struct {
	mu sync.Mutex

	healthy      bool
	layerState   phase.Phase
	layer        int
	currentEpoch int

	activations          []activation.Activation
	targetsPath          string
	learningRate         float64
	numSplits            int
	partitions           []partition.Partition
	submissions          []partition.PeerSubmission
	activeIDs            map[string]bool
	registerErr          error
	submitWeightsErr     error
	submittedActivations []orchestrator.SubmitActivationRequest
	submittedWeights     []orchestrator.WeightUpdate
	submittedPartitions  [][]partition.Partition
	reportedLosses       []orchestrator.LossReport
	registrations        int
}

func newFakeOrchestrator() *fakeOrchestrator {
	return &fakeOrchestrator{
		healthy:      true,
		layerState:   phase.Training,
		learningRate: 0.01,
		numSplits:    2,
		activeIDs:    map[string]bool{},
	}
}

func (f *fakeOrchestrator) Health(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeOrchestrator) Register(ctx context.Context) (*orchestrator.RegistrationResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registrations++
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	layer := f.layer
	return &orchestrator.RegistrationResponse{Layer: &layer, CurrentEpoch: f.currentEpoch}, nil
}

func (f *fakeOrchestrator) GetLayerState(ctx context.Context) (phase.Phase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.layerState, nil
}

func (f *fakeOrchestrator) GetActivation(ctx context.Context) (*activation.Activation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.activations) == 0 {
		return nil, nil
	}
	act := f.activations[0]
	f.activations = f.activations[1:]
	return &act, nil
}

func (f *fakeOrchestrator) GetTargets(ctx context.Context,
	req orchestrator.GetTargetsRequest,
) (string, error) {
	return f.targetsPath, nil
}

func (f *fakeOrchestrator) SubmitWeights(ctx context.Context,
	update orchestrator.WeightUpdate,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitWeightsErr != nil {
		return f.submitWeightsErr
	}
	f.submittedWeights = append(f.submittedWeights, update)
	return nil
}

func (f *fakeOrchestrator) ReportLoss(ctx context.Context, report orchestrator.LossReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reportedLosses = append(f.reportedLosses, report)
	return nil
}

func (f *fakeOrchestrator) SubmitActivation(ctx context.Context,
	req orchestrator.SubmitActivationRequest,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submittedActivations = append(f.submittedActivations, req)
	return nil
}

func (f *fakeOrchestrator) SyncActivationAssignments(ctx context.Context,
	ids []string,
) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]bool{}
	for _, id := range ids {
		active, ok := f.activeIDs[id]
		out[id] = !ok || active
	}
	return out, nil
}

func (f *fakeOrchestrator) GetPartitions(ctx context.Context) ([]partition.Partition, error) {
	return f.partitions, nil
}

func (f *fakeOrchestrator) GetWeightPathPerLayer(ctx context.Context) ([]partition.PeerSubmission, error) {
	return f.submissions, nil
}

func (f *fakeOrchestrator) GetNumSplits(ctx context.Context) (int, error) {
	return f.numSplits, nil
}

func (f *fakeOrchestrator) GetLearningRate(ctx context.Context) (float64, error) {
	return f.learningRate, nil
}

func (f *fakeOrchestrator) SubmitMergedPartitions(ctx context.Context,
	parts []partition.Partition,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submittedPartitions = append(f.submittedPartitions, parts)
	return nil
}

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	nextID  int
}

func newStoreFake() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}}
}

func (f *fakeStore) putTensor(t *testing.T, location string, tens *tensor.Tensor) {
	data, err := tensor.Encode(tens, tensor.BFloat16)
	require.Nil(t, err)
	f.objects[location] = data
}

func (f *fakeStore) Upload(ctx context.Context, data []byte, fileType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	location := fmt.Sprintf("uploads/%s/%d", fileType, f.nextID)
	f.objects[location] = data
	return location, nil
}

func (f *fakeStore) Download(ctx context.Context, location string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[location]
	if !ok {
		return nil, fmt.Errorf("no object at %q", location)
	}
	return data, nil
}

type testNode struct {
	node  *Node
	orch  *fakeOrchestrator
	store *fakeStore
	queue *queue.DurableQueue
	state *state.Manager
}

func newTestNode(t *testing.T, numLayers, cacheMax int) *testNode {
	dir := t.TempDir()
	logger, _ := test.NewNullLogger()

	orch := newFakeOrchestrator()
	store := newStoreFake()
	q := queue.New(dir, logger)

	cache, err := state.NewCache(
		snapshot.NewStore(filepath.Join(dir, "cache_snapshot.bin")),
		cacheMax, orch, logger)
	require.Nil(t, err)
	manager := state.NewManager(cache, time.Millisecond, logger)
	manager.SetLayer(0, 0)

	node := NewNode(NodeDeps{
		Orchestrator:           orch,
		Store:                  store,
		Queue:                  q,
		State:                  manager,
		Compute:                NewMockCompute(8),
		Merger:                 merge.NewMerger(store, logger),
		Hotkey:                 "abcdef0123456789",
		DataPath:               dir,
		NumLayers:              numLayers,
		CacheTimeout:           time.Hour,
		LayerEstimationTimeout: time.Millisecond,
		Logger:                 logger,
	})
	node.registerRetry = time.Millisecond
	node.tickInterval = time.Millisecond
	node.healthBackoff = time.Millisecond

	return &testNode{node: node, orch: orch, store: store, queue: q, state: manager}
}

func forwardActivation(id, downloadURL string) activation.Activation {
	return activation.Activation{
		ActivationID:         id,
		Direction:            activation.Forward,
		PresignedDownloadURL: downloadURL,
		PresignedUploadURL:   "https://upload.example/" + id,
	}
}

func TestForwardPassNonTerminalLayer(t *testing.T) {
	tn := newTestNode(t, 3, 4)
	ctx := context.Background()

	input := tensor.New([]float32{1, 2, 3, 4}, 4)
	tn.store.putTensor(t, "acts/in", input)
	tn.state.SetLayer(1, 0)

	act := forwardActivation("act-1", "acts/in")
	require.Nil(t, tn.queue.Push(ctx, activation.Forward, act))

	require.Nil(t, tn.node.step(ctx))

	// output cached for the backward pass
	entry, ok := tn.state.Cache.Get("act-1")
	require.True(t, ok)
	assert.InDelta(t, 2.0, entry.OutputActivations.Data[0], 0.01)

	// output uploaded and submitted as a forward activation
	require.Len(t, tn.orch.submittedActivations, 1)
	assert.Equal(t, "act-1", tn.orch.submittedActivations[0].ActivationID)
	assert.Equal(t, activation.Forward, tn.orch.submittedActivations[0].Direction)
	assert.NotEmpty(t, tn.orch.submittedActivations[0].ActivationPath)
}

func TestBackwardHasPriorityOverForward(t *testing.T) {
	tn := newTestNode(t, 3, 4)
	ctx := context.Background()
	tn.state.SetLayer(1, 0)

	grads := tensor.New([]float32{1, 1}, 2)
	tn.store.putTensor(t, "acts/grad", grads)

	require.Nil(t, tn.state.Cache.Insert("act-b", state.CacheEntry{
		InputActivations:  tensor.New([]float32{1, 2}, 2),
		OutputActivations: tensor.New([]float32{2, 4}, 2),
		UploadTime:        time.Now().Unix(),
	}))

	backward := activation.Activation{
		ActivationID:         "act-b",
		Direction:            activation.Backward,
		PresignedDownloadURL: "acts/grad",
	}
	require.Nil(t, tn.queue.Push(ctx, activation.Forward, forwardActivation("act-f", "acts/in")))
	require.Nil(t, tn.queue.Push(ctx, activation.Backward, backward))

	require.Nil(t, tn.node.step(ctx))

	require.Len(t, tn.orch.submittedActivations, 1)
	assert.Equal(t, "act-b", tn.orch.submittedActivations[0].ActivationID)
	assert.Equal(t, activation.Backward, tn.orch.submittedActivations[0].Direction)

	// backward completion clears the cache entry and bumps the counter
	_, ok := tn.state.Cache.Get("act-b")
	assert.False(t, ok)
	assert.Equal(t, 1, tn.state.BackwardsSinceReset())

	// the forward activation is still queued for the next step
	count, err := tn.queue.Count(ctx, activation.Forward)
	require.Nil(t, err)
	assert.Equal(t, 1, count)
}

func TestBackwardWithoutCacheEntrySkips(t *testing.T) {
	tn := newTestNode(t, 3, 4)
	ctx := context.Background()

	err := tn.node.backward(ctx, activation.Activation{
		ActivationID: "unknown",
		Direction:    activation.Backward,
	})
	require.Nil(t, err)
	assert.Empty(t, tn.orch.submittedActivations)
}

func TestForwardSkippedWhenCacheFull(t *testing.T) {
	tn := newTestNode(t, 3, 1)
	ctx := context.Background()
	tn.state.SetLayer(1, 0)

	require.Nil(t, tn.state.Cache.Insert("occupied", state.CacheEntry{
		UploadTime: time.Now().Unix(),
	}))

	err := tn.node.forward(ctx, forwardActivation("act-1", "acts/in"))
	require.Nil(t, err)
	assert.Empty(t, tn.orch.submittedActivations)
}

func TestForwardFailurePersistsToFailedQueue(t *testing.T) {
	tn := newTestNode(t, 3, 4)
	ctx := context.Background()
	tn.state.SetLayer(1, 0)

	// download location does not exist
	err := tn.node.forward(ctx, forwardActivation("act-1", "acts/missing"))
	require.NotNil(t, err)

	count, err := tn.queue.Count(ctx, activation.Failed)
	require.Nil(t, err)
	assert.Equal(t, 1, count)
}

func TestTerminalLayerComputesLossAndRunsBackward(t *testing.T) {
	tn := newTestNode(t, 1, 4)
	ctx := context.Background()

	tn.store.objects["samples/in"] = []byte("abcd")
	tn.store.objects["samples/target"] = []byte("abcd")
	tn.orch.targetsPath = "samples/target"

	err := tn.node.forward(ctx, forwardActivation("act-1", "samples/in"))
	require.Nil(t, err)

	require.Len(t, tn.orch.reportedLosses, 1)
	assert.Equal(t, "act-1", tn.orch.reportedLosses[0].ActivationID)

	// the fall-through backward pass completed and cleared the cache
	_, ok := tn.state.Cache.Get("act-1")
	assert.False(t, ok)
	require.Len(t, tn.orch.submittedActivations, 1)
	assert.Equal(t, activation.Backward, tn.orch.submittedActivations[0].Direction)
}

func TestSubmitWeightsSkipsWithoutBackwards(t *testing.T) {
	tn := newTestNode(t, 3, 4)

	require.Nil(t, tn.node.submitWeights(context.Background()))
	assert.Empty(t, tn.orch.submittedWeights)
}

func TestSubmitWeights(t *testing.T) {
	tn := newTestNode(t, 3, 4)
	ctx := context.Background()
	tn.state.IncBackwardsSinceReset()

	require.Nil(t, tn.node.submitWeights(ctx))

	require.Len(t, tn.orch.submittedWeights, 1)
	update := tn.orch.submittedWeights[0]
	assert.NotEmpty(t, update.WeightsPath)
	assert.NotEmpty(t, update.WeightsMetadataPath)
	assert.NotEmpty(t, update.OptimizerStatePath)
	assert.NotEmpty(t, update.OptimizerStateMetadataPath)
}

func TestChunkSections(t *testing.T) {
	t7 := tensor.New(make([]float32, 7), 7)
	sections := chunkSections(t7, 3)
	require.Len(t, sections, 3)
	assert.Equal(t, 0, sections[0].StartIdx)
	assert.Equal(t, 3, sections[0].EndIdx)
	assert.Equal(t, 3, sections[1].StartIdx)
	assert.Equal(t, 5, sections[1].EndIdx)
	assert.Equal(t, 5, sections[2].StartIdx)
	assert.Equal(t, 7, sections[2].EndIdx)
}

func TestMergePhaseSubmitsPartitions(t *testing.T) {
	tn := newTestNode(t, 3, 4)
	ctx := context.Background()

	tn.store.putTensor(t, "peer/w", tensor.New([]float32{2, 2}, 2))
	tn.store.putTensor(t, "peer/o", tensor.New([]float32{1, 1}, 2))

	meta := func(path string) partition.ChunkMetadata {
		return partition.ChunkMetadata{
			ChunkNumber:     0,
			TensorPath:      path,
			MetadataPath:    path + ".json",
			WeightingFactor: 1,
			DType:           tensor.BFloat16,
			StartIdx:        0,
			EndIdx:          2,
		}
	}
	tn.orch.partitions = []partition.Partition{{ChunkNumber: 0}}
	tn.orch.submissions = []partition.PeerSubmission{{
		Hotkey: "peer",
		Chunks: map[int]partition.PeerChunk{
			0: {Weights: meta("peer/w"), OptimizerState: meta("peer/o")},
		},
	}}

	require.Nil(t, tn.node.mergePartitions(ctx))
	require.Len(t, tn.orch.submittedPartitions, 1)
	assert.NotEmpty(t, tn.orch.submittedPartitions[0][0].WeightPath)
}

func TestRecoverPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("layer state adopts reported phase", func(t *testing.T) {
		tn := newTestNode(t, 3, 4)
		err := tn.node.recover(ctx, orchestrator.ErrLayerState{
			Expected: phase.Training,
			Actual:   phase.WeightsUploading,
		})
		require.Nil(t, err)
		assert.Equal(t, phase.WeightsUploading, tn.state.Phase())
	})

	t.Run("not registered triggers re-registration", func(t *testing.T) {
		tn := newTestNode(t, 3, 4)
		tn.orch.layer = 2
		err := tn.node.recover(ctx, orchestrator.ErrNotRegistered{Hotkey: "abc"})
		require.Nil(t, err)
		assert.Equal(t, 1, tn.orch.registrations)
		assert.Equal(t, 2, tn.state.Layer())
	})

	t.Run("spec version is fatal", func(t *testing.T) {
		tn := newTestNode(t, 3, 4)
		err := tn.node.recover(ctx, orchestrator.ErrSpecVersion{
			ExpectedVersion: "2", ActualVersion: "1",
		})
		assert.NotNil(t, err)
	})

	t.Run("non-finite tensor is fatal", func(t *testing.T) {
		tn := newTestNode(t, 3, 4)
		err := tn.node.recover(ctx, tensor.ErrNonFinite{Name: "loss"})
		assert.NotNil(t, err)
	})

	t.Run("unavailable orchestrator retries", func(t *testing.T) {
		tn := newTestNode(t, 3, 4)
		err := tn.node.recover(ctx, orchestrator.ErrUnavailable{Err: fmt.Errorf("conn refused")})
		assert.Nil(t, err)
	})

	t.Run("unknown errors are fatal", func(t *testing.T) {
		tn := newTestNode(t, 3, 4)
		err := tn.node.recover(ctx, fmt.Errorf("something unexpected"))
		assert.NotNil(t, err)
	})
}

func TestHealthFailureResetsEntireState(t *testing.T) {
	tn := newTestNode(t, 3, 4)
	ctx := context.Background()
	tn.orch.healthy = false

	// a failed health probe discards all local state and re-registers,
	// no partial recovery
	require.Nil(t, tn.node.tick(ctx))
	assert.Equal(t, 1, tn.orch.registrations)

	require.Nil(t, tn.node.tick(ctx))
	assert.Equal(t, 2, tn.orch.registrations)
}

func TestRegisterLoopPersistsRegistrationData(t *testing.T) {
	tn := newTestNode(t, 3, 4)
	tn.orch.layer = 1
	tn.orch.currentEpoch = 7

	require.Nil(t, tn.node.registerLoop(context.Background()))

	assert.Equal(t, 1, tn.state.Layer())
	assert.True(t, tn.state.Registered())
	assert.Equal(t, 7, tn.state.TrainingEpochWhenRegistered())

	layer, err := readRegisteredLayer(tn.node.dataPath)
	require.Nil(t, err)
	require.NotNil(t, layer)
	assert.Equal(t, 1, *layer)
}
