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

// Package miner runs the node's main control loop: it pulls activations off
// the durable queues, drives the compute backend through forward and
// backward passes, and walks the training / weights-uploading /
// partition-merging phase cycle in lockstep with the orchestrator.
package miner

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/pipeminer/adapters/clients/objectstore"
	"github.com/weaviate/pipeminer/adapters/clients/orchestrator"
	"github.com/weaviate/pipeminer/adapters/repos/queue"
	"github.com/weaviate/pipeminer/entities/activation"
	"github.com/weaviate/pipeminer/entities/diskio"
	"github.com/weaviate/pipeminer/entities/partition"
	"github.com/weaviate/pipeminer/entities/phase"
	"github.com/weaviate/pipeminer/entities/tensor"
	"github.com/weaviate/pipeminer/usecases/merge"
	"github.com/weaviate/pipeminer/usecases/monitoring"
	"github.com/weaviate/pipeminer/usecases/state"
)

const registrationFile = "registration_data.json"

// Orchestrator is the slice of the API client the control loop needs.
type Orchestrator interface {
	Health(ctx context.Context) bool
	Register(ctx context.Context) (*orchestrator.RegistrationResponse, error)
	GetLayerState(ctx context.Context) (phase.Phase, error)
	GetTargets(ctx context.Context, req orchestrator.GetTargetsRequest) (string, error)
	SubmitWeights(ctx context.Context, update orchestrator.WeightUpdate) error
	ReportLoss(ctx context.Context, report orchestrator.LossReport) error
	SubmitActivation(ctx context.Context, req orchestrator.SubmitActivationRequest) error
	GetPartitions(ctx context.Context) ([]partition.Partition, error)
	GetWeightPathPerLayer(ctx context.Context) ([]partition.PeerSubmission, error)
	GetNumSplits(ctx context.Context) (int, error)
	GetLearningRate(ctx context.Context) (float64, error)
	SubmitMergedPartitions(ctx context.Context, parts []partition.Partition) error
}

// LayerEstimator previews layer population before registering. Optional.
type LayerEstimator interface {
	EstimateLayer(ctx context.Context, hotkey string, numLayers int) (int, *int, error)
}

type Node struct {
	orch    Orchestrator
	store   objectstore.Store
	queue   *queue.DurableQueue
	state   *state.Manager
	compute Compute
	merger  *merge.Merger
	grid    LayerEstimator

	hotkey    string
	dataPath  string
	numLayers int

	cacheTimeout           time.Duration
	layerEstimationTimeout time.Duration
	registerRetry          time.Duration
	tickInterval           time.Duration
	healthBackoff          time.Duration

	weightsSubmitted    bool
	partitionsSubmitted bool

	logger logrus.FieldLogger
}

type NodeDeps struct {
	Orchestrator Orchestrator
	Store        objectstore.Store
	Queue        *queue.DurableQueue
	State        *state.Manager
	Compute      Compute
	Merger       *merge.Merger
	Grid         LayerEstimator

	Hotkey    string
	DataPath  string
	NumLayers int

	CacheTimeout           time.Duration
	LayerEstimationTimeout time.Duration

	Logger logrus.FieldLogger
}

func NewNode(deps NodeDeps) *Node {
	return &Node{
		orch:                   deps.Orchestrator,
		store:                  deps.Store,
		queue:                  deps.Queue,
		state:                  deps.State,
		compute:                deps.Compute,
		merger:                 deps.Merger,
		grid:                   deps.Grid,
		hotkey:                 deps.Hotkey,
		dataPath:               deps.DataPath,
		numLayers:              deps.NumLayers,
		cacheTimeout:           deps.CacheTimeout,
		layerEstimationTimeout: deps.LayerEstimationTimeout,
		registerRetry:          10 * time.Second,
		tickInterval:           time.Second,
		healthBackoff:          5 * time.Second,
		logger: deps.Logger.WithField("action", "miner_loop").
			WithField("hotkey", shortKey(deps.Hotkey)),
	}
}

func shortKey(hotkey string) string {
	if len(hotkey) > 8 {
		return hotkey[:8]
	}
	return hotkey
}

// Run drives the node until the context is cancelled or a fatal condition
// occurs. Known recoverable errors resynchronize and continue; everything
// else propagates out and terminates the process.
func (n *Node) Run(ctx context.Context) error {
	n.logger.WithField("layer", n.state.Layer()).Info("starting miner loop")

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if err := n.tick(ctx); err != nil {
			if fatal := n.recover(ctx, err); fatal != nil {
				return fatal
			}
		}
	}
}

// recover implements the error-kind policy: desync conditions resynchronize
// and return nil so the loop retries, fatal conditions are returned.
func (n *Node) recover(ctx context.Context, err error) error {
	var (
		layerState    orchestrator.ErrLayerState
		notRegistered orchestrator.ErrNotRegistered
		specVersion   orchestrator.ErrSpecVersion
		nonFinite     tensor.ErrNonFinite
		desync        state.ErrDesync
		unavailable   orchestrator.ErrUnavailable
	)

	switch {
	case errors.As(err, &layerState):
		n.logger.WithField("expected", layerState.Expected).
			WithField("actual", layerState.Actual).
			Info("layer state changed, adopting orchestrator phase")
		n.state.SetPhase(layerState.Actual)
		return nil

	case errors.As(err, &notRegistered):
		n.logger.WithError(err).Warn("not registered, re-registering")
		if err := n.resetEntireState(ctx); err != nil {
			return err
		}
		return nil

	case errors.As(err, &specVersion):
		n.logger.WithError(err).Error("spec version mismatch, upgrade required")
		return err

	case errors.As(err, &nonFinite):
		n.logger.WithError(err).Error("non-finite tensor detected")
		return err

	case errors.As(err, &desync):
		n.logger.WithError(err).Warn("phase desync, resynchronizing")
		return nil

	case errors.As(err, &unavailable):
		n.logger.WithError(err).Warn("orchestrator unavailable, retrying")
		return nil

	default:
		return err
	}
}

func (n *Node) tick(ctx context.Context) error {
	if !n.orch.Health(ctx) {
		n.logger.Warn("orchestrator health check failed, resetting state")
		if err := n.resetEntireState(ctx); err != nil {
			return err
		}
		return n.sleep(ctx, n.healthBackoff)
	}

	switch n.state.Phase() {
	case phase.Training:
		if err := n.step(ctx); err != nil {
			return err
		}
		n.weightsSubmitted = false
		n.partitionsSubmitted = false

	case phase.WeightsUploading:
		if n.weightsSubmitted {
			n.logger.Debug("weights already submitted, skipping")
		} else {
			if err := n.submitWeights(ctx); err != nil {
				return err
			}
			n.weightsSubmitted = true
		}
		if err := n.state.WaitForPhase(ctx, n.orch, phase.MergingPartitions); err != nil {
			return err
		}

	case phase.MergingPartitions:
		if n.partitionsSubmitted {
			n.logger.Debug("partitions already submitted, skipping")
		} else {
			if err := n.mergePartitions(ctx); err != nil {
				return err
			}
			n.partitionsSubmitted = true
		}
		if err := n.state.WaitForPhase(ctx, n.orch, phase.Training); err != nil {
			return err
		}
		if err := n.resetEntireState(ctx); err != nil {
			return err
		}
		n.state.IncEpoch()
	}

	return n.sleep(ctx, n.tickInterval)
}

// step performs one training iteration: backward work takes priority, then
// fresh forward activations, then retries from the failed queue.
func (n *Node) step(ctx context.Context) error {
	if err := n.state.Cache.CheckTimeout(n.cacheTimeout); err != nil {
		return errors.Wrap(err, "check cache timeouts")
	}

	act, ok, err := n.queue.Pop(ctx, activation.Backward)
	if err != nil {
		return errors.Wrap(err, "pop backward activation")
	}

	if !ok {
		full, err := n.state.Cache.IsFull(ctx)
		if err != nil {
			return errors.Wrap(err, "check cache capacity")
		}
		if full {
			return nil
		}

		act, ok, err = n.queue.Pop(ctx, activation.Forward)
		if err != nil {
			return errors.Wrap(err, "pop forward activation")
		}
		if !ok {
			act, ok, err = n.queue.Pop(ctx, activation.Failed)
			if err != nil {
				return errors.Wrap(err, "pop failed activation")
			}
		}
	}

	if !ok {
		return nil
	}

	switch act.Direction {
	case activation.Forward:
		return n.forward(ctx, *act)
	case activation.Backward:
		return n.backward(ctx, *act)
	default:
		n.logger.WithField("direction", act.Direction).
			WithField("activation_id", act.ActivationID).
			Warn("dropping activation with unknown direction")
		return nil
	}
}

func (n *Node) forward(ctx context.Context, act activation.Activation) error {
	full, err := n.state.Cache.IsFull(ctx)
	if err != nil {
		return errors.Wrap(err, "check cache capacity")
	}
	if full {
		n.logger.WithField("cache_size", n.state.Cache.Len()).
			Warn("cache full, deferring forward pass until backwards complete")
		return nil
	}

	timer := prometheus.NewTimer(monitoring.GetMetrics().PassDurations.WithLabelValues("forward"))
	defer timer.ObserveDuration()

	err = n.runForward(ctx, act)
	if err != nil {
		monitoring.GetMetrics().ActivationsFailed.WithLabelValues("forward").Inc()
		if pushErr := n.queue.Push(ctx, activation.Failed, act); pushErr != nil {
			n.logger.WithError(pushErr).Error("could not persist failed activation")
		}
		return errors.Wrapf(err, "forward pass for activation %q", act.ActivationID)
	}

	monitoring.GetMetrics().ActivationsProcessed.WithLabelValues("forward").Inc()
	n.state.IncProcessedActivations()
	return nil
}

func (n *Node) runForward(ctx context.Context, act activation.Activation) error {
	if act.PresignedDownloadURL == "" {
		return errors.New("activation carries no download location")
	}

	layer := n.state.Layer()

	raw, err := n.store.Download(ctx, act.PresignedDownloadURL)
	if err != nil {
		return errors.Wrap(err, "download input activation")
	}

	var input *tensor.Tensor
	if layer == 0 {
		// layer 0 receives a raw sample, not an activation tensor
		input, err = n.compute.Tokenize(raw)
	} else {
		input, err = tensor.Decode(raw, tensor.BFloat16)
	}
	if err != nil {
		return errors.Wrap(err, "decode input activation")
	}

	output, passState, err := n.compute.Forward(ctx, layer, input)
	if err != nil {
		return errors.Wrap(err, "compute forward")
	}

	if err := n.state.Cache.Insert(act.ActivationID, state.CacheEntry{
		InputActivations:  input,
		OutputActivations: output,
		State:             passState,
		UploadTime:        time.Now().Unix(),
	}); err != nil {
		return errors.Wrap(err, "cache forward result")
	}

	if layer == n.numLayers-1 {
		if err := n.lastLayerLoss(ctx, act, input, output, passState); err != nil {
			return err
		}
		return n.backward(ctx, act)
	}

	path, err := n.uploadTensor(ctx, output, "activation")
	if err != nil {
		return errors.Wrap(err, "upload output activation")
	}

	if err := n.orch.SubmitActivation(ctx, orchestrator.SubmitActivationRequest{
		ActivationID:   act.ActivationID,
		ActivationPath: path,
		Direction:      activation.Forward,
	}); err != nil {
		return errors.Wrap(err, "submit forward activation")
	}

	n.logger.WithField("activation_id", act.ActivationID).
		WithField("layer", layer).
		Debug("completed forward pass")
	return nil
}

// lastLayerLoss computes and reports the loss on the terminal layer. The
// cache entry is replaced so the loss survives a restart before the
// backward pass runs.
func (n *Node) lastLayerLoss(ctx context.Context, act activation.Activation,
	input, output *tensor.Tensor, passState map[string]interface{},
) error {
	targetsPath, err := n.orch.GetTargets(ctx, orchestrator.GetTargetsRequest{
		ActivationID: act.ActivationID,
	})
	if err != nil {
		return errors.Wrap(err, "get targets")
	}

	raw, err := n.store.Download(ctx, targetsPath)
	if err != nil {
		return errors.Wrap(err, "download targets")
	}
	targets, err := n.compute.Tokenize(raw)
	if err != nil {
		return errors.Wrap(err, "decode targets")
	}

	loss, err := n.compute.ComputeLoss(ctx, output, targets)
	if err != nil {
		return errors.Wrap(err, "compute loss")
	}
	if err := tensor.CheckFinite(loss, "loss"); err != nil {
		return err
	}

	if err := n.state.Cache.Insert(act.ActivationID, state.CacheEntry{
		InputActivations:  input,
		OutputActivations: loss,
		State:             passState,
		UploadTime:        time.Now().Unix(),
	}); err != nil {
		return errors.Wrap(err, "cache loss")
	}

	lossValue := float64(loss.Data[0])
	n.logger.WithField("activation_id", act.ActivationID).
		WithField("loss", lossValue).
		Info("computed terminal layer loss")

	if err := n.orch.ReportLoss(ctx, orchestrator.LossReport{
		ActivationID: act.ActivationID,
		Loss:         lossValue,
	}); err != nil {
		// the loss lives in the cache, reporting can be retried later
		n.logger.WithError(err).Error("could not report loss")
	}
	return nil
}

func (n *Node) backward(ctx context.Context, act activation.Activation) error {
	entry, ok := n.state.Cache.Get(act.ActivationID)
	if !ok {
		// expected when two nodes race on the same id
		n.logger.WithField("activation_id", act.ActivationID).
			Warn("activation not in cache, skipping backward pass")
		return nil
	}

	timer := prometheus.NewTimer(monitoring.GetMetrics().PassDurations.WithLabelValues("backward"))
	defer timer.ObserveDuration()

	err := n.runBackward(ctx, act, entry)
	if err != nil {
		monitoring.GetMetrics().ActivationsFailed.WithLabelValues("backward").Inc()
		if pushErr := n.queue.Push(ctx, activation.Failed, act); pushErr != nil {
			n.logger.WithError(pushErr).Error("could not persist failed activation")
		}
		return errors.Wrapf(err, "backward pass for activation %q", act.ActivationID)
	}

	monitoring.GetMetrics().ActivationsProcessed.WithLabelValues("backward").Inc()
	n.state.IncProcessedActivations()
	return nil
}

func (n *Node) runBackward(ctx context.Context, act activation.Activation,
	entry state.CacheEntry,
) error {
	layer := n.state.Layer()

	var grad *tensor.Tensor
	if layer != n.numLayers-1 && n.numLayers > 1 {
		raw, err := n.store.Download(ctx, act.PresignedDownloadURL)
		if err != nil {
			return errors.Wrap(err, "download activation grads")
		}
		grad, err = tensor.Decode(raw, tensor.BFloat16)
		if err != nil {
			return errors.Wrap(err, "decode activation grads")
		}
	}

	inputGrads, err := n.compute.Backward(ctx, layer, entry.OutputActivations, grad, entry.State)
	if err != nil {
		return errors.Wrap(err, "compute backward")
	}
	n.state.IncBackwardsSinceReset()

	path, err := n.uploadTensor(ctx, inputGrads, "activation")
	if err != nil {
		return errors.Wrap(err, "upload input grads")
	}

	if err := n.orch.SubmitActivation(ctx, orchestrator.SubmitActivationRequest{
		ActivationID:   act.ActivationID,
		ActivationPath: path,
		Direction:      activation.Backward,
	}); err != nil {
		return errors.Wrap(err, "submit backward activation")
	}

	if err := n.state.Cache.Remove(act.ActivationID); err != nil {
		return errors.Wrap(err, "remove cache entry")
	}
	for _, dir := range []activation.Direction{activation.Backward, activation.Failed} {
		if err := n.queue.Remove(ctx, dir, act.ActivationID); err != nil {
			n.logger.WithError(err).WithField("direction", dir).
				Warn("could not drop completed activation from queue")
		}
	}

	n.logger.WithField("activation_id", act.ActivationID).
		WithField("layer", layer).
		Debug("completed backward pass")
	return nil
}

// uploadTensor checks the payload for NaN/Inf, encodes it as bfloat16 and
// ships it to the object store.
func (n *Node) uploadTensor(ctx context.Context, t *tensor.Tensor,
	fileType string,
) (string, error) {
	if err := tensor.CheckFinite(t, fileType); err != nil {
		return "", err
	}
	data, err := tensor.Encode(t, tensor.BFloat16)
	if err != nil {
		return "", err
	}
	return n.store.Upload(ctx, data, fileType)
}

// submitWeights runs the optimizer step and uploads weights, optimizer state
// and their chunk metadata, then submits the four paths.
func (n *Node) submitWeights(ctx context.Context) error {
	if n.state.BackwardsSinceReset() == 0 {
		n.logger.Warn("no backward passes since reset, skipping weight submission")
		return nil
	}

	learningRate, err := n.orch.GetLearningRate(ctx)
	if err != nil {
		return errors.Wrap(err, "get learning rate")
	}
	if err := n.compute.LocalAllReduce(ctx, learningRate); err != nil {
		return errors.Wrap(err, "local all reduce")
	}
	n.state.IncCompletedOptimSteps()

	weights, optimizerState, err := n.compute.Weights(ctx)
	if err != nil {
		return errors.Wrap(err, "read weights")
	}

	numSplits, err := n.orch.GetNumSplits(ctx)
	if err != nil {
		return errors.Wrap(err, "get num splits")
	}
	if numSplits <= 0 {
		return errors.Errorf("invalid number of splits %d", numSplits)
	}

	var update orchestrator.WeightUpdate
	for _, target := range []struct {
		name     string
		tensor   *tensor.Tensor
		path     *string
		metaPath *string
	}{
		{"weights", weights, &update.WeightsPath, &update.WeightsMetadataPath},
		{"optimizer_state", optimizerState, &update.OptimizerStatePath, &update.OptimizerStateMetadataPath},
	} {
		path, err := n.uploadTensor(ctx, target.tensor, target.name)
		if err != nil {
			return errors.Wrapf(err, "upload %s", target.name)
		}

		metadata, err := json.Marshal(chunkSections(target.tensor, numSplits))
		if err != nil {
			return errors.Wrapf(err, "encode %s metadata", target.name)
		}
		metaPath, err := n.store.Upload(ctx, metadata, target.name+"_metadata")
		if err != nil {
			return errors.Wrapf(err, "upload %s metadata", target.name)
		}

		*target.path = path
		*target.metaPath = metaPath
	}

	if err := n.orch.SubmitWeights(ctx, update); err != nil {
		return errors.Wrap(err, "submit weights")
	}

	monitoring.GetMetrics().WeightsSubmitted.Inc()
	n.logger.WithField("backwards_since_reset", n.state.BackwardsSinceReset()).
		Info("submitted weights")
	return nil
}

// chunkSections splits a flattened tensor into numSplits near-equal index
// ranges, the layout peers use to slice the vector during merging.
func chunkSections(t *tensor.Tensor, numSplits int) []partition.ChunkMetadata {
	total := len(t.Data)
	base := total / numSplits
	remainder := total % numSplits

	sections := make([]partition.ChunkMetadata, 0, numSplits)
	start := 0
	for i := 0; i < numSplits; i++ {
		size := base
		if i < remainder {
			size++
		}
		sections = append(sections, partition.ChunkMetadata{
			ChunkNumber:     i,
			WeightingFactor: 1,
			DType:           tensor.BFloat16,
			StartIdx:        start,
			EndIdx:          start + size,
		})
		start += size
	}
	return sections
}

func (n *Node) mergePartitions(ctx context.Context) error {
	submissions, err := n.orch.GetWeightPathPerLayer(ctx)
	if err != nil {
		return errors.Wrap(err, "get weight paths per layer")
	}

	parts, err := n.orch.GetPartitions(ctx)
	if err != nil {
		return errors.Wrap(err, "get partitions")
	}
	if len(parts) == 0 {
		n.logger.Warn("no partitions assigned, nothing to merge")
		return nil
	}

	merged, err := n.merger.MergePartitions(ctx, parts, submissions)
	if err != nil {
		return err
	}

	if err := n.orch.SubmitMergedPartitions(ctx, merged); err != nil {
		return errors.Wrap(err, "submit merged partitions")
	}

	n.state.IncMergeParticipations()
	n.logger.WithField("partitions", len(merged)).Info("submitted merged partitions")
	return nil
}

// resetEntireState clears local state, re-registers and reloads the latest
// merged weights for the assigned layer.
func (n *Node) resetEntireState(ctx context.Context) error {
	n.logger.Info("resetting entire miner state")

	if err := n.state.Reset(); err != nil {
		return errors.Wrap(err, "reset state")
	}
	n.compute.Reset()

	if err := n.registerLoop(ctx); err != nil {
		return err
	}

	if err := n.loadMergedWeights(ctx); err != nil {
		return errors.Wrap(err, "load merged weights")
	}
	return nil
}

// registerLoop retries registration until it succeeds or the context ends.
// Before the first attempt it waits for the public grid to show either an
// existing assignment or a settled layer estimate, bounded by a fixed
// wall-clock budget.
func (n *Node) registerLoop(ctx context.Context) error {
	n.estimateLayer(ctx)

	for {
		resp, err := n.orch.Register(ctx)
		if err != nil {
			var specVersion orchestrator.ErrSpecVersion
			if errors.As(err, &specVersion) {
				return err
			}
			n.logger.WithError(err).Error("registration failed, retrying")
			if err := n.sleep(ctx, n.registerRetry); err != nil {
				return err
			}
			continue
		}

		if resp.Layer == nil {
			n.logger.Error("registered without a layer assignment, retrying")
			if err := n.sleep(ctx, n.registerRetry); err != nil {
				return err
			}
			continue
		}

		n.state.SetLayer(*resp.Layer, resp.CurrentEpoch)

		if err := n.saveRegistrationData(*resp.Layer, resp.CurrentEpoch); err != nil {
			n.logger.WithError(err).Error("could not persist registration data")
		}

		n.logger.WithField("layer", *resp.Layer).
			WithField("epoch", resp.CurrentEpoch).
			Info("registered with orchestrator")
		return nil
	}
}

func (n *Node) estimateLayer(ctx context.Context) {
	if n.grid == nil || n.numLayers == 0 {
		return
	}

	deadline := time.Now().Add(n.layerEstimationTimeout)
	for time.Now().Before(deadline) {
		estimated, current, err := n.grid.EstimateLayer(ctx, n.hotkey, n.numLayers)
		if err != nil {
			n.logger.WithError(err).Warn("layer estimation failed")
		} else {
			if current != nil {
				n.logger.WithField("layer", *current).
					Debug("grid already shows an assignment")
				return
			}
			n.logger.WithField("estimated", estimated).Debug("estimated layer")
			return
		}
		if err := n.sleep(ctx, 10*time.Second); err != nil {
			return
		}
	}
}

type registrationData struct {
	Layer        int `json:"layer"`
	CurrentEpoch int `json:"current_epoch"`
}

func (n *Node) saveRegistrationData(layer, currentEpoch int) error {
	data, err := json.Marshal(registrationData{Layer: layer, CurrentEpoch: currentEpoch})
	if err != nil {
		return errors.Wrap(err, "encode registration data")
	}
	return diskio.WriteAtomically(filepath.Join(n.dataPath, registrationFile), data)
}

// loadMergedWeights rebuilds the layer's weight and optimizer vectors from
// the latest merged chunks and installs them in the compute backend. A fresh
// layer with nothing submitted yet is not an error.
func (n *Node) loadMergedWeights(ctx context.Context) error {
	submissions, err := n.orch.GetWeightPathPerLayer(ctx)
	if err != nil {
		return errors.Wrap(err, "get weight paths per layer")
	}
	if len(submissions) == 0 {
		n.logger.Debug("no merged weights available yet")
		return nil
	}

	sub := submissions[0]
	chunkNumbers := make([]int, 0, len(sub.Chunks))
	for num := range sub.Chunks {
		chunkNumbers = append(chunkNumbers, num)
	}
	sort.Ints(chunkNumbers)

	var weights, optimizerState []float32
	for _, num := range chunkNumbers {
		chunk := sub.Chunks[num]

		w, err := n.downloadChunk(ctx, chunk.Weights)
		if err != nil {
			return errors.Wrapf(err, "download weight chunk %d", num)
		}
		weights = append(weights, w.Data...)

		o, err := n.downloadChunk(ctx, chunk.OptimizerState)
		if err != nil {
			return errors.Wrapf(err, "download optimizer chunk %d", num)
		}
		optimizerState = append(optimizerState, o.Data...)
	}

	return n.compute.LoadWeights(ctx,
		tensor.New(weights, len(weights)),
		tensor.New(optimizerState, len(optimizerState)))
}

func (n *Node) downloadChunk(ctx context.Context,
	meta partition.ChunkMetadata,
) (*tensor.Tensor, error) {
	raw, err := n.store.Download(ctx, meta.TensorPath)
	if err != nil {
		return nil, err
	}
	return tensor.Decode(raw, meta.DType)
}

func (n *Node) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
