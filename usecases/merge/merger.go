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

// Package merge averages peer-submitted weight and optimizer-state chunks.
// For every chunk assigned to this miner it downloads each peer's
// contribution, drops the ones with inconsistent metadata and computes a
// weighting-factor-normalized sum of the rest.
package merge

import (
	"context"
	"math"
	"net/url"
	"path"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/pipeminer/adapters/clients/objectstore"
	enterrors "github.com/weaviate/pipeminer/entities/errors"
	"github.com/weaviate/pipeminer/entities/partition"
	"github.com/weaviate/pipeminer/entities/tensor"
	"github.com/weaviate/pipeminer/usecases/monitoring"
)

type Merger struct {
	store  objectstore.Store
	logger logrus.FieldLogger
}

func NewMerger(store objectstore.Store, logger logrus.FieldLogger) *Merger {
	return &Merger{
		store:  store,
		logger: logger.WithField("action", "merge_partitions"),
	}
}

// FilterBadMetadata drops peer submissions whose metadata for any assigned
// chunk is unusable: missing chunk, non-positive or non-finite weighting
// factor, or an index range that disagrees with the other peers. Bad peers
// are logged and skipped, never fatal.
func (m *Merger) FilterBadMetadata(submissions []partition.PeerSubmission,
	partitions []partition.Partition,
) []partition.PeerSubmission {
	kept := make([]partition.PeerSubmission, 0, len(submissions))

	for _, sub := range submissions {
		if reason := m.badSubmission(sub, partitions, kept); reason != "" {
			m.logger.WithField("hotkey", sub.Hotkey).
				WithField("reason", reason).
				Warn("skipping peer submission with bad metadata")
			continue
		}
		kept = append(kept, sub)
	}
	return kept
}

func (m *Merger) badSubmission(sub partition.PeerSubmission,
	partitions []partition.Partition, kept []partition.PeerSubmission,
) string {
	for _, part := range partitions {
		chunk, ok := sub.Chunks[part.ChunkNumber]
		if !ok {
			return "missing chunk"
		}

		for _, meta := range []partition.ChunkMetadata{chunk.Weights, chunk.OptimizerState} {
			if meta.WeightingFactor <= 0 ||
				math.IsNaN(meta.WeightingFactor) || math.IsInf(meta.WeightingFactor, 0) {
				return "invalid weighting factor"
			}
			if meta.EndIdx <= meta.StartIdx {
				return "empty index range"
			}
			if meta.TensorPath == "" {
				return "missing tensor path"
			}
		}

		// the chunk boundaries must agree with every peer we already kept
		for _, prev := range kept {
			prevChunk := prev.Chunks[part.ChunkNumber]
			if prevChunk.Weights.StartIdx != chunk.Weights.StartIdx ||
				prevChunk.Weights.EndIdx != chunk.Weights.EndIdx ||
				prevChunk.OptimizerState.StartIdx != chunk.OptimizerState.StartIdx ||
				prevChunk.OptimizerState.EndIdx != chunk.OptimizerState.EndIdx {
				return "chunk boundaries disagree with other peers"
			}
		}
	}
	return ""
}

type contribution struct {
	weights        *tensor.Tensor
	optimizerState *tensor.Tensor
	chunk          partition.PeerChunk
	err            error
}

// MergePartitions downloads every valid peer contribution for each assigned
// chunk, averages them and re-uploads the result. The returned partitions
// carry the storage paths of the merged artifacts.
func (m *Merger) MergePartitions(ctx context.Context,
	partitions []partition.Partition, submissions []partition.PeerSubmission,
) ([]partition.Partition, error) {
	filtered := m.FilterBadMetadata(submissions, partitions)

	final := make([]partition.Partition, 0, len(partitions))
	for _, part := range partitions {
		merged, err := m.mergeChunk(ctx, part, filtered)
		if err != nil {
			return nil, errors.Wrapf(err, "merge chunk %d", part.ChunkNumber)
		}
		final = append(final, *merged)
		monitoring.GetMetrics().PartitionsMerged.Inc()
	}
	return final, nil
}

func (m *Merger) mergeChunk(ctx context.Context, part partition.Partition,
	submissions []partition.PeerSubmission,
) (*partition.Partition, error) {
	contributions := m.downloadAll(ctx, part.ChunkNumber, submissions)

	var (
		weightSum, optimSum         *tensor.Tensor
		weightCount, optimCount     float64
		lastWeightMeta, lastOptMeta partition.ChunkMetadata
	)

	for i, c := range contributions {
		if c.err != nil {
			m.logger.WithError(c.err).
				WithField("chunk", part.ChunkNumber).
				WithField("hotkey", submissions[i].Hotkey).
				Warn("skipping contribution that failed to download")
			continue
		}

		accumulate(&weightSum, c.weights, c.chunk.Weights.WeightingFactor)
		accumulate(&optimSum, c.optimizerState, c.chunk.OptimizerState.WeightingFactor)
		weightCount += c.chunk.Weights.WeightingFactor
		optimCount += c.chunk.OptimizerState.WeightingFactor
		lastWeightMeta = c.chunk.Weights
		lastOptMeta = c.chunk.OptimizerState
	}

	if weightSum == nil {
		return nil, errors.Errorf("no valid contributions for chunk %d", part.ChunkNumber)
	}

	scale(weightSum, 1/weightCount)
	scale(optimSum, 1/optimCount)

	if err := tensor.CheckFinite(weightSum, "merged weights"); err != nil {
		return nil, err
	}
	if err := tensor.CheckFinite(optimSum, "merged optimizer state"); err != nil {
		return nil, err
	}

	weightPath, err := m.upload(ctx, weightSum, "weights")
	if err != nil {
		return nil, errors.Wrap(err, "upload merged weights")
	}
	optimPath, err := m.upload(ctx, optimSum, "optimizer_state")
	if err != nil {
		return nil, errors.Wrap(err, "upload merged optimizer state")
	}

	part.WeightPath = weightPath
	part.OptimizerStatePath = optimPath
	part.WeightMetadataPath = extractFilenameFromURL(lastWeightMeta.MetadataPath)
	part.OptimizerStateMetadataPath = extractFilenameFromURL(lastOptMeta.MetadataPath)
	return &part, nil
}

// downloadAll fetches both tensors of every peer's chunk concurrently.
func (m *Merger) downloadAll(ctx context.Context, chunkNumber int,
	submissions []partition.PeerSubmission,
) []contribution {
	contributions := make([]contribution, len(submissions))

	var wg sync.WaitGroup
	for i, sub := range submissions {
		wg.Add(1)
		i, chunk := i, sub.Chunks[chunkNumber]
		enterrors.GoWrapper(func() {
			defer wg.Done()
			contributions[i] = m.download(ctx, chunk)
		}, m.logger)
	}
	wg.Wait()

	return contributions
}

func (m *Merger) download(ctx context.Context, chunk partition.PeerChunk) contribution {
	weights, err := m.downloadTensor(ctx, chunk.Weights)
	if err != nil {
		return contribution{err: errors.Wrap(err, "download weights")}
	}
	optim, err := m.downloadTensor(ctx, chunk.OptimizerState)
	if err != nil {
		return contribution{err: errors.Wrap(err, "download optimizer state")}
	}
	return contribution{weights: weights, optimizerState: optim, chunk: chunk}
}

func (m *Merger) downloadTensor(ctx context.Context,
	meta partition.ChunkMetadata,
) (*tensor.Tensor, error) {
	data, err := m.store.Download(ctx, meta.TensorPath)
	if err != nil {
		return nil, err
	}
	t, err := tensor.Decode(data, meta.DType)
	if err != nil {
		return nil, err
	}
	if declared := meta.EndIdx - meta.StartIdx; len(t.Data) != declared {
		return nil, errors.Errorf("payload length %d does not match declared range [%d, %d)",
			len(t.Data), meta.StartIdx, meta.EndIdx)
	}
	return t, nil
}

func (m *Merger) upload(ctx context.Context, t *tensor.Tensor, fileType string) (string, error) {
	data, err := tensor.Encode(t, tensor.BFloat16)
	if err != nil {
		return "", err
	}
	return m.store.Upload(ctx, data, fileType)
}

func accumulate(sum **tensor.Tensor, t *tensor.Tensor, factor float64) {
	if *sum == nil {
		*sum = tensor.New(make([]float32, len(t.Data)), t.Shape...)
	}
	for i, v := range t.Data {
		(*sum).Data[i] += v * float32(factor)
	}
}

func scale(t *tensor.Tensor, factor float64) {
	for i := range t.Data {
		t.Data[i] *= float32(factor)
	}
}

// extractFilenameFromURL strips query parameters and directories from a
// presigned location, leaving the bare object file name.
func extractFilenameFromURL(location string) string {
	u, err := url.Parse(location)
	if err != nil {
		return path.Base(location)
	}
	return path.Base(u.Path)
}
