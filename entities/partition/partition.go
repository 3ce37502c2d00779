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

package partition

import "github.com/weaviate/pipeminer/entities/tensor"

// Partition is one chunk of the split model weights/optimizer state assigned
// to a miner for peer-averaging. The path fields are populated by the merge
// engine before submission.
type Partition struct {
	ChunkNumber                int    `json:"chunk_number"`
	WeightPath                 string `json:"weight_path,omitempty"`
	OptimizerStatePath         string `json:"optimizer_state_path,omitempty"`
	WeightMetadataPath         string `json:"weight_metadata_path,omitempty"`
	OptimizerStateMetadataPath string `json:"optimizer_state_metadata_path,omitempty"`
}

// ChunkMetadata describes one peer-submitted chunk: where to fetch it, how
// it was encoded and how much weight it carries in the average.
type ChunkMetadata struct {
	ChunkNumber     int          `json:"chunk_number"`
	TensorPath      string       `json:"tensor_path"`
	MetadataPath    string       `json:"metadata_path"`
	WeightingFactor float64      `json:"weighting_factor"`
	DType           tensor.DType `json:"dtype"`
	StartIdx        int          `json:"start_idx"`
	EndIdx          int          `json:"end_idx"`
}

// PeerChunk pairs the weight and optimizer-state metadata one peer submitted
// for a single chunk number.
type PeerChunk struct {
	Weights        ChunkMetadata `json:"weights"`
	OptimizerState ChunkMetadata `json:"optimizer_state"`
}

// PeerSubmission is everything one peer put up for merging, keyed by chunk
// number.
type PeerSubmission struct {
	Hotkey string            `json:"hotkey"`
	Chunks map[int]PeerChunk `json:"chunks"`
}
