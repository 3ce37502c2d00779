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

package phase

import "github.com/pkg/errors"

// Phase is one of the three recurring training sub-states a layer cycles
// through. The orchestrator is the source of truth, the local value is
// advisory and kept in sync by polling.
type Phase string

const (
	Training          Phase = "TRAINING"
	WeightsUploading  Phase = "WEIGHTS_UPLOADING"
	MergingPartitions Phase = "MERGING_PARTITIONS"
)

// Next returns the successor in the cyclic order
// TRAINING -> WEIGHTS_UPLOADING -> MERGING_PARTITIONS -> TRAINING.
func (p Phase) Next() Phase {
	switch p {
	case Training:
		return WeightsUploading
	case WeightsUploading:
		return MergingPartitions
	case MergingPartitions:
		return Training
	default:
		return Training
	}
}

func (p Phase) String() string {
	return string(p)
}

func Parse(in string) (Phase, error) {
	switch Phase(in) {
	case Training, WeightsUploading, MergingPartitions:
		return Phase(in), nil
	default:
		return "", errors.Errorf("unrecognized layer phase %q", in)
	}
}
