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

package orchestrator

import "github.com/weaviate/pipeminer/entities/activation"

type RegistrationResponse struct {
	Layer        *int   `json:"layer"`
	CurrentEpoch int    `json:"current_epoch"`
	Version      string `json:"version,omitempty"`
}

type FileUploadRequest struct {
	FileType string `json:"file_type"`
	NumParts int    `json:"num_parts"`
}

type FileUploadResponse struct {
	ObjectName string   `json:"object_name"`
	UploadID   string   `json:"upload_id"`
	URLs       []string `json:"urls"`
}

type CompletedPart struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
}

type FileUploadCompletionRequest struct {
	ObjectName string          `json:"object_name"`
	UploadID   string          `json:"upload_id"`
	Parts      []CompletedPart `json:"parts"`
}

type CompleteFileUploadResponse struct {
	ObjectPath string `json:"object_path"`
}

type SubmitActivationRequest struct {
	ActivationID   string               `json:"activation_id"`
	ActivationPath string               `json:"activation_path"`
	Direction      activation.Direction `json:"direction"`
}

type GetTargetsRequest struct {
	ActivationID string `json:"activation_id"`
}

type LossReport struct {
	ActivationID string  `json:"activation_id"`
	Loss         float64 `json:"loss"`
}

type SyncActivationAssignmentsRequest struct {
	ActivationIDs []string `json:"activation_ids"`
}

// WeightUpdate carries the storage paths of one miner's uploaded weights,
// optimizer state and their metadata for this round.
type WeightUpdate struct {
	WeightsPath                string `json:"weights_path"`
	WeightsMetadataPath        string `json:"weights_metadata_path"`
	OptimizerStatePath         string `json:"optimizer_state_path"`
	OptimizerStateMetadataPath string `json:"optimizer_state_metadata_path"`
}
