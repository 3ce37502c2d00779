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

package activation

import "time"

// Direction describes which pass an activation belongs to. Failed is not a
// pass of its own, it names the queue holding activations whose processing
// errored and which are retried best-effort.
type Direction string

const (
	Forward  Direction = "forward"
	Backward Direction = "backward"
	Failed   Direction = "failed"
)

// Activation is one unit of cross-layer work handed out by the orchestrator.
// It is consumed exactly once per direction per miner. The presigned URLs may
// be empty, e.g. a backward activation on the terminal layer has no gradient
// to download.
type Activation struct {
	ActivationID         string    `json:"activation_id"`
	Direction            Direction `json:"direction"`
	PresignedDownloadURL string    `json:"presigned_download_url,omitempty"`
	PresignedUploadURL   string    `json:"presigned_upload_url,omitempty"`
	Timestamp            time.Time `json:"timestamp,omitempty"`
}
