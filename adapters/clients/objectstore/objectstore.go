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

// Package objectstore moves opaque tensor payloads between the node and the
// network's storage backend. Two implementations exist: one driving
// orchestrator-brokered presigned multipart uploads over plain HTTP, one
// talking to an S3-compatible bucket directly for deployments that hold
// their own credentials.
package objectstore

import "context"

// Store is the byte-in/byte-out contract the core depends on. FileType tags
// the payload (activation, weights, optimizer_state, metadata variants) so
// the backend can pick a storage prefix.
type Store interface {
	Upload(ctx context.Context, data []byte, fileType string) (string, error)
	Download(ctx context.Context, location string) ([]byte, error)
}
