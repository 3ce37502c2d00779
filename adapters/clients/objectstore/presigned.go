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

package objectstore

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/pipeminer/adapters/clients/orchestrator"
	"github.com/weaviate/pipeminer/usecases/monitoring"
)

// Initiator brokers multipart uploads: it hands out presigned part URLs and
// turns the collected ETags into a final object path. The orchestrator client
// implements it.
type Initiator interface {
	InitiateFileUpload(ctx context.Context, req orchestrator.FileUploadRequest) (*orchestrator.FileUploadResponse, error)
	CompleteFileUpload(ctx context.Context, req orchestrator.FileUploadCompletionRequest) (*orchestrator.CompleteFileUploadResponse, error)
}

const presignedPartSize = 64 << 20

type Presigned struct {
	initiator Initiator
	client    *http.Client
	logger    logrus.FieldLogger

	retries  int
	interval time.Duration
}

func NewPresigned(initiator Initiator, logger logrus.FieldLogger) *Presigned {
	return &Presigned{
		initiator: initiator,
		client:    &http.Client{Timeout: 10 * time.Minute},
		logger:    logger.WithField("action", "object_store"),
		retries:   3,
		interval:  500 * time.Millisecond,
	}
}

// Upload splits the payload across the presigned part URLs the orchestrator
// hands out, PUTs each part and completes the upload with the collected
// ETags.
func (p *Presigned) Upload(ctx context.Context, data []byte, fileType string) (string, error) {
	numParts := (len(data) + presignedPartSize - 1) / presignedPartSize
	if numParts == 0 {
		numParts = 1
	}

	initiated, err := p.initiator.InitiateFileUpload(ctx, orchestrator.FileUploadRequest{
		FileType: fileType,
		NumParts: numParts,
	})
	if err != nil {
		return "", errors.Wrap(err, "initiate file upload")
	}
	if len(initiated.URLs) == 0 {
		return "", errors.New("initiate file upload: no part urls returned")
	}

	// distribute the payload evenly over however many URLs we were given
	partSize := (len(data) + len(initiated.URLs) - 1) / len(initiated.URLs)
	if partSize == 0 {
		partSize = 1
	}

	parts := make([]orchestrator.CompletedPart, 0, len(initiated.URLs))
	for i, url := range initiated.URLs {
		start := i * partSize
		if start > len(data) {
			start = len(data)
		}
		end := start + partSize
		if end > len(data) {
			end = len(data)
		}

		etag, err := p.putPart(ctx, url, data[start:end])
		if err != nil {
			return "", errors.Wrapf(err, "upload part %d/%d", i+1, len(initiated.URLs))
		}
		parts = append(parts, orchestrator.CompletedPart{PartNumber: i + 1, ETag: etag})
	}

	completed, err := p.initiator.CompleteFileUpload(ctx, orchestrator.FileUploadCompletionRequest{
		ObjectName: initiated.ObjectName,
		UploadID:   initiated.UploadID,
		Parts:      parts,
	})
	if err != nil {
		return "", errors.Wrap(err, "complete file upload")
	}

	monitoring.GetMetrics().ObjectStoreTransferredBytes.
		WithLabelValues("upload").Add(float64(len(data)))
	return completed.ObjectPath, nil
}

func (p *Presigned) putPart(ctx context.Context, url string, part []byte) (string, error) {
	var etag string
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(part))
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "build part request"))
		}
		req.ContentLength = int64(len(part))

		res, err := p.client.Do(req)
		if err != nil {
			return errors.Wrap(err, "put part")
		}
		defer res.Body.Close()
		io.Copy(io.Discard, res.Body)

		if res.StatusCode != http.StatusOK {
			return errors.Errorf("put part: status %d", res.StatusCode)
		}
		etag = res.Header.Get("ETag")
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewConstantBackOff(p.interval), uint64(p.retries)), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return "", err
	}
	return etag, nil
}

// Download fetches a presigned location.
func (p *Presigned) Download(ctx context.Context, location string) ([]byte, error) {
	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "build download request"))
		}

		res, err := p.client.Do(req)
		if err != nil {
			return errors.Wrap(err, "get object")
		}
		defer res.Body.Close()

		if res.StatusCode != http.StatusOK {
			io.Copy(io.Discard, res.Body)
			return errors.Errorf("get object: status %d", res.StatusCode)
		}
		body, err = io.ReadAll(res.Body)
		return errors.Wrap(err, "read object body")
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewConstantBackOff(p.interval), uint64(p.retries)), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return nil, err
	}

	monitoring.GetMetrics().ObjectStoreTransferredBytes.
		WithLabelValues("download").Add(float64(len(body)))
	return body, nil
}
