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

// Package orchestrator is the node's client for the central coordination
// service. Every request is signed with the miner's hotkey, every response is
// either a domain payload or an error envelope which is decoded into the
// closed error-kind set exactly once, here.
package orchestrator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/pipeminer/entities/activation"
	"github.com/weaviate/pipeminer/entities/partition"
	"github.com/weaviate/pipeminer/entities/phase"
	"github.com/weaviate/pipeminer/usecases/monitoring"
)

// Signer proves the node's identity to the orchestrator. The wallet layer
// implements it, tests use a stub.
type Signer interface {
	Hotkey() string
	Sign(msg []byte) []byte
}

// ErrUnavailable wraps connection-level failures and 5xx responses. These are
// retried by the transport and, if they persist, treated as transient by the
// control loop rather than fatal.
type ErrUnavailable struct {
	Err error
}

func (e ErrUnavailable) Error() string {
	return fmt.Sprintf("orchestrator unavailable: %v", e.Err)
}

func (e ErrUnavailable) Unwrap() error {
	return e.Err
}

type Client struct {
	baseURL string
	client  *http.Client
	signer  Signer
	logger  logrus.FieldLogger

	transportRetries  int
	transportInterval time.Duration
}

func New(baseURL string, signer Signer, logger logrus.FieldLogger) *Client {
	return &Client{
		baseURL:           baseURL,
		client:            &http.Client{Timeout: 60 * time.Second},
		signer:            signer,
		logger:            logger.WithField("action", "orchestrator_client"),
		transportRetries:  3,
		transportInterval: 250 * time.Millisecond,
	}
}

// do sends one signed request. The transport retries connection failures and
// 5xx responses with a constant backoff; protocol errors from the envelope
// are never retried here, the control loop decides what they mean.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "marshal request body")
		}
	}

	var respBody []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "build request"))
		}
		req.Header.Set("Content-Type", "application/json")
		c.sign(req, payload)

		timer := prometheus.NewTimer(monitoring.GetMetrics().OrchestratorRequestDurations.
			WithLabelValues(path))
		res, err := c.client.Do(req)
		timer.ObserveDuration()
		if err != nil {
			return ErrUnavailable{Err: err}
		}
		defer res.Body.Close()

		respBody, err = io.ReadAll(res.Body)
		if err != nil {
			return ErrUnavailable{Err: errors.Wrap(err, "read response body")}
		}

		if res.StatusCode >= http.StatusInternalServerError {
			return ErrUnavailable{Err: errors.Errorf("status %d: %s", res.StatusCode, respBody)}
		}
		if res.StatusCode >= http.StatusBadRequest {
			// the envelope rides on 4xx responses as well
			if err := decodeEnvelope(respBody); err != nil {
				return backoff.Permanent(err)
			}
			return backoff.Permanent(errors.Errorf("status %d: %s", res.StatusCode, respBody))
		}
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.transportInterval),
			uint64(c.transportRetries)), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return err
	}

	if err := decodeEnvelope(respBody); err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return errors.Wrapf(err, "unmarshal %s response", path)
		}
	}
	return nil
}

// sign adds identity headers: the hotkey, a millisecond timestamp and an
// ed25519 signature over "<hotkey>.<timestamp>.<sha256(body)>". The
// orchestrator rejects stale timestamps to prevent replay.
func (c *Client) sign(req *http.Request, body []byte) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	digest := sha256.Sum256(body)
	msg := c.signer.Hotkey() + "." + ts + "." + hex.EncodeToString(digest[:])

	req.Header.Set("X-Hotkey", c.signer.Hotkey())
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", hex.EncodeToString(c.signer.Sign([]byte(msg))))
}

// Health probes the orchestrator. False means every local in-flight
// assumption about layer membership and epoch may be stale.
func (c *Client) Health(ctx context.Context) bool {
	if err := c.do(ctx, http.MethodGet, "/miner/healthcheck", nil, nil); err != nil {
		c.logger.WithError(err).Debug("orchestrator health probe failed")
		return false
	}
	return true
}

func (c *Client) Register(ctx context.Context) (*RegistrationResponse, error) {
	var out RegistrationResponse
	if err := c.do(ctx, http.MethodPost, "/miner/register", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetLayerState(ctx context.Context) (phase.Phase, error) {
	var out string
	if err := c.do(ctx, http.MethodGet, "/miner/layer_state", nil, &out); err != nil {
		return "", err
	}
	return phase.Parse(out)
}

func (c *Client) GetActivation(ctx context.Context) (*activation.Activation, error) {
	var out activation.Activation
	if err := c.do(ctx, http.MethodGet, "/miner/get_activation", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTargets returns the download location of the initial sample for a given
// activation, needed for the loss computation on the terminal layer.
func (c *Client) GetTargets(ctx context.Context, req GetTargetsRequest) (string, error) {
	var out string
	if err := c.do(ctx, http.MethodPost, "/miner/get_targets", req, &out); err != nil {
		return "", err
	}
	return out, nil
}

func (c *Client) InitiateFileUpload(ctx context.Context, req FileUploadRequest) (*FileUploadResponse, error) {
	var out FileUploadResponse
	if err := c.do(ctx, http.MethodPost, "/miner/initiate_file_upload", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CompleteFileUpload(ctx context.Context, req FileUploadCompletionRequest) (*CompleteFileUploadResponse, error) {
	var out CompleteFileUploadResponse
	if err := c.do(ctx, http.MethodPost, "/miner/complete_multipart_upload", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SubmitWeights(ctx context.Context, update WeightUpdate) error {
	return c.do(ctx, http.MethodPost, "/miner/submit_weights", update, nil)
}

func (c *Client) ReportLoss(ctx context.Context, report LossReport) error {
	return c.do(ctx, http.MethodPost, "/miner/report_loss", report, nil)
}

func (c *Client) SubmitActivation(ctx context.Context, req SubmitActivationRequest) error {
	return c.do(ctx, http.MethodPost, "/miner/submit_activation", req, nil)
}

// SyncActivationAssignments reports which of the given cached activation ids
// the orchestrator still considers active.
func (c *Client) SyncActivationAssignments(ctx context.Context, ids []string) (map[string]bool, error) {
	var out map[string]bool
	req := SyncActivationAssignmentsRequest{ActivationIDs: ids}
	if err := c.do(ctx, http.MethodPost, "/miner/sync_activation_assignments", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetPartitions(ctx context.Context) ([]partition.Partition, error) {
	var out []partition.Partition
	if err := c.do(ctx, http.MethodGet, "/miner/get_partitions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetWeightPathPerLayer(ctx context.Context) ([]partition.PeerSubmission, error) {
	var out []partition.PeerSubmission
	if err := c.do(ctx, http.MethodGet, "/miner/get_weight_path_per_layer", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetNumSplits(ctx context.Context) (int, error) {
	var out int
	if err := c.do(ctx, http.MethodGet, "/miner/get_num_splits", nil, &out); err != nil {
		return 0, err
	}
	return out, nil
}

func (c *Client) GetLearningRate(ctx context.Context) (float64, error) {
	var out float64
	if err := c.do(ctx, http.MethodGet, "/miner/learning_rate", nil, &out); err != nil {
		return 0, err
	}
	return out, nil
}

func (c *Client) SubmitMergedPartitions(ctx context.Context, parts []partition.Partition) error {
	return c.do(ctx, http.MethodPost, "/miner/submit_merged_partitions", parts, nil)
}
