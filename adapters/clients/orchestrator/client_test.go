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

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/pipeminer/entities/phase"
)

type fakeSigner struct{}

func (fakeSigner) Hotkey() string         { return "hk-test" }
func (fakeSigner) Sign(msg []byte) []byte { return []byte("sig") }

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger, _ := test.NewNullLogger()
	c := New(server.URL, fakeSigner{}, logger)
	c.transportInterval = time.Millisecond
	return c, server
}

func TestRequestsAreSigned(t *testing.T) {
	var gotHotkey, gotSig, gotTS string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHotkey = r.Header.Get("X-Hotkey")
		gotSig = r.Header.Get("X-Signature")
		gotTS = r.Header.Get("X-Timestamp")
		json.NewEncoder(w).Encode("TRAINING")
	}))

	_, err := c.GetLayerState(context.Background())
	require.Nil(t, err)
	assert.Equal(t, "hk-test", gotHotkey)
	assert.NotEmpty(t, gotSig)
	assert.NotEmpty(t, gotTS)
}

func TestGetLayerState(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode("MERGING_PARTITIONS")
	}))

	p, err := c.GetLayerState(context.Background())
	require.Nil(t, err)
	assert.Equal(t, phase.MergingPartitions, p)
}

func TestLayerStateEnvelopeBecomesTypedError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error_name": "LayerStateError",
			"error_dict": map[string]string{
				"expected_status": "TRAINING",
				"actual_status":   "WEIGHTS_UPLOADING",
			},
		})
	}))

	err := c.SubmitActivation(context.Background(), SubmitActivationRequest{})
	var lse ErrLayerState
	require.ErrorAs(t, err, &lse)
	assert.Equal(t, phase.Training, lse.Expected)
	assert.Equal(t, phase.WeightsUploading, lse.Actual)
}

func TestNotRegisteredEnvelope(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error_name": "MinerNotRegisteredError",
			"error_dict": map[string]string{"hotkey": "hk-test"},
		})
	}))

	_, err := c.GetActivation(context.Background())
	var nre ErrNotRegistered
	require.ErrorAs(t, err, &nre)
}

func TestSpecVersionEnvelope(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error_name": "SpecVersionError",
			"error_dict": map[string]string{
				"expected_version": "2.0.0",
				"actual_version":   "1.4.0",
			},
		})
	}))

	err := c.ReportLoss(context.Background(), LossReport{})
	var sve ErrSpecVersion
	require.ErrorAs(t, err, &sve)
	assert.Equal(t, "2.0.0", sve.ExpectedVersion)
}

func TestServerErrorsAreRetriedThenUnavailable(t *testing.T) {
	var calls atomic.Int64
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := c.GetNumSplits(context.Background())
	var unavailable ErrUnavailable
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, int64(4), calls.Load()) // initial attempt + 3 retries
}

func TestTransientServerErrorRecovers(t *testing.T) {
	var calls atomic.Int64
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(8)
	}))

	n, err := c.GetNumSplits(context.Background())
	require.Nil(t, err)
	assert.Equal(t, 8, n)
}

func TestHealth(t *testing.T) {
	c, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	assert.True(t, c.Health(context.Background()))

	server.Close()
	assert.False(t, c.Health(context.Background()))
}

func TestSyncActivationAssignments(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req SyncActivationAssignmentsRequest
		require.Nil(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"a", "b"}, req.ActivationIDs)
		json.NewEncoder(w).Encode(map[string]bool{"a": true, "b": false})
	}))

	active, err := c.SyncActivationAssignments(context.Background(), []string{"a", "b"})
	require.Nil(t, err)
	assert.Equal(t, map[string]bool{"a": true, "b": false}, active)
}

func TestDecodeEnvelopePlainPayloads(t *testing.T) {
	assert.Nil(t, decodeEnvelope([]byte(`"TRAINING"`)))
	assert.Nil(t, decodeEnvelope([]byte(`{"layer": 3}`)))
	assert.Nil(t, decodeEnvelope([]byte(`[1,2,3]`)))
	assert.NotNil(t, decodeEnvelope([]byte(`{"error_name":"SomethingNew","error_dict":{}}`)))
}
