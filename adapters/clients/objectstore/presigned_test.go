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
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/pipeminer/adapters/clients/orchestrator"
)

type fakeInitiator struct {
	urls      []string
	completed *orchestrator.FileUploadCompletionRequest
}

func (f *fakeInitiator) InitiateFileUpload(ctx context.Context,
	req orchestrator.FileUploadRequest,
) (*orchestrator.FileUploadResponse, error) {
	return &orchestrator.FileUploadResponse{
		ObjectName: "weights/abc",
		UploadID:   "upload-1",
		URLs:       f.urls[:req.NumParts],
	}, nil
}

func (f *fakeInitiator) CompleteFileUpload(ctx context.Context,
	req orchestrator.FileUploadCompletionRequest,
) (*orchestrator.CompleteFileUploadResponse, error) {
	f.completed = &req
	return &orchestrator.CompleteFileUploadResponse{ObjectPath: "s3://bucket/weights/abc"}, nil
}

func TestPresignedUpload(t *testing.T) {
	var mu sync.Mutex
	received := map[string][]byte{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		body, err := io.ReadAll(r.Body)
		require.Nil(t, err)

		mu.Lock()
		received[r.URL.Path] = body
		mu.Unlock()

		w.Header().Set("ETag", fmt.Sprintf("etag-%s", r.URL.Path))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	initiator := &fakeInitiator{urls: []string{server.URL + "/part-1"}}
	logger, _ := test.NewNullLogger()
	store := NewPresigned(initiator, logger)

	payload := []byte("some tensor bytes")
	location, err := store.Upload(context.Background(), payload, "weights")
	require.Nil(t, err)
	assert.Equal(t, "s3://bucket/weights/abc", location)

	assert.Equal(t, payload, received["/part-1"])
	require.NotNil(t, initiator.completed)
	assert.Equal(t, "weights/abc", initiator.completed.ObjectName)
	assert.Equal(t, "upload-1", initiator.completed.UploadID)
	require.Len(t, initiator.completed.Parts, 1)
	assert.Equal(t, 1, initiator.completed.Parts[0].PartNumber)
	assert.Equal(t, "etag-/part-1", initiator.completed.Parts[0].ETag)
}

func TestPresignedDownload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		w.Write([]byte("activation payload"))
	}))
	defer server.Close()

	logger, _ := test.NewNullLogger()
	store := NewPresigned(nil, logger)

	body, err := store.Download(context.Background(), server.URL+"/obj")
	require.Nil(t, err)
	assert.Equal(t, []byte("activation payload"), body)
}

func TestPresignedDownloadRetriesThenFails(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	logger, _ := test.NewNullLogger()
	store := NewPresigned(nil, logger)
	store.interval = 0

	_, err := store.Download(context.Background(), server.URL+"/obj")
	require.NotNil(t, err)
	assert.Equal(t, 4, calls)
}
