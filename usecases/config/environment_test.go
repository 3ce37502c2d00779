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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("ORCHESTRATOR_URL", "https://orchestrator.example")
	t.Setenv("PERSISTENCE_DATA_PATH", "/var/lib/miner")
	t.Setenv("CACHE_MAX_SIZE", "64")
	t.Setenv("NUM_LAYERS", "5")
	t.Setenv("CACHE_TIMEOUT", "5m")
	t.Setenv("STORAGE_BACKEND", "s3")
	t.Setenv("S3_ENDPOINT", "minio:9000")
	t.Setenv("S3_BUCKET", "weights")
	t.Setenv("S3_USE_SSL", "true")
	t.Setenv("PROMETHEUS_MONITORING_ENABLED", "true")
	t.Setenv("PROMETHEUS_MONITORING_PORT", "9090")

	cfg := Defaults()
	require.Nil(t, FromEnv(&cfg))

	assert.Equal(t, "https://orchestrator.example", cfg.OrchestratorURL)
	assert.Equal(t, "/var/lib/miner", cfg.Persistence.DataPath)
	assert.Equal(t, 64, cfg.CacheMaxSize)
	assert.Equal(t, 5, cfg.NumLayers)
	assert.Equal(t, 5*time.Minute, cfg.CacheTimeout)
	assert.Equal(t, StorageBackendS3, cfg.StorageBackend)
	assert.Equal(t, "minio:9000", cfg.S3.Endpoint)
	assert.True(t, cfg.S3.UseSSL)
	assert.True(t, cfg.Monitoring.Enabled)
	assert.Equal(t, 9090, cfg.Monitoring.Port)

	// untouched values keep their defaults
	assert.Equal(t, DefaultPhasePollInterval, cfg.PhasePollInterval)

	require.Nil(t, cfg.Validate())
}

func TestFromEnvRejectsMalformedValues(t *testing.T) {
	t.Setenv("CACHE_MAX_SIZE", "many")

	cfg := Defaults()
	assert.NotNil(t, FromEnv(&cfg))
}

func TestValidate(t *testing.T) {
	t.Run("missing orchestrator url", func(t *testing.T) {
		cfg := Defaults()
		assert.NotNil(t, cfg.Validate())
	})

	t.Run("bad scheme", func(t *testing.T) {
		cfg := Defaults()
		cfg.OrchestratorURL = "ftp://orchestrator"
		assert.NotNil(t, cfg.Validate())
	})

	t.Run("s3 backend without endpoint", func(t *testing.T) {
		cfg := Defaults()
		cfg.OrchestratorURL = "http://localhost:8000"
		cfg.NumLayers = 3
		cfg.StorageBackend = StorageBackendS3
		assert.NotNil(t, cfg.Validate())
	})

	t.Run("num layers unset", func(t *testing.T) {
		cfg := Defaults()
		cfg.OrchestratorURL = "http://localhost:8000"
		err := cfg.Validate()
		require.NotNil(t, err)
		assert.Contains(t, err.Error(), "num layers")
	})

	t.Run("valid presigned config", func(t *testing.T) {
		cfg := Defaults()
		cfg.OrchestratorURL = "http://localhost:8000"
		cfg.NumLayers = 3
		assert.Nil(t, cfg.Validate())
	})
}
