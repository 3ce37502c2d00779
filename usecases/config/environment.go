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
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// FromEnv takes a *Config as it will respect initial config that has been
// provided by other means (e.g. defaults or a config file) and will only
// extend those that are set
func FromEnv(config *Config) error {
	if v := os.Getenv("ORCHESTRATOR_URL"); v != "" {
		config.OrchestratorURL = v
	}

	if v := os.Getenv("MINER_GRID_URL"); v != "" {
		config.MinerGridURL = v
	}

	if v := os.Getenv("PERSISTENCE_DATA_PATH"); v != "" {
		config.Persistence.DataPath = v
	}

	if v := os.Getenv("WALLET_PATH"); v != "" {
		config.Persistence.WalletPath = v
	}

	if v := os.Getenv("CACHE_MAX_SIZE"); v != "" {
		asInt, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "parse CACHE_MAX_SIZE as int")
		}
		config.CacheMaxSize = asInt
	}

	if v := os.Getenv("CACHE_TIMEOUT"); v != "" {
		asDuration, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(err, "parse CACHE_TIMEOUT as duration")
		}
		config.CacheTimeout = asDuration
	}

	if v := os.Getenv("ACTIVATION_POLL_INTERVAL"); v != "" {
		asDuration, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(err, "parse ACTIVATION_POLL_INTERVAL as duration")
		}
		config.ActivationPollInterval = asDuration
	}

	if v := os.Getenv("PHASE_POLL_INTERVAL"); v != "" {
		asDuration, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(err, "parse PHASE_POLL_INTERVAL as duration")
		}
		config.PhasePollInterval = asDuration
	}

	if v := os.Getenv("PRUNE_INTERVAL"); v != "" {
		asDuration, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(err, "parse PRUNE_INTERVAL as duration")
		}
		config.PruneInterval = asDuration
	}

	if v := os.Getenv("PRUNE_MAX_AGE"); v != "" {
		asDuration, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(err, "parse PRUNE_MAX_AGE as duration")
		}
		config.PruneMaxAge = asDuration
	}

	if v := os.Getenv("REGISTRATION_REFRESH"); v != "" {
		asDuration, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(err, "parse REGISTRATION_REFRESH as duration")
		}
		config.RegistrationRefresh = asDuration
	}

	if v := os.Getenv("NUM_LAYERS"); v != "" {
		asInt, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "parse NUM_LAYERS as int")
		}
		config.NumLayers = asInt
	}

	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		config.StorageBackend = v
	}

	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		config.S3.Endpoint = v
	}

	if v := os.Getenv("S3_BUCKET"); v != "" {
		config.S3.Bucket = v
	}

	if v := os.Getenv("S3_ROOT"); v != "" {
		config.S3.Root = v
	}

	if enabled(os.Getenv("S3_USE_SSL")) {
		config.S3.UseSSL = true
	}

	if enabled(os.Getenv("PROMETHEUS_MONITORING_ENABLED")) {
		config.Monitoring.Enabled = true

		if v := os.Getenv("PROMETHEUS_MONITORING_PORT"); v != "" {
			asInt, err := strconv.Atoi(v)
			if err != nil {
				return errors.Wrap(err, "parse PROMETHEUS_MONITORING_PORT as int")
			}
			config.Monitoring.Port = asInt
		}
	}

	if enabled(os.Getenv("MOCK_COMPUTE")) {
		config.MockCompute = true
	}

	return nil
}

func enabled(value string) bool {
	if value == "" {
		return false
	}

	if value == "on" ||
		value == "enabled" ||
		value == "1" ||
		value == "true" {
		return true
	}

	return false
}
