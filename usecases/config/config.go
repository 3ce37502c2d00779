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
	"net/url"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultDataPath = "./data"

	DefaultCacheMaxSize = 32
	DefaultCacheTimeout = 10 * time.Minute

	DefaultActivationPollInterval  = 500 * time.Millisecond
	DefaultPhasePollInterval       = 2 * time.Second
	DefaultPruneInterval           = time.Minute
	DefaultPruneMaxAge             = 10 * time.Minute
	DefaultRegistrationRefresh     = 30 * time.Second
	DefaultLayerEstimationTimeout  = 300 * time.Second
)

// Storage backends for weight and activation payloads.
const (
	StorageBackendPresigned = "presigned"
	StorageBackendS3        = "s3"
)

type S3 struct {
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	Bucket   string `json:"bucket" yaml:"bucket"`
	Root     string `json:"root" yaml:"root"`
	UseSSL   bool   `json:"use_ssl" yaml:"use_ssl"`
}

type Monitoring struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Tool    string `json:"tool" yaml:"tool"`
}

// Config outline of the miner configuration
type Config struct {
	OrchestratorURL string `json:"orchestrator_url" yaml:"orchestrator_url"`
	MinerGridURL    string `json:"miner_grid_url" yaml:"miner_grid_url"`

	Persistence Persistence `json:"persistence" yaml:"persistence"`

	CacheMaxSize int           `json:"cache_max_size" yaml:"cache_max_size"`
	CacheTimeout time.Duration `json:"cache_timeout" yaml:"cache_timeout"`

	ActivationPollInterval time.Duration `json:"activation_poll_interval" yaml:"activation_poll_interval"`
	PhasePollInterval      time.Duration `json:"phase_poll_interval" yaml:"phase_poll_interval"`
	PruneInterval          time.Duration `json:"prune_interval" yaml:"prune_interval"`
	PruneMaxAge            time.Duration `json:"prune_max_age" yaml:"prune_max_age"`
	RegistrationRefresh    time.Duration `json:"registration_refresh" yaml:"registration_refresh"`
	LayerEstimationTimeout time.Duration `json:"layer_estimation_timeout" yaml:"layer_estimation_timeout"`

	NumLayers int `json:"num_layers" yaml:"num_layers"`

	StorageBackend string `json:"storage_backend" yaml:"storage_backend"`
	S3             S3     `json:"s3" yaml:"s3"`

	Monitoring Monitoring `json:"monitoring" yaml:"monitoring"`

	MockCompute bool `json:"mock_compute" yaml:"mock_compute"`
}

type Persistence struct {
	DataPath   string `json:"data_path" yaml:"data_path"`
	WalletPath string `json:"wallet_path" yaml:"wallet_path"`
}

// Defaults returns a Config prefilled with every default. FromEnv only
// overrides what is explicitly set in the environment.
func Defaults() Config {
	return Config{
		Persistence: Persistence{
			DataPath: DefaultDataPath,
		},
		CacheMaxSize:           DefaultCacheMaxSize,
		CacheTimeout:           DefaultCacheTimeout,
		ActivationPollInterval: DefaultActivationPollInterval,
		PhasePollInterval:      DefaultPhasePollInterval,
		PruneInterval:          DefaultPruneInterval,
		PruneMaxAge:            DefaultPruneMaxAge,
		RegistrationRefresh:    DefaultRegistrationRefresh,
		LayerEstimationTimeout: DefaultLayerEstimationTimeout,
		StorageBackend:         StorageBackendPresigned,
		Monitoring: Monitoring{
			Port: 2112,
			Tool: "prometheus",
		},
	}
}

func (c Config) Validate() error {
	if err := c.validateOrchestratorURL(); err != nil {
		return errors.Wrap(err, "orchestrator url")
	}

	if c.Persistence.DataPath == "" {
		return errors.New("persistence: data path must be set")
	}

	if c.CacheMaxSize <= 0 {
		return errors.Errorf("cache max size must be positive, got %d", c.CacheMaxSize)
	}

	if c.NumLayers <= 0 {
		return errors.Errorf("num layers must be positive, got %d", c.NumLayers)
	}

	switch c.StorageBackend {
	case StorageBackendPresigned:
	case StorageBackendS3:
		if c.S3.Endpoint == "" || c.S3.Bucket == "" {
			return errors.New("s3 backend requires endpoint and bucket")
		}
	default:
		return errors.Errorf("unknown storage backend %q", c.StorageBackend)
	}

	return nil
}

func (c Config) validateOrchestratorURL() error {
	if c.OrchestratorURL == "" {
		return errors.New("must be set")
	}
	u, err := url.Parse(c.OrchestratorURL)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	return nil
}
