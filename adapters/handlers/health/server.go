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

// Package health exposes the node's liveness endpoint and, when monitoring
// is enabled, the prometheus metrics endpoint on the same listener.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/pipeminer/usecases/state"
)

type Server struct {
	server *http.Server
	logger logrus.FieldLogger
}

type statusResponse struct {
	Status     string `json:"status"`
	Hotkey     string `json:"hotkey"`
	Layer      int    `json:"layer"`
	Registered bool   `json:"registered"`
	Timestamp  int64  `json:"timestamp"`
}

func NewServer(port int, hotkey string, manager *state.Manager,
	metricsEnabled bool, logger logrus.FieldLogger,
) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(statusResponse{
			Status:     "healthy",
			Hotkey:     hotkey,
			Layer:      manager.Layer(),
			Registered: manager.Registered(),
			Timestamp:  time.Now().Unix(),
		})
	})
	if metricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		logger: logger.WithField("action", "health_server"),
	}
}

// Start serves until Shutdown. It blocks, callers run it in a goroutine.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.server.Addr).Info("health server listening")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
