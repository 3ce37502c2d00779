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

package miner

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// GridClient reads the public miner grid, which lists every miner and its
// assigned layer. It is only consulted during registration to estimate the
// least-populated layer.
type GridClient struct {
	url    string
	client *http.Client
	logger logrus.FieldLogger
}

func NewGridClient(url string, logger logrus.FieldLogger) *GridClient {
	return &GridClient{
		url:    url,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger.WithField("action", "miner_grid"),
	}
}

type gridMiner struct {
	Hotkey string `json:"hotkey"`
	Layer  *int   `json:"layer"`
}

type gridStatus struct {
	Miners []gridMiner `json:"miners"`
}

// EstimateLayer returns the least-populated layer and, if the hotkey already
// appears on the grid, its current assignment.
func (g *GridClient) EstimateLayer(ctx context.Context, hotkey string,
	numLayers int,
) (estimated int, current *int, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.url, nil)
	if err != nil {
		return 0, nil, errors.Wrap(err, "build grid request")
	}

	res, err := g.client.Do(req)
	if err != nil {
		return 0, nil, errors.Wrap(err, "query miner grid")
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		io.Copy(io.Discard, res.Body)
		return 0, nil, errors.Errorf("query miner grid: status %d", res.StatusCode)
	}

	var status gridStatus
	if err := json.NewDecoder(res.Body).Decode(&status); err != nil {
		return 0, nil, errors.Wrap(err, "decode miner grid")
	}

	counts := make([]int, numLayers)
	for _, m := range status.Miners {
		if m.Layer != nil && *m.Layer >= 0 && *m.Layer < numLayers {
			counts[*m.Layer]++
		}
		if m.Hotkey == hotkey {
			current = m.Layer
		}
	}

	for layer, count := range counts {
		if count < counts[estimated] {
			estimated = layer
		}
	}

	g.logger.WithField("layer_counts", counts).
		WithField("estimated", estimated).
		Debug("estimated least-populated layer")
	return estimated, current, nil
}
