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
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/weaviate/pipeminer/entities/phase"
)

// The orchestrator embeds errors in otherwise-200 responses as
// {"error_name": ..., "error_dict": {...}}. The known kinds form a closed
// set, decoded once here at the API boundary and matched by type everywhere
// else.
const (
	errNameLayerState    = "LayerStateError"
	errNameNotRegistered = "MinerNotRegisteredError"
	errNameSpecVersion   = "SpecVersionError"
)

// ErrLayerState reports that the miner acted under a stale phase. Recoverable
// by adopting the actual phase and retrying the iteration.
type ErrLayerState struct {
	Expected phase.Phase `json:"expected_status"`
	Actual   phase.Phase `json:"actual_status"`
}

func (e ErrLayerState) Error() string {
	return fmt.Sprintf("layer state changed: expected %s, orchestrator reports %s",
		e.Expected, e.Actual)
}

// ErrNotRegistered reports that the orchestrator no longer knows this miner.
// Recoverable by re-registering and resetting local state.
type ErrNotRegistered struct {
	Hotkey string `json:"hotkey"`
}

func (e ErrNotRegistered) Error() string {
	return "miner not registered with orchestrator"
}

// ErrSpecVersion is fatal: the node speaks an incompatible protocol version
// and must be upgraded manually.
type ErrSpecVersion struct {
	ExpectedVersion string `json:"expected_version"`
	ActualVersion   string `json:"actual_version"`
}

func (e ErrSpecVersion) Error() string {
	return fmt.Sprintf("spec version mismatch: orchestrator expects %s, node runs %s",
		e.ExpectedVersion, e.ActualVersion)
}

type errorEnvelope struct {
	ErrorName string          `json:"error_name"`
	ErrorDict json.RawMessage `json:"error_dict"`
}

// decodeEnvelope inspects a response body for an embedded error indicator and
// returns the corresponding typed error, or nil if the body is a plain
// payload. An unknown error name is returned as an opaque error so callers
// treat it as fatal rather than silently retrying.
func decodeEnvelope(body []byte) error {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		// not an object at all, e.g. a bare string or list payload
		return nil
	}
	if env.ErrorName == "" {
		return nil
	}

	switch env.ErrorName {
	case errNameLayerState:
		var e ErrLayerState
		if err := json.Unmarshal(env.ErrorDict, &e); err != nil {
			return errors.Wrap(err, "decode layer state error")
		}
		return e
	case errNameNotRegistered:
		var e ErrNotRegistered
		if len(env.ErrorDict) > 0 {
			if err := json.Unmarshal(env.ErrorDict, &e); err != nil {
				return errors.Wrap(err, "decode not registered error")
			}
		}
		return e
	case errNameSpecVersion:
		var e ErrSpecVersion
		if err := json.Unmarshal(env.ErrorDict, &e); err != nil {
			return errors.Wrap(err, "decode spec version error")
		}
		return e
	default:
		return errors.Errorf("orchestrator returned unknown error kind %q", env.ErrorName)
	}
}
