// Copyright 2021 Optakt Labs OÜ
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy of
// the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations under
// the License.

// Package control exposes a read-only introspection surface over an
// engine's running search: a REST endpoint and a gRPC service, both
// reporting the same stats.Snapshot. Neither ever drives the engine;
// the host's own round loop is the only thing allowed to do that.
package control

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fuzzcore/search/stats"
)

// SnapshotProvider is the one thing control needs from a running
// search: its current read-only statistics. *engine.Engine implements
// this directly.
type SnapshotProvider interface {
	Snapshot() stats.Snapshot
}

type httpError struct {
	Message string `json:"message"`
	Err     string `json:"error,omitempty"`
}

func (e httpError) Error() string {
	if e.Err == "" {
		return e.Message
	}
	return fmt.Sprintf("%v (err: %v)", e.Message, e.Err)
}

func newHTTPError(code int, message string, err error) *echo.HTTPError {
	e := httpError{Message: message}
	if err != nil {
		e.Err = err.Error()
	}
	return echo.NewHTTPError(code, e)
}

// Handler wires SnapshotProvider into the echo routes RegisterREST
// installs.
type Handler struct {
	provider SnapshotProvider
}

// NewHandler returns a Handler reporting provider's statistics.
func NewHandler(provider SnapshotProvider) *Handler {
	return &Handler{provider: provider}
}

// GetSnapshot serves the current stats.Snapshot as JSON.
func (h *Handler) GetSnapshot(ctx echo.Context) error {
	if h.provider == nil {
		return newHTTPError(http.StatusServiceUnavailable, "no search is running", nil)
	}
	return ctx.JSON(http.StatusOK, h.provider.Snapshot())
}

// RegisterREST installs the introspection routes on server.
func RegisterREST(server *echo.Echo, handler *Handler) {
	server.GET("/snapshot", handler.GetSnapshot)
}
