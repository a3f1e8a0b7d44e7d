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

package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/ziflex/lecho/v2"
	"google.golang.org/grpc"
)

// Control bundles the REST and gRPC introspection surfaces for one
// running search, the sibling-observer role SPEC_FULL.md describes: it
// never reaches back into the engine to drive it, only to read its
// Snapshot.
type Control struct {
	log  zerolog.Logger
	rest *echo.Echo
	grpc *grpc.Server
}

// New wires both surfaces against provider.
func New(log zerolog.Logger, provider SnapshotProvider) *Control {
	elog := lecho.From(log)

	rest := echo.New()
	rest.HideBanner = true
	rest.HidePort = true
	rest.Logger = elog
	rest.Use(lecho.Middleware(lecho.Config{Logger: elog}))
	RegisterREST(rest, NewHandler(provider))
	rest.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return &Control{
		log:  log.With().Str("component", "control").Logger(),
		rest: rest,
		grpc: NewGRPCServer(log, provider),
	}
}

// ServeREST blocks serving the REST surface on address, the same
// echo.Start/http.ErrServerClosed idiom the teacher's own
// cmd/flow-dps-executor uses for its script-execution endpoint.
func (c *Control) ServeREST(address string) error {
	c.log.Info().Str("address", address).Msg("control REST server starting")
	err := c.rest.Start(address)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control REST server failed: %w", err)
	}
	return nil
}

// ServeGRPC blocks serving the gRPC surface on address.
func (c *Control) ServeGRPC(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("could not create listener: %w", err)
	}
	c.log.Info().Str("address", address).Msg("control gRPC server starting")
	if err := c.grpc.Serve(listener); err != nil {
		return fmt.Errorf("control gRPC server failed: %w", err)
	}
	return nil
}

// Stop shuts both surfaces down: it first stops the gRPC server
// gracefully, waiting for in-flight RPCs to finish, then gives the REST
// server up to ctx's deadline to shut down.
func (c *Control) Stop(ctx context.Context) error {
	c.grpc.GracefulStop()
	if err := c.rest.Shutdown(ctx); err != nil {
		return fmt.Errorf("could not stop control REST server: %w", err)
	}
	return nil
}
