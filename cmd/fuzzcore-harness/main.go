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

package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/fuzzcore/search/checkpoint"
	"github.com/fuzzcore/search/control"
	"github.com/fuzzcore/search/engine"
)

func main() {

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)

	var (
		flagLog        string
		flagExecutions int64
		flagSeconds    int64
		flagStdinBytes uint32
		flagSeed       int64
		flagCheckpoint string
		flagREST       string
		flagGRPC       string
	)

	pflag.StringVarP(&flagLog, "log", "l", "info", "log output level")
	pflag.Int64VarP(&flagExecutions, "executions", "e", engine.DefaultConfig.MaxExecutions, "maximum number of client executions")
	pflag.Int64VarP(&flagSeconds, "seconds", "s", engine.DefaultConfig.MaxSeconds, "wall-clock budget in seconds")
	pflag.Uint32VarP(&flagStdinBytes, "stdin-bytes", "b", engine.DefaultConfig.MaxStdinBytes, "maximum stdin size in bytes")
	pflag.Int64Var(&flagSeed, "seed", 0, "seed for the search's RNG streams")
	pflag.StringVarP(&flagCheckpoint, "checkpoint", "c", "", "directory for durable checkpoint database (disabled if empty)")
	pflag.StringVar(&flagREST, "rest", "", "address to serve the control REST API on (disabled if empty)")
	pflag.StringVar(&flagGRPC, "grpc", "", "address to serve the control gRPC API on (disabled if empty)")

	pflag.Parse()

	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
	log := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.DebugLevel)
	level, err := zerolog.ParseLevel(flagLog)
	if err != nil {
		log.Fatal().Err(err).Msg("could not parse log level")
	}
	log = log.Level(level)

	cfg := engine.DefaultConfig
	cfg.MaxExecutions = flagExecutions
	cfg.MaxSeconds = flagSeconds
	cfg.MaxStdinBytes = flagStdinBytes
	cfg.Seed = flagSeed

	reg := prometheus.NewRegistry()
	e, err := engine.New(log, cfg, reg)
	if err != nil {
		log.Fatal().Err(err).Msg("could not initialize engine")
	}

	var exec engine.Executor = deterministicBranch{}

	var store *checkpoint.Store
	if flagCheckpoint != "" {
		store, err = checkpoint.Open(flagCheckpoint)
		if err != nil {
			log.Fatal().Err(err).Msg("could not open checkpoint database")
		}
		defer store.Close()
		exec = recordingExecutor{inner: exec, rec: checkpoint.NewRecorder(store)}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if flagREST != "" || flagGRPC != "" {
		ctrl := control.New(log, e)
		if flagREST != "" {
			go func() {
				if err := ctrl.ServeREST(flagREST); err != nil {
					log.Error().Err(err).Msg("control REST server failed")
				}
			}()
		}
		if flagGRPC != "" {
			go func() {
				if err := ctrl.ServeGRPC(flagGRPC); err != nil {
					log.Error().Err(err).Msg("control gRPC server failed")
				}
			}()
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			if err := ctrl.Stop(stopCtx); err != nil {
				log.Warn().Err(err).Msg("could not stop control servers cleanly")
			}
		}()
	}

	done := make(chan struct{})
	var driveErr error
	go func() {
		defer close(done)
		start := time.Now()
		log.Info().Time("start", start).Msg("fuzzcore-harness starting")
		r, err := e.Drive(ctx, exec)
		driveErr = err
		if err != nil {
			log.Error().Err(err).Msg("search loop failed")
		}
		finish := time.Now()
		log.Info().
			Time("finish", finish).
			Str("duration", finish.Sub(start).Round(time.Second).String()).
			Str("reason", r.String()).
			Msg("fuzzcore-harness stopped")
	}()

	select {
	case <-sig:
		log.Info().Msg("fuzzcore-harness stopping")
		cancel()
	case <-done:
		log.Info().Msg("fuzzcore-harness done")
	}
	<-done

	if driveErr != nil {
		os.Exit(1)
	}
	os.Exit(0)
}
