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

// Package campaign runs several independent engine.Engine instances
// concurrently, one goroutine per instance, none sharing tree or
// coverage state. Each instance stays single-threaded internally; only
// this supervisory layer is concurrent, the way the teacher's own
// engine.Engine once supervised a fixed set of named components.
package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fuzzcore/search/engine"
	"github.com/fuzzcore/search/stats"
)

// InstanceFactory builds the Executor for one campaign instance given
// its zero-based index, so each instance can bind to a distinct client
// process or IPC channel rather than racing the others over one.
type InstanceFactory func(index int) (engine.Executor, error)

// Result is one instance's outcome once its engine.Drive loop returns.
type Result struct {
	Index  int
	Reason stats.Reason
}

// Campaign launches N engine instances built from the same Config,
// each seeded so no two instances explore identically, and reports
// back once every instance has reached a terminal reason or the first
// hard failure cancels the rest.
type Campaign struct {
	log zerolog.Logger
	cfg engine.Config
	reg prometheus.Registerer
	n   int
}

// New returns a Campaign that will launch n engine instances from cfg.
func New(log zerolog.Logger, cfg engine.Config, reg prometheus.Registerer, n int) *Campaign {
	return &Campaign{
		log: log.With().Str("component", "campaign").Logger(),
		cfg: cfg,
		reg: reg,
		n:   n,
	}
}

// Run launches all instances and blocks until every one finishes or an
// instance's hard failure cancels the context shared by the rest, the
// same first-error-wins shape golang.org/x/sync/errgroup gives any
// fan-out of independent workers.
func (c *Campaign) Run(ctx context.Context, factory InstanceFactory) ([]Result, error) {
	results := make([]Result, c.n)

	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.n; i++ {
		i := i
		inst := &instance{
			log: c.log.With().Int("instance", i).Logger(),
		}
		eg.Go(func() error {
			return inst.run(ctx, func() (stats.Reason, error) {
				instCfg := c.cfg
				instCfg.Seed = c.cfg.Seed + int64(i)

				exec, err := factory(i)
				if err != nil {
					return stats.ReasonServerInternalError, fmt.Errorf("could not build executor: %w", err)
				}
				e, err := engine.NewForInstance(c.log, instCfg, c.reg, i)
				if err != nil {
					return stats.ReasonServerInternalError, fmt.Errorf("could not create engine: %w", err)
				}
				reason, err := e.Drive(ctx, exec)
				if err != nil {
					return reason, err
				}
				results[i] = Result{Index: i, Reason: reason}
				return reason, nil
			})
		})
	}

	if err := eg.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// instance wraps one engine's run in the named-logging, timed
// start/stop idiom the old component supervisor used for every
// component it launched.
type instance struct {
	log zerolog.Logger
}

func (inst *instance) run(ctx context.Context, fn func() (stats.Reason, error)) error {
	start := time.Now()
	inst.log.Info().Msg("instance starting")

	reason, err := fn()
	duration := time.Since(start).Round(time.Second)
	if err != nil {
		inst.log.Error().Err(err).Str("duration", duration.String()).Msg("instance failed")
		return err
	}

	inst.log.Info().
		Str("reason", reason.String()).
		Str("duration", duration.String()).
		Msg("instance done")

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}
