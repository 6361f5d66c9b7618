/*
 * Copyright 2025 Alexandre Mahdhaoui
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	datapathadapter "github.com/alexandremahdhaoui/elcplb/internal/adapter/datapath"
	metricsadapter "github.com/alexandremahdhaoui/elcplb/internal/adapter/metrics"
	pipelineadapter "github.com/alexandremahdhaoui/elcplb/internal/adapter/pipeline"
	"github.com/alexandremahdhaoui/elcplb/internal/controller/loadbalancer"
	"github.com/alexandremahdhaoui/elcplb/internal/types"
	"github.com/alexandremahdhaoui/elcplb/internal/util"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const usage = `USAGE:
	%s <config file path>

	Use "-" to read the config from stdin.
`

// softSwitchID is the datapath id of the in-process switch.
const softSwitchID uint64 = 1

func main() {
	if len(os.Args) != 2 {
		fmtExit(usage, os.Args[0])
	}

	cfg, err := types.GetConfig(os.Args[1])
	if err != nil {
		errExit(err)
	}

	if err := cfg.Validate(); err != nil {
		errExit(err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		errExit(err)
	}
}

func run(ctx context.Context, cfg types.Config) error {
	virtual, servers, err := cfg.Endpoints(util.ResolveNeighbour)
	if err != nil {
		return err
	}

	compiler, err := pipelineadapter.New(virtual, servers)
	if err != nil {
		return err
	}

	opts, err := loadbalancer.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	opts.Metrics = metricsadapter.New(prometheus.DefaultRegisterer)

	ctrl, err := loadbalancer.New(compiler, opts)
	if err != nil {
		return err
	}

	if err := ctrl.Run(ctx); err != nil {
		return err
	}

	// The switch is programmed in-process. Replies are routed back to the
	// controller like those of any connected switch.
	sw := datapathadapter.NewSoftSwitch(softSwitchID, ctrl.HandleCounterReply)
	session, err := ctrl.Attach(sw)
	if err != nil {
		return errors.Join(err, ctrl.Close())
	}

	eg, ctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
		eg.Go(func() error {
			slog.InfoContext(ctx, "serving metrics", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})

		eg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	eg.Go(func() error {
		gens, stopWatching := session.Watch()
		defer stopWatching()

		for {
			select {
			case <-ctx.Done():
				return nil
			case gen, ok := <-gens:
				if !ok {
					return nil
				}
				slog.InfoContext(ctx, "generation committed",
					"dpid", session.DatapathID(),
					"generation", gen.ID,
					"weights", gen.Weights(),
					"spans", gen.Spans())
			}
		}
	})

	eg.Go(func() error {
		<-ctx.Done()
		if err := ctrl.Close(); err != nil {
			return err
		}
		return sw.Close()
	})

	return eg.Wait()
}

func fmtExit(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format, a...)
	os.Exit(1)
}

func errExit(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
