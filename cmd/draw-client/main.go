// Copyright 2024 The draw-client Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The draw-client binary runs the whole on-premise client: the processing
// chain, the statistics sampler, the DICOM SCP and the management HTTP
// endpoints, all against one PostgreSQL catalog.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/draw-rt/draw-client/internal/catalog"
	"github.com/draw-rt/draw-client/internal/chain"
	"github.com/draw-rt/draw-client/internal/export"
	"github.com/draw-rt/draw-client/internal/ingest"
	"github.com/draw-rt/draw-client/internal/reident"
	"github.com/draw-rt/draw-client/internal/retrieve"
	"github.com/draw-rt/draw-client/internal/scp"
	"github.com/draw-rt/draw-client/internal/segapi"
)

func main() {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	a := kingpin.New("draw-client", "On-premise radiotherapy autosegmentation client")
	a.HelpFlag.Short('h')

	var (
		dsn = a.Flag("database.dsn", "PostgreSQL DSN of the catalog.").
			Default("postgres://localhost/draw?sslmode=disable").String()
		tokenKeyFile = a.Flag("database.token-key-file", "File holding the hex-encoded 32-byte key that seals API tokens at rest. Tokens are stored in the clear when unset.").
				Default("").String()
		listenAddress = a.Flag("web.listen-address", "Address for metrics and health endpoints.").
				Default(":9090").String()
		chainInterval = a.Flag("chain.interval", "How often a processing chain is attempted.").
				Default("1m").Duration()
		statsInterval = a.Flag("stats.interval", "How often statistics samples are recorded.").
				Default(chain.SampleInterval.String()).Duration()
		ingestWatch = a.Flag("ingest.watch", "Watch the ingest root with fsnotify and scan early on changes.").
				Default("true").Bool()
		ingestInterval = a.Flag("ingest.interval", "Interval of the standalone ingest loop (with --ingest.watch).").
				Default("2m").Duration()
		stagingDir = a.Flag("export.staging-dir", "Directory for deidentified archives awaiting upload.").
				Default(defaultStagingDir()).String()
		healthInterval = a.Flag("segapi.health-interval", "How often the remote service health endpoint is checked.").
				Default("1m").Duration()
		scpEnabled = a.Flag("scp.enabled", "Serve the DICOM SCP.").
				Default("true").Bool()
	)

	if _, err := a.Parse(os.Args[1:]); err != nil {
		_ = level.Error(logger).Log("msg", "parsing commandline arguments", "err", err)
		a.Usage(os.Args[1:])
		os.Exit(2)
	}

	key, err := loadTokenKey(*tokenKeyFile)
	if err != nil {
		_ = level.Error(logger).Log("msg", "loading token key", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store, err := catalog.Open(*dsn, key)
	if err != nil {
		_ = level.Error(logger).Log("msg", "opening catalog", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	if err := store.Migrate(ctx); err != nil {
		_ = level.Error(logger).Log("msg", "migrating catalog schema", "err", err)
		os.Exit(1)
	}

	scanner := ingest.NewScanner(log.With(logger, "component", "ingest"), reg, store)
	matcher := chain.NewMatcher(log.With(logger, "component", "match"), reg, store)
	api := segapi.New(log.With(logger, "component", "segapi"), reg, store)
	exporter := export.New(log.With(logger, "component", "export"), reg, store, api, *stagingDir)
	poller := retrieve.New(log.With(logger, "component", "retrieve"), reg, store, api)
	reidentifier := reident.New(log.With(logger, "component", "reident"), reg, store)
	orch := chain.New(log.With(logger, "component", "chain"), reg, store,
		scanner, matcher, exporter, poller, reidentifier)
	sampler := chain.NewSampler(log.With(logger, "component", "stats"), reg, store)

	var g run.Group
	{
		// Termination handler.
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		g.Add(
			func() error {
				select {
				case <-term:
					_ = level.Info(logger).Log("msg", "received SIGTERM, exiting gracefully...")
				case <-cancel:
				}
				return nil
			},
			func(error) {
				close(cancel)
			},
		)
	}
	{
		// Processing chain.
		cctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return orch.Run(cctx, *chainInterval)
		}, func(error) {
			cancel()
		})
	}
	{
		// Remote service health watcher.
		hctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return api.WatchHealth(hctx, *healthInterval, store.LoadSystemConfig)
		}, func(error) {
			cancel()
		})
	}
	{
		// Statistics sampler.
		sctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return sampler.Run(sctx, *statsInterval)
		}, func(error) {
			cancel()
		})
	}
	if *ingestWatch {
		// Event-driven ingest between chains. Scan passes are serialized
		// inside the scanner, so this loop and the chain cannot collide.
		ictx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return scanner.Run(ictx, *ingestInterval, store.LoadSystemConfig)
		}, func(error) {
			cancel()
		})
	}
	if *scpEnabled {
		scpLogger := log.With(logger, "component", "scp")
		scpCfg, err := store.LoadSCPConfig(ctx)
		if err != nil {
			_ = level.Error(logger).Log("msg", "loading SCP configuration", "err", err)
			os.Exit(1)
		}
		journal := scp.NewJournal(scpLogger, reg, store, 0, 0)
		usage := scp.NewUsageCache(scpLogger, reg, store, scpCfg.StorageRoot)
		server := scp.New(scpLogger, reg, store, journal, usage)

		sctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			defer journal.Close()
			return server.Run(sctx, scpCfg)
		}, func(error) {
			cancel()
		})
	}

	isReady := &atomic.Bool{}
	{
		// Management HTTP endpoints.
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		mux.HandleFunc("/-/healthy", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, "draw-client is healthy.\n")
		})
		mux.HandleFunc("/-/ready", func(w http.ResponseWriter, _ *http.Request) {
			if isReady.Load() {
				w.WriteHeader(http.StatusOK)
				fmt.Fprint(w, "draw-client is ready.\n")
				return
			}
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		server := &http.Server{Addr: *listenAddress, Handler: mux}
		g.Add(func() error {
			isReady.Store(true)
			_ = level.Info(logger).Log("msg", "management endpoints listening", "address", *listenAddress)
			return server.ListenAndServe()
		}, func(error) {
			shctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shctx)
		})
	}

	if err := g.Run(); err != nil {
		_ = level.Error(logger).Log("msg", "run group exited with error", "err", err)
		os.Exit(1)
	}
	_ = level.Info(logger).Log("msg", "draw-client stopped")
}

func defaultStagingDir() string {
	return os.TempDir() + string(os.PathSeparator) + "draw-staging"
}

// loadTokenKey reads a 64-hex-char key file. An empty path means no sealing.
func loadTokenKey(path string) (*catalog.SecretKey, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decoding token key: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("token key must be 32 bytes, got %d", len(b))
	}
	var key catalog.SecretKey
	copy(key[:], b)
	return &key, nil
}
