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

package scp

import (
	"context"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	usageReadTTL        = 30 * time.Second
	usageRescanInterval = 5 * time.Minute
)

var (
	storageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "draw_scp_storage_bytes",
		Help: "Cached bytes stored under the SCP storage root.",
	})
	storageRescans = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "draw_scp_storage_rescans_total",
		Help: "Full storage-root rescans performed to correct cache drift.",
	})
)

// UsageSink persists the corrected usage figure after a full rescan.
type UsageSink interface {
	SetCachedStorage(ctx context.Context, bytes int64, at time.Time) error
}

// UsageCache is the single process-wide storage-usage figure. Reads prefer
// the cached value while it is fresh; a filesystem walk happens only when the
// value is stale, never inside the C-STORE hot path otherwise.
type UsageCache struct {
	logger log.Logger
	sink   UsageSink
	root   string

	mu         sync.Mutex
	bytes      int64
	updated    time.Time
	lastRescan time.Time

	now func() time.Time
}

func NewUsageCache(logger log.Logger, reg prometheus.Registerer, sink UsageSink, root string) *UsageCache {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(storageBytes, storageRescans)
	}
	return &UsageCache{
		logger: logger,
		sink:   sink,
		root:   root,
		now:    time.Now,
	}
}

// Seed primes the cache from the persisted service-status row.
func (c *UsageCache) Seed(bytes int64, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bytes = bytes
	c.updated = at
	storageBytes.Set(float64(bytes))
}

// Bytes returns the cached usage, rescanning first if the value is older
// than the read TTL.
func (c *UsageCache) Bytes(ctx context.Context) (int64, error) {
	c.mu.Lock()
	fresh := !c.updated.IsZero() && c.now().Sub(c.updated) < usageReadTTL
	b := c.bytes
	c.mu.Unlock()
	if fresh {
		return b, nil
	}
	return c.Rescan(ctx)
}

// Add increments the cache after a successful store. The durable counter
// advances through the journal's CountFileReceived path.
func (c *UsageCache) Add(size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bytes += size
	c.updated = c.now()
	storageBytes.Set(float64(c.bytes))
}

// Drop decrements the cache after cleanup deletions.
func (c *UsageCache) Drop(size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bytes -= size
	if c.bytes < 0 {
		c.bytes = 0
	}
	c.updated = c.now()
	storageBytes.Set(float64(c.bytes))
}

// Rescan walks the storage root, corrects the cache and persists the figure.
func (c *UsageCache) Rescan(ctx context.Context) (int64, error) {
	var total int64
	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries do not abort the scan
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	storageRescans.Inc()

	at := c.now()
	c.mu.Lock()
	c.bytes = total
	c.updated = at
	c.lastRescan = at
	c.mu.Unlock()
	storageBytes.Set(float64(total))

	if c.sink != nil {
		if err := c.sink.SetCachedStorage(ctx, total, at); err != nil {
			level.Warn(c.logger).Log("msg", "persisting storage usage", "err", err)
		}
	}
	return total, nil
}

// MaybeRescan runs a full rescan when the last one is older than the drift
// interval. Called from a background loop, never from a DIMSE handler.
func (c *UsageCache) MaybeRescan(ctx context.Context) {
	c.mu.Lock()
	due := c.now().Sub(c.lastRescan) >= usageRescanInterval
	c.mu.Unlock()
	if !due {
		return
	}
	if _, err := c.Rescan(ctx); err != nil {
		level.Warn(c.logger).Log("msg", "storage rescan failed", "err", err)
	}
}
