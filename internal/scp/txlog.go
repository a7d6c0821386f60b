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
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/draw-rt/draw-client/internal/catalog"
)

const (
	journalRetries  = 3
	journalBackoff  = 100 * time.Millisecond
	journalDeadline = 5 * time.Second
)

var (
	journalDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "draw_scp_journal_dropped_total",
		Help: "Journal writes dropped because the queue was full.",
	})
	journalFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "draw_scp_journal_failed_total",
		Help: "Journal writes abandoned after all retries.",
	})
	transactionsLogged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "draw_scp_transactions_total",
		Help: "Transaction-log rows written by type and status.",
	}, []string{"type", "status"})
)

// JournalSink is the slice of the store the journal writes through.
type JournalSink interface {
	AppendTransaction(ctx context.Context, t *catalog.Transaction) error
	CountConnection(ctx context.Context, delta int64, at time.Time) error
	CountFileReceived(ctx context.Context, size int64, at time.Time) error
	CountError(ctx context.Context) error
	TouchRemoteNodeIncoming(ctx context.Context, aeTitle string, at time.Time) error
}

// Journal absorbs transaction-log rows and status-counter bumps off the DIMSE
// hot path. Publishing never blocks: a full queue drops the write with a
// warning instead of stalling a transfer.
type Journal struct {
	logger log.Logger
	sink   JournalSink
	queue  chan func(context.Context) error
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewJournal starts workers draining a queue of the given size.
func NewJournal(logger log.Logger, reg prometheus.Registerer, sink JournalSink, queueSize, workers int) *Journal {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(journalDropped, journalFailed, transactionsLogged)
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if workers <= 0 {
		workers = 2
	}
	j := &Journal{
		logger: logger,
		sink:   sink,
		queue:  make(chan func(context.Context) error, queueSize),
		now:    time.Now,
	}
	for i := 0; i < workers; i++ {
		j.wg.Add(1)
		go j.worker()
	}
	return j
}

// Transaction enqueues one append-only log row.
func (j *Journal) Transaction(t *catalog.Transaction) {
	if t.Timestamp.IsZero() {
		t.Timestamp = j.now().UTC()
	}
	transactionsLogged.WithLabelValues(string(t.Type), string(t.Status)).Inc()
	j.publish("transaction", func(ctx context.Context) error {
		return j.sink.AppendTransaction(ctx, t)
	})
}

// ConnectionOpened bumps the connection counters.
func (j *Journal) ConnectionOpened() {
	at := j.now()
	j.publish("connection", func(ctx context.Context) error {
		return j.sink.CountConnection(ctx, 1, at)
	})
}

// ConnectionClosed decrements the active-connection counter.
func (j *Journal) ConnectionClosed() {
	at := j.now()
	j.publish("connection", func(ctx context.Context) error {
		return j.sink.CountConnection(ctx, -1, at)
	})
}

// FileReceived records a stored file and its size; the store also advances
// the durable cached-storage counter.
func (j *Journal) FileReceived(size int64) {
	at := j.now()
	j.publish("file", func(ctx context.Context) error {
		return j.sink.CountFileReceived(ctx, size, at)
	})
}

// Error bumps the service error counter.
func (j *Journal) Error() {
	j.publish("error", func(ctx context.Context) error {
		return j.sink.CountError(ctx)
	})
}

// NodeSeen stamps last_incoming_at for a known calling AE.
func (j *Journal) NodeSeen(aeTitle string) {
	at := j.now()
	j.publish("node", func(ctx context.Context) error {
		return j.sink.TouchRemoteNodeIncoming(ctx, aeTitle, at)
	})
}

func (j *Journal) publish(kind string, fn func(context.Context) error) {
	select {
	case j.queue <- fn:
	default:
		journalDropped.Inc()
		level.Warn(j.logger).Log("msg", "journal queue full, write dropped", "kind", kind)
	}
}

func (j *Journal) worker() {
	defer j.wg.Done()
	for fn := range j.queue {
		var err error
		for attempt := 1; attempt <= journalRetries; attempt++ {
			ctx, cancel := context.WithTimeout(context.Background(), journalDeadline)
			err = fn(ctx)
			cancel()
			if err == nil {
				break
			}
			time.Sleep(journalBackoff * time.Duration(attempt))
		}
		if err != nil {
			journalFailed.Inc()
			level.Warn(j.logger).Log("msg", "journal write abandoned", "err", err)
		}
	}
}

// Close drains the queue and stops the workers.
func (j *Journal) Close() {
	close(j.queue)
	j.wg.Wait()
}
