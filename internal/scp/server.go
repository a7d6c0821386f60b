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

// Package scp runs the DICOM service-class provider: association screening
// against AE and IP allow-lists, C-ECHO, C-STORE into the configured storage
// layout, and catalog-backed C-FIND, C-MOVE and C-GET. All bookkeeping is
// journaled asynchronously so the DIMSE handlers stay on the disk I/O path.
package scp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/yasushi-saito/go-dicom"
	netdicom "github.com/yasushi-saito/go-netdicom"
	"github.com/yasushi-saito/go-netdicom/dimse"
	"github.com/yasushi-saito/go-netdicom/sopclass"
	"golang.org/x/sync/semaphore"

	"github.com/draw-rt/draw-client/internal/catalog"
	"github.com/draw-rt/draw-client/internal/dicomfile"
)

const (
	gigabyte = int64(1 << 30)
	// cleanupHeadroom is the minimum space a triggered cleanup tries to free
	// beyond the incoming file.
	cleanupHeadroom = int64(100 << 20)
	// cgetResultCap bounds one C-GET enumeration.
	cgetResultCap = 1000
)

// DIMSE status codes beyond the library's named set.
const (
	statusOutOfResources       = dimse.StatusCode(0xA700)
	statusCannotUnderstand     = dimse.StatusCode(0xC000)
	statusSOPClassNotSupported = dimse.StatusCode(0x0122)
)

var (
	associationsScreened = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "draw_scp_associations_total",
		Help: "Inbound associations by screening outcome.",
	}, []string{"outcome"})
	storesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "draw_scp_cstore_total",
		Help: "C-STORE requests by outcome.",
	}, []string{"outcome"})
	storeBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "draw_scp_cstore_bytes_total",
		Help: "Bytes written by C-STORE.",
	})
	queriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "draw_scp_queries_total",
		Help: "C-FIND/C-MOVE/C-GET requests by operation.",
	}, []string{"op"})
)

// Catalog is the slice of the store the SCP uses.
type Catalog interface {
	Finder
	NodeDirectory
	MoveDestinations(ctx context.Context) ([]*catalog.RemoteDicomNode, error)
	LoadServiceStatus(ctx context.Context) (*catalog.ServiceStatus, error)
	MarkServiceRunning(ctx context.Context, pid int, at time.Time) error
	MarkServiceStopped(ctx context.Context, at time.Time) error
}

type Server struct {
	logger  log.Logger
	catalog Catalog
	journal *Journal
	usage   *UsageCache
	gate    gate
	namer   fileNamer

	readMeta    func(path string) (*dicomfile.Metadata, error)
	readDataSet func(path string) (*dicom.DataSet, error)
	now         func() time.Time
}

func New(logger log.Logger, reg prometheus.Registerer, c Catalog, journal *Journal, usage *UsageCache) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(associationsScreened, storesTotal, storeBytes, queriesTotal)
	}
	return &Server{
		logger:      logger,
		catalog:     c,
		journal:     journal,
		usage:       usage,
		gate:        gate{logger: logger, nodes: c},
		readMeta:    dicomfile.ReadMetadata,
		readDataSet: dicomfile.ReadDataSet,
		now:         time.Now,
	}
}

// Run binds the listener and serves associations until ctx is canceled.
// In-flight associations finish; new ones are refused once the listener
// closes.
func (s *Server) Run(ctx context.Context, cfg *catalog.SCPConfiguration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.StorageRoot, 0o755); err != nil {
		return err
	}
	if status, err := s.catalog.LoadServiceStatus(ctx); err == nil && status.CachedStorageUpdated.Valid {
		s.usage.Seed(status.CachedStorageBytes, status.CachedStorageUpdated.Time)
	}

	addr := net.JoinHostPort(cfg.BindHost, strconv.Itoa(cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}
	if err := s.catalog.MarkServiceRunning(ctx, os.Getpid(), s.now()); err != nil {
		level.Warn(s.logger).Log("msg", "marking service running", "err", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.catalog.MarkServiceStopped(stopCtx, s.now()); err != nil {
			level.Warn(s.logger).Log("msg", "marking service stopped", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	go s.rescanLoop(ctx)
	level.Info(s.logger).Log("msg", "scp listening", "addr", addr, "ae_title", cfg.AETitle)

	sem := semaphore.NewWeighted(int64(cfg.MaxAssociations))
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if !sem.TryAcquire(1) {
			associationsScreened.WithLabelValues("refused").Inc()
			s.journal.Transaction(&catalog.Transaction{
				Type:     catalog.TxAssociation,
				Status:   catalog.TxRejected,
				RemoteIP: conn.RemoteAddr().String(),
				Error:    "max associations reached",
			})
			conn.Close()
			continue
		}
		go func() {
			defer sem.Release(1)
			s.handleConn(ctx, cfg, conn)
		}()
	}
}

func (s *Server) rescanLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.usage.MaybeRescan(ctx)
		}
	}
}

func (s *Server) handleConn(ctx context.Context, cfg *catalog.SCPConfiguration, conn net.Conn) {
	defer conn.Close()
	s.journal.ConnectionOpened()
	defer s.journal.ConnectionClosed()
	start := s.now()

	if cfg.NetworkTimeout > 0 {
		conn.SetReadDeadline(start.Add(time.Duration(cfg.NetworkTimeout) * time.Second))
	}
	screened, assoc, err := s.gate.screen(ctx, conn, cfg)
	if err != nil {
		associationsScreened.WithLabelValues("rejected").Inc()
		s.journal.Transaction(&catalog.Transaction{
			Type:       catalog.TxAssociation,
			Status:     catalog.TxRejected,
			CallingAE:  assoc.CallingAE,
			CalledAE:   assoc.CalledAE,
			RemoteIP:   assoc.RemoteIP,
			RemotePort: assoc.RemotePort,
			Error:      err.Error(),
		})
		level.Warn(s.logger).Log("msg", "association rejected",
			"calling_ae", assoc.CallingAE, "remote", assoc.RemoteIP, "err", err)
		return
	}
	conn.SetReadDeadline(time.Time{})
	associationsScreened.WithLabelValues("accepted").Inc()
	if assoc.KnownNode {
		s.journal.NodeSeen(assoc.CallingAE)
	}
	level.Debug(s.logger).Log("msg", "association accepted",
		"calling_ae", assoc.CallingAE, "remote", assoc.RemoteIP)

	remoteAEs := map[string]string{}
	if nodes, err := s.catalog.MoveDestinations(ctx); err == nil {
		for _, n := range nodes {
			remoteAEs[n.AETitle] = net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
		}
	}

	sess := &session{srv: s, cfg: cfg, assoc: assoc, ctx: ctx}
	params := netdicom.ServiceProviderParams{
		AETitle:    cfg.AETitle,
		RemoteAEs:  remoteAEs,
		MaxPDUSize: cfg.MaxPDUSize,
	}
	callbacks := netdicom.ServiceProviderCallbacks{
		CEcho:  sess.onCEcho,
		CStore: sess.onCStore,
		CFind:  sess.onCFind,
		CMove:  sess.onCMove,
	}
	netdicom.RunProviderForConn(screened, params, callbacks)

	s.journal.Transaction(&catalog.Transaction{
		Type:            catalog.TxAssociation,
		Status:          catalog.TxSuccess,
		CallingAE:       assoc.CallingAE,
		CalledAE:        assoc.CalledAE,
		RemoteIP:        assoc.RemoteIP,
		RemotePort:      assoc.RemotePort,
		DurationSeconds: s.now().Sub(start).Seconds(),
	})
}

// session carries the per-association state the DIMSE handlers need.
type session struct {
	srv   *Server
	cfg   *catalog.SCPConfiguration
	assoc *association
	ctx   context.Context
}

func (h *session) tx(t *catalog.Transaction) {
	t.CallingAE = h.assoc.CallingAE
	t.CalledAE = h.cfg.AETitle
	t.RemoteIP = h.assoc.RemoteIP
	t.RemotePort = h.assoc.RemotePort
	h.srv.journal.Transaction(t)
}

// onCEcho always answers success; echo is the connectivity probe and is
// never filtered.
func (h *session) onCEcho() dimse.Status {
	h.tx(&catalog.Transaction{Type: catalog.TxCEcho, Status: catalog.TxSuccess})
	return dimse.Success
}

var storageSOPToggles = map[string]func(*catalog.SCPConfiguration) bool{
	"1.2.840.10008.5.1.4.1.1.2":     func(c *catalog.SCPConfiguration) bool { return c.EnableCTStorage },
	"1.2.840.10008.5.1.4.1.1.4":     func(c *catalog.SCPConfiguration) bool { return c.EnableMRStorage },
	"1.2.840.10008.5.1.4.1.1.481.3": func(c *catalog.SCPConfiguration) bool { return c.EnableRTStructStorage },
	"1.2.840.10008.5.1.4.1.1.481.5": func(c *catalog.SCPConfiguration) bool { return c.EnableRTPlanStorage },
	"1.2.840.10008.5.1.4.1.1.481.2": func(c *catalog.SCPConfiguration) bool { return c.EnableRTDoseStorage },
	"1.2.840.10008.5.1.4.1.1.7":     func(c *catalog.SCPConfiguration) bool { return c.EnableSecondaryCapture },
}

func (h *session) sopClassEnabled(sopClassUID string) bool {
	if toggle, ok := storageSOPToggles[sopClassUID]; ok {
		return toggle(h.cfg)
	}
	// SOP classes without a dedicated toggle ride on the C-STORE switch.
	return true
}

// onCStore writes the received dataset bytes to the configured layout. The
// encoded bytes go to disk as-is; the dataset is decoded only when the
// layout, filename convention or validation toggle needs its metadata.
func (h *session) onCStore(transferSyntaxUID, sopClassUID, sopInstanceUID string, data []byte) (st dimse.Status) {
	start := h.srv.now()
	row := &catalog.Transaction{
		Type:           catalog.TxCStore,
		SOPInstanceUID: sopInstanceUID,
		SOPClassUID:    sopClassUID,
		TransferSyntax: transferSyntaxUID,
		FileSize:       int64(len(data)),
	}
	defer func() {
		if r := recover(); r != nil {
			level.Error(h.srv.logger).Log("msg", "cstore handler panicked", "panic", fmt.Sprint(r))
			h.srv.journal.Error()
			row.Status = catalog.TxFailure
			row.Error = fmt.Sprintf("panic: %v", r)
			h.tx(row)
			storesTotal.WithLabelValues("failure").Inc()
			st = dimse.Status{Status: statusCannotUnderstand}
		}
	}()

	if !h.cfg.EnableCStore {
		return h.storeRejected(row, "c-store disabled", dimse.StatusNotAuthorized)
	}
	if !h.sopClassEnabled(sopClassUID) {
		return h.storeRejected(row, "sop class not enabled", statusSOPClassNotSupported)
	}
	if status, ok := h.ensureCapacity(int64(len(data))); !ok {
		return h.storeRejected(row, "storage exhausted", status)
	}

	body, err := dicomfile.EncodePart10(transferSyntaxUID, sopClassUID, sopInstanceUID, data)
	if err != nil {
		return h.storeFailed(row, fmt.Errorf("encoding part-10 header: %w", err))
	}
	tmp, err := os.CreateTemp(h.cfg.StorageRoot, ".recv-*.tmp")
	if err != nil {
		return h.storeFailed(row, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return h.storeFailed(row, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return h.storeFailed(row, err)
	}

	var meta *dicomfile.Metadata
	if needsDecode(h.cfg) {
		meta, err = h.srv.readMeta(tmpPath)
		if err != nil && h.cfg.ValidateDicomOnReceive && h.cfg.RejectInvalidDicom {
			os.Remove(tmpPath)
			return h.storeRejected(row, fmt.Sprintf("unparsable dataset: %v", err), statusCannotUnderstand)
		}
		if meta != nil {
			row.PatientID = meta.PatientID
			row.StudyUID = meta.StudyUID
			row.SeriesUID = meta.SeriesUID
			if h.cfg.ValidateDicomOnReceive {
				if verr := meta.Validate(); verr != nil {
					if h.cfg.RejectInvalidDicom {
						os.Remove(tmpPath)
						return h.storeRejected(row, verr.Error(), statusCannotUnderstand)
					}
					level.Warn(h.srv.logger).Log("msg", "storing invalid dataset",
						"sop_instance_uid", sopInstanceUID, "err", verr)
				}
			}
		}
	}

	dir := h.cfg.StorageRoot
	if meta != nil {
		dir = destDir(h.cfg, meta, start)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		os.Remove(tmpPath)
		return h.storeFailed(row, err)
	}
	dest := filepath.Join(dir, h.srv.namer.fileName(h.cfg, meta, sopInstanceUID, start))
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return h.storeFailed(row, err)
	}

	size := int64(len(body))
	h.srv.usage.Add(size)
	h.srv.journal.FileReceived(size)
	storesTotal.WithLabelValues("success").Inc()
	storeBytes.Add(float64(size))

	row.Status = catalog.TxSuccess
	row.FilePath = dest
	row.FileSize = size
	row.DurationSeconds = h.srv.now().Sub(start).Seconds()
	if row.DurationSeconds > 0 {
		row.SpeedMbps = float64(size) * 8 / 1e6 / row.DurationSeconds
	}
	h.tx(row)
	return dimse.Success
}

func (h *session) storeRejected(row *catalog.Transaction, reason string, code dimse.StatusCode) dimse.Status {
	storesTotal.WithLabelValues("rejected").Inc()
	row.Status = catalog.TxRejected
	row.Error = reason
	h.tx(row)
	return dimse.Status{Status: code}
}

func (h *session) storeFailed(row *catalog.Transaction, err error) dimse.Status {
	storesTotal.WithLabelValues("failure").Inc()
	h.srv.journal.Error()
	level.Error(h.srv.logger).Log("msg", "cstore failed",
		"sop_instance_uid", row.SOPInstanceUID, "err", err)
	row.Status = catalog.TxFailure
	row.Error = err.Error()
	h.tx(row)
	return dimse.Status{Status: statusCannotUnderstand}
}

// ensureCapacity enforces max_storage_gb, triggering one cleanup pass when
// the configured limit is hit.
func (h *session) ensureCapacity(incoming int64) (dimse.StatusCode, bool) {
	limit := int64(h.cfg.MaxStorageGB * float64(gigabyte))
	if limit <= 0 {
		return 0, true
	}
	used, err := h.srv.usage.Bytes(h.ctx)
	if err != nil {
		level.Warn(h.srv.logger).Log("msg", "reading storage usage", "err", err)
		return 0, true // fail open; the periodic rescan corrects drift
	}
	if used+incoming <= limit {
		return 0, true
	}
	if h.cfg.CleanupEnabled && h.cfg.RetentionDays > 0 {
		target := used + incoming - limit
		if target < cleanupHeadroom {
			target = cleanupHeadroom
		}
		cutoff := h.srv.now().AddDate(0, 0, -h.cfg.RetentionDays)
		res, err := cleanupStorage(h.cfg.StorageRoot, cutoff, target)
		status := catalog.TxSuccess
		errMsg := ""
		if err != nil {
			status = catalog.TxFailure
			errMsg = err.Error()
		}
		h.tx(&catalog.Transaction{
			Type:     catalog.TxCleanup,
			Status:   status,
			FileSize: res.FreedBytes,
			Error:    errMsg,
		})
		h.srv.usage.Drop(res.FreedBytes)
		level.Info(h.srv.logger).Log("msg", "storage cleanup",
			"deleted", res.Deleted, "freed_bytes", res.FreedBytes)
		if used, err = h.srv.usage.Bytes(h.ctx); err == nil && used+incoming <= limit {
			return 0, true
		}
	}
	return statusOutOfResources, false
}

func (h *session) onCFind(transferSyntaxUID, sopClassUID string, filters []*dicom.Element) chan netdicom.CFindResult {
	ch := make(chan netdicom.CFindResult, 128)
	start := h.srv.now()
	go func() {
		defer close(ch)
		queriesTotal.WithLabelValues("cfind").Inc()
		if !h.cfg.EnableCFind {
			h.tx(&catalog.Transaction{Type: catalog.TxCFind, Status: catalog.TxRejected, Error: "c-find disabled"})
			ch <- netdicom.CFindResult{Err: fmt.Errorf("c-find disabled")}
			return
		}
		level, qf := filterToQuery(filters)
		qf.Limit = h.cfg.QueryResultCap()
		results, err := findResults(h.ctx, h.srv.catalog, level, qf)
		if err != nil {
			h.srv.journal.Error()
			h.tx(&catalog.Transaction{Type: catalog.TxCFind, Status: catalog.TxFailure, Error: err.Error()})
			ch <- netdicom.CFindResult{Err: err}
			return
		}
		for _, elems := range results {
			ch <- netdicom.CFindResult{Elements: elems}
		}
		h.tx(&catalog.Transaction{
			Type:            catalog.TxCFind,
			Status:          catalog.TxSuccess,
			DurationSeconds: h.srv.now().Sub(start).Seconds(),
		})
	}()
	return ch
}

// onCMove serves both C-MOVE and C-GET; the SOP class of the request
// distinguishes them. Selection is catalog-backed in both cases, and the
// library forwards the datasets (to the resolved destination for C-MOVE, on
// the same association for C-GET).
func (h *session) onCMove(transferSyntaxUID, sopClassUID string, filters []*dicom.Element) chan netdicom.CMoveResult {
	ch := make(chan netdicom.CMoveResult, 128)
	start := h.srv.now()
	isGet := sopClassIn(sopClassUID, sopclass.QRGetClasses)
	txType := catalog.TxCMove
	op := "cmove"
	if isGet {
		txType = catalog.TxCGet
		op = "cget"
	}
	go func() {
		defer close(ch)
		queriesTotal.WithLabelValues(op).Inc()
		if (isGet && !h.cfg.EnableCGet) || (!isGet && !h.cfg.EnableCMove) {
			h.tx(&catalog.Transaction{Type: txType, Status: catalog.TxRejected, Error: op + " disabled"})
			ch <- netdicom.CMoveResult{Err: fmt.Errorf("%s disabled", op)}
			return
		}
		_, qf := filterToQuery(filters)
		if isGet {
			qf.Limit = cgetResultCap
		} else {
			qf.Limit = h.cfg.QueryResultCap()
		}
		instances, err := h.srv.catalog.FindInstances(h.ctx, qf)
		if err != nil {
			h.srv.journal.Error()
			h.tx(&catalog.Transaction{Type: txType, Status: catalog.TxFailure, Error: err.Error()})
			ch <- netdicom.CMoveResult{Err: err}
			return
		}
		sent := 0
		for i, in := range instances {
			ds, err := h.srv.readDataSet(in.FilePath)
			if err != nil {
				level.Warn(h.srv.logger).Log("msg", "skipping unreadable instance",
					"path", in.FilePath, "err", err)
				continue
			}
			ch <- netdicom.CMoveResult{
				Remaining: len(instances) - i - 1,
				Path:      in.FilePath,
				DataSet:   ds,
			}
			sent++
		}
		level.Debug(h.srv.logger).Log("msg", "retrieve served", "op", op, "instances", sent)
		h.tx(&catalog.Transaction{
			Type:            txType,
			Status:          catalog.TxSuccess,
			DurationSeconds: h.srv.now().Sub(start).Seconds(),
		})
	}()
	return ch
}

func sopClassIn(uid string, classes []sopclass.SOPUID) bool {
	for _, c := range classes {
		if c.UID == uid {
			return true
		}
	}
	return false
}
