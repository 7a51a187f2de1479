// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package engine is the top-level wiring that owns the filter graph,
// the status/control server, and the engine-wide metrics, the way
// packetd-packetd/controller.Controller owns sniffer+pipeline+exporter.
package engine

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/isdbgo/tsengine/common"
	"github.com/isdbgo/tsengine/common/ts"
	"github.com/isdbgo/tsengine/confengine"
	"github.com/isdbgo/tsengine/graph"
	"github.com/isdbgo/tsengine/graph/recorder"
	"github.com/isdbgo/tsengine/graph/source"
	"github.com/isdbgo/tsengine/internal/sigs"
	"github.com/isdbgo/tsengine/internal/storage"
	"github.com/isdbgo/tsengine/logger"
	"github.com/isdbgo/tsengine/server"
)

const (
	sourceFilterID   uint32 = 1
	recorderFilterID uint32 = 2
)

// Config is the top-level engine.* config block.
type Config struct {
	Source struct {
		Mode                     string        `config:"mode"` // "push" or "pull"
		FirstChannelSetDelay     time.Duration `config:"firstChannelSetDelay"`
		MinChannelChangeInterval time.Duration `config:"minChannelChangeInterval"`
	} `config:"source"`

	Storage struct {
		Kind    string `config:"kind"` // "memory" or "stream"
		FileDir string `config:"fileDir"`
	} `config:"storage"`
}

func setupLogger(conf *confengine.Config) error {
	var opts logger.Options
	if conf.Has("logger") {
		if err := conf.UnpackChild("logger", &opts); err != nil {
			return err
		}
	}
	if opts.Filename == "" {
		opts.Filename = "tsengine.log"
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 10
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 7
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 100
	}
	logger.SetOptions(opts)
	return nil
}

// Engine owns a graph.Graph wired as source -> recorder, the control
// server, and the prometheus metrics describing both.
type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfg       Config
	buildInfo common.BuildInfo

	g   *graph.Graph
	src *source.Source
	rec *recorder.RecorderFilter
	mgr *storage.Manager
	svr *server.Server

	mut      sync.Mutex
	trackers map[ts.PID]*ts.ContinuityTracker
}

// packetSink is the Source's forwarding target: it updates per-PID
// continuity accounting before handing the raw packet on to the
// recorder filter, the way controller.Controller's SetOnL4Packet
// callback updates port-pool state before handing a packet to a
// protocol decoder.
type packetSink struct {
	e *Engine
}

func (p *packetSink) ProcessData(data []byte) error {
	return p.e.onData(data)
}

// New builds an Engine from conf's engine.* block. medium is the
// source filter's Medium (a netsource.Medium, a file reader, or a
// test double); the caller owns picking and constructing it, since
// the choice between a live capture and a replayed file is a cmd/
// concern, not an engine one.
func New(conf *confengine.Config, medium source.Medium, buildInfo common.BuildInfo) (*Engine, error) {
	if err := setupLogger(conf); err != nil {
		return nil, err
	}

	var cfg Config
	if conf.Has("engine") {
		if err := conf.UnpackChild("engine", &cfg); err != nil {
			return nil, err
		}
	}

	storageKind := storage.KindMemory
	if cfg.Storage.Kind == "stream" {
		storageKind = storage.KindStream
	}
	mgr := storage.NewManager(storageKind, cfg.Storage.FileDir)

	svr, err := server.New(conf)
	if err != nil {
		return nil, err
	}

	g := graph.New()
	rec := recorder.New(recorderFilterID, "recorder", mgr)
	if err := g.Register(rec); err != nil {
		return nil, err
	}

	mode := source.ModePush
	if cfg.Source.Mode == "pull" {
		mode = source.ModePull
	}

	e := &Engine{
		cfg:       cfg,
		buildInfo: buildInfo,
		g:         g,
		rec:       rec,
		mgr:       mgr,
		svr:       svr,
		trackers:  make(map[ts.PID]*ts.ContinuityTracker),
	}

	src := source.New(sourceFilterID, "source", mode, medium, &packetSink{e: e},
		cfg.Source.FirstChannelSetDelay, cfg.Source.MinChannelChangeInterval)
	if err := g.Register(src); err != nil {
		return nil, err
	}
	if err := g.Connect([]graph.Connection{{From: sourceFilterID, FromOutput: 0, To: recorderFilterID}}); err != nil {
		return nil, err
	}
	e.src = src

	ctx, cancel := context.WithCancel(context.Background())
	e.ctx, e.cancel = ctx, cancel
	return e, nil
}

// Graph exposes the underlying filter graph, for callers (cmd/,
// tests) that need direct SetActiveServiceID/VideoPID/AudioPID access.
func (e *Engine) Graph() *graph.Graph { return e.g }

// Recorder exposes the recorder filter for task management.
func (e *Engine) Recorder() *recorder.RecorderFilter { return e.rec }

// AddRecorderTask registers a new recording task.
func (e *Engine) AddRecorderTask(cfg recorder.TaskConfig, w recorder.Writer) (*recorder.Task, error) {
	return e.rec.AddTask(cfg, w)
}

// RemoveRecorderTask stops and releases a recording task.
func (e *Engine) RemoveRecorderTask(id string) error {
	return e.rec.RemoveTask(id)
}

// onData is the source's forwarding callback (§5: "the source worker
// converts exceptions into a log message and returns to idle" —
// ts.Parse failures here are logged and dropped, never propagated).
func (e *Engine) onData(data []byte) error {
	pkt, err := ts.Parse(data)
	if err != nil {
		logger.WarnAdvise("check the upstream medium for corruption or desync",
			"engine: dropping malformed packet: %v", err)
		return nil
	}

	e.mut.Lock()
	tracker, ok := e.trackers[pkt.PID()]
	if !ok {
		tracker = ts.NewContinuityTracker()
		e.trackers[pkt.PID()] = tracker
	}
	lost := tracker.Observe(pkt)
	e.mut.Unlock()

	if lost {
		continuityErrors.WithLabelValues(pidLabel(pkt.PID())).Inc()
	}
	if pkt.Scrambled() {
		scrambledPackets.WithLabelValues(pidLabel(pkt.PID())).Inc()
	}
	packetsProcessed.Inc()

	if err := e.rec.ProcessData(data); err != nil {
		e.g.ReportError(recorderFilterID, err)
	}
	return nil
}

// PIDStats returns the accumulated continuity/scrambled statistics for
// every PID observed so far, for tspidinfo-style diagnostics.
func (e *Engine) PIDStats() map[ts.PID]ts.Stats {
	e.mut.Lock()
	defer e.mut.Unlock()
	out := make(map[ts.PID]ts.Stats, len(e.trackers))
	for pid, tracker := range e.trackers {
		out[pid] = tracker.Stats(pid)
	}
	return out
}

// SetActiveServiceID/VideoPID/AudioPID broadcast the current selection
// to every filter in the graph (the recorder uses it to decide which
// packets a "follow active service" task admits).
func (e *Engine) SetActiveServiceID(serviceID uint16)        { e.g.SetActiveServiceID(serviceID) }
func (e *Engine) SetActiveVideoPID(pid uint16, changed bool) { e.g.SetActiveVideoPID(pid, changed) }
func (e *Engine) SetActiveAudioPID(pid uint16, changed bool) { e.g.SetActiveAudioPID(pid, changed) }

// Start opens the source, starts streaming across the graph, and (if
// configured) starts the control server in the background.
func (e *Engine) Start() error {
	if err := e.src.Open(); err != nil {
		return errors.Wrap(err, "engine: source open failed")
	}
	if err := e.g.StartStreaming(); err != nil {
		return errors.Wrap(err, "engine: start streaming failed")
	}

	e.setupServerRoutes()
	if e.svr != nil {
		go func() {
			if err := e.svr.ListenAndServe(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("engine: server failed: %v", err)
			}
		}()
	}

	go e.recordUptimeLoop()
	return nil
}

// Stop tears the graph down in reverse order and releases every
// task's writer via Finalize, aggregating (not discarding) whichever
// of those steps fail.
func (e *Engine) Stop() error {
	e.cancel()

	var stopErr error
	if err := e.g.StopStreaming(); err != nil {
		logger.WarnAdvise("check individual filter logs for the stop failure",
			"engine: stop streaming: %v", err)
		stopErr = err
	}
	if err := e.src.Close(); err != nil {
		logger.WarnAdvise("check the medium's Close implementation",
			"engine: source close: %v", err)
	}
	if e.svr != nil {
		e.svr.Shutdown()
	}
	if err := e.g.Finalize(); err != nil {
		return multierror.Append(stopErr, err)
	}
	return stopErr
}

// Reload re-reads the engine's own config block. Unlike
// controller.Controller.Reload (which recompiles sniffer protocol
// rules), tsengine's structural wiring (source/recorder topology) is
// fixed at New time; Reload only re-applies the logger options, the
// one piece of engine.* config safe to change while streaming.
func (e *Engine) Reload(conf *confengine.Config) error {
	return setupLogger(conf)
}

func (e *Engine) recordUptimeLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.recordMetrics()
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) recordMetrics() {
	uptime.Set(float64(time.Now().Unix() - common.Started()))
	buildInfo.WithLabelValues(e.buildInfo.Version, e.buildInfo.GitHash, e.buildInfo.Time).Inc()
}

type recorderTaskView struct {
	ID            string `json:"id"`
	Paused        bool   `json:"paused"`
	WriteErrors   uint64 `json:"writeErrors"`
	PendingBytes  int    `json:"pendingBytes"`
	LastWriteUnix int64  `json:"lastWriteUnix"`
}

func (e *Engine) handleRecorderTasks(w http.ResponseWriter, r *http.Request) {
	tasks := e.rec.Tasks()
	views := make([]recorderTaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, recorderTaskView{
			ID:            t.ID(),
			Paused:        t.Paused(),
			WriteErrors:   t.WriteErrors(),
			PendingBytes:  t.PendingBytes(),
			LastWriteUnix: t.LastWriteUnix(),
		})
	}
	if err := json.NewEncoder(w).Encode(views); err != nil {
		logger.Errorf("engine: encode recorder tasks: %v", err)
	}
}

func (e *Engine) setupServerRoutes() {
	if e.svr == nil {
		return
	}

	e.svr.RegisterGetRoute("/metrics", func(w http.ResponseWriter, r *http.Request) {
		e.recordMetrics()
		promhttp.Handler().ServeHTTP(w, r)
	})
	e.svr.RegisterGetRoute("/recorder/tasks", e.handleRecorderTasks)

	e.svr.RegisterPostRoute("/-/logger", func(w http.ResponseWriter, r *http.Request) {
		logger.SetLoggerLevel(r.FormValue("level"))
		w.Write([]byte(`{"status": "success"}`))
	})
	e.svr.RegisterPostRoute("/-/reload", func(w http.ResponseWriter, r *http.Request) {
		if err := sigs.SelfReload(); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(err.Error()))
		}
	})
}
