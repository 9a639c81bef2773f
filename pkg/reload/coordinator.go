// Package reload implements the hot-reload coordinator: the single owner of
// the (Type Registry, Rule Index, Validation IR) triple and the protocol
// adapters built on top of it. It watches the proto and rule directories
// with fsnotify, debouncing bursts into a single-flight reload, and performs
// a fixed sequence: drain adapters, reload state, restart adapters, publish
// readiness.
package reload

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/protoforge/mockgrpc/pkg/handler"
	"github.com/protoforge/mockgrpc/pkg/logging"
	"github.com/protoforge/mockgrpc/pkg/metrics"
	"github.com/protoforge/mockgrpc/pkg/mockconfig"
	"github.com/protoforge/mockgrpc/pkg/ruledoc"
	"github.com/protoforge/mockgrpc/pkg/rpc"
	"github.com/protoforge/mockgrpc/pkg/schema"
	"github.com/protoforge/mockgrpc/pkg/status"
	"github.com/protoforge/mockgrpc/pkg/validation"
)

const drainTimeout = 10 * time.Second

const debounceWindow = 150 * time.Millisecond

// Coordinator owns the effectively-immutable-per-reload snapshot and the
// rebuilt-on-every-reload protocol adapters. All fields behind mu are
// written only by Reload, which is itself serialized by reloadMu so
// concurrent fsnotify events coalesce into a single run.
type Coordinator struct {
	cfg     *mockconfig.Config
	h       *handler.Handler
	metrics *metrics.Recorder
	logger  *slog.Logger

	reloadMu sync.Mutex // serializes Reload() runs — the single-flight lock

	mu       sync.Mutex // guards the fields below
	snapshot handler.Snapshot
	ready    bool
	status   status.Payload

	plaintext *rpc.GRPCServer
	tls       *rpc.GRPCServer
	connect   *rpc.ConnectServer

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds a Coordinator. It does not load anything or start watching
// until Start is called.
func New(cfg *mockconfig.Config, h *handler.Handler, rec *metrics.Recorder, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Coordinator{
		cfg:     cfg,
		h:       h,
		metrics: rec,
		logger:  logger,
	}
}

// Start performs the initial bring-up (a Reload run) and, if configured,
// begins watching the proto/rule directories for changes. The initial
// reload's success or failure is returned; subsequent reload failures are
// fail-closed and only observable via Status/last_error.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.Reload(ctx, "startup"); err != nil {
		return err
	}
	if c.cfg.HotReload.Protos || c.cfg.HotReload.Rules {
		if err := c.startWatch(); err != nil {
			c.logger.Error("hot-reload watcher failed to start", "error", err)
		}
	}
	return nil
}

// Stop stops the filesystem watcher and drains all running adapters.
func (c *Coordinator) Stop(ctx context.Context) {
	if c.watcher != nil {
		close(c.stopCh)
		_ = c.watcher.Close()
		c.wg.Wait()
	}

	c.mu.Lock()
	plaintext, tlsSrv, connectSrv := c.plaintext, c.tls, c.connect
	c.mu.Unlock()

	stopAdapter := func(name string, stop func(context.Context, time.Duration) error) {
		if stop == nil {
			return
		}
		if err := stop(ctx, drainTimeout); err != nil {
			c.logger.Error("adapter shutdown error", "adapter", name, "error", err)
		}
	}
	if plaintext != nil {
		stopAdapter("grpc-plaintext", plaintext.Stop)
	}
	if tlsSrv != nil {
		stopAdapter("grpc-tls", tlsSrv.Stop)
	}
	if connectSrv != nil {
		stopAdapter("connect", connectSrv.Stop)
	}
}

// Snapshot returns the currently published (Registry, Rules, Validation)
// triple. Safe to call concurrently with Reload: it is never observed
// mid-swap — a reader sees either the old triple or the new one, never a
// mix.
func (c *Coordinator) Snapshot() handler.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Status returns a copy of the current status payload.
func (c *Coordinator) Status() status.Payload {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.status
	p.Metrics = c.metrics.Snapshot()
	return p
}

// Reload runs the fixed reload sequence. trigger is recorded on the status
// payload's reload.mode field ("fsnotify" or "explicit"/"startup").
func (c *Coordinator) Reload(ctx context.Context, trigger string) error {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	start := time.Now()

	// Step 1: readiness false, timestamp.
	c.setReady(false)

	// Step 2: drain whatever is currently listening. Errors are logged, not
	// fatal — adapters are rebuilt from scratch below regardless.
	c.drainAdapters(ctx)

	// Step 3: load protos. Total failure aborts without touching state.
	registry, report := schema.Load(c.cfg.ProtoDir)
	if schemaLoadFailed(report) {
		err := fmt.Errorf("reload: proto load failed for every file in %s", c.cfg.ProtoDir)
		c.recordFailure(trigger, err)
		return err
	}

	// Step 4: load rules, replace the rule index.
	rules, ruleReport := ruledoc.LoadAll(c.cfg.RuleDir)
	for _, e := range ruleReport.Errors {
		c.logger.Warn("rule load error", "path", e.Path, "error", e.Err)
	}

	// Step 5: rebuild validation IR from the new registry.
	vRegistry, vErrs := validation.BuildRegistry(registry.Files())
	for _, e := range vErrs {
		c.logger.Warn("validation IR extraction error", "error", e)
	}

	snap := handler.Snapshot{Registry: registry, Rules: rules, Validation: vRegistry}

	// Step 6: start adapters against the new snapshot. TLS/Connect failures
	// are non-fatal and recorded; plaintext gRPC failure is fatal to the
	// reload since it is the one adapter this spec always requires.
	payload := status.Payload{
		Services:     registry.ListServices(),
		RuleKeys:     ruleReport.Loaded,
		ProtoLoaded:  filesByStatus(report, "loaded"),
		ProtoSkipped: filesByStatus(report, "skipped"),
	}
	payload.Validation.TotalTypes, payload.Validation.ValidatedTypes = vRegistry.Coverage()

	plaintext := rpc.NewGRPCServer(rpc.GRPCDeps{Handler: c.h, Logger: c.logger, Reflection: c.cfg.ReflectionEnabled})
	plaintextAddr := fmt.Sprintf(":%d", c.cfg.GRPCPortPlaintext)
	if err := plaintext.Start(plaintextAddr, snap, nil); err != nil {
		c.recordFailure(trigger, fmt.Errorf("reload: plaintext gRPC listener: %w", err))
		return err
	}
	payload.Plaintext = status.Protocol{Enabled: true, Port: c.cfg.GRPCPortPlaintext}

	var tlsSrv *rpc.GRPCServer
	if c.cfg.TLS.Enabled {
		tlsConfig, err := rpc.BuildTLSConfig(c.cfg.TLS)
		if err != nil {
			payload.TLS = status.Protocol{Enabled: true, Error: err.Error()}
			c.logger.Error("TLS gRPC listener not started", "error", err)
		} else {
			tlsSrv = rpc.NewGRPCServer(rpc.GRPCDeps{Handler: c.h, Logger: c.logger, Reflection: c.cfg.ReflectionEnabled})
			addr := fmt.Sprintf(":%d", c.cfg.GRPCPortTLS)
			if err := tlsSrv.Start(addr, snap, tlsConfig); err != nil {
				payload.TLS = status.Protocol{Enabled: true, Error: err.Error()}
				c.logger.Error("TLS gRPC listener failed to start", "error", err)
				tlsSrv = nil
			} else {
				payload.TLS = status.Protocol{Enabled: true, Port: c.cfg.GRPCPortTLS}
			}
		}
	}

	var connectSrv *rpc.ConnectServer
	if c.cfg.Connect.Enabled {
		var connectTLS *tls.Config
		if c.cfg.Connect.TLSEnabled {
			var err error
			connectTLS, err = rpc.BuildTLSConfig(c.cfg.TLS)
			if err != nil {
				c.logger.Error("Connect TLS config build failed, serving plaintext", "error", err)
				connectTLS = nil
			}
		}
		connectSrv = rpc.NewConnectServer(rpc.ConnectDeps{Handler: c.h, Logger: c.logger, CORS: c.cfg.Connect})
		addr := fmt.Sprintf(":%d", c.cfg.ConnectPort)
		if err := connectSrv.Start(addr, snap, connectTLS); err != nil {
			payload.Connect = status.ConnectProtocol{Protocol: status.Protocol{Enabled: true, Error: err.Error()}}
			c.logger.Error("Connect listener failed to start", "error", err)
			connectSrv = nil
		} else {
			payload.Connect = status.ConnectProtocol{
				Protocol:    status.Protocol{Enabled: true, Port: c.cfg.ConnectPort},
				CORSEnabled: c.cfg.Connect.CORSEnabled,
				CORSOrigins: c.cfg.Connect.CORSOrigins,
				Services:    registry.ListServices(),
			}
		}
	}

	elapsed := time.Since(start)
	payload.Reload = status.Reload{
		LastTriggered:    start,
		Mode:             trigger,
		DowntimeDetected: elapsed > time.Second,
	}
	payload.Ready = true

	// Step 7 (publish): swap the snapshot, adapters, and status atomically
	// from readers' perspective.
	c.mu.Lock()
	c.snapshot = snap
	c.plaintext, c.tls, c.connect = plaintext, tlsSrv, connectSrv
	c.status = payload
	c.ready = true
	c.mu.Unlock()

	c.logger.Info("reload complete", "trigger", trigger, "services", len(registry.ListServices()), "downtime_detected", payload.Reload.DowntimeDetected)
	return nil
}

func (c *Coordinator) setReady(ready bool) {
	c.mu.Lock()
	c.ready = ready
	c.status.Ready = ready
	c.mu.Unlock()
}

func (c *Coordinator) drainAdapters(ctx context.Context) {
	c.mu.Lock()
	plaintext, tlsSrv, connectSrv := c.plaintext, c.tls, c.connect
	c.mu.Unlock()

	if plaintext != nil {
		if err := plaintext.Stop(ctx, drainTimeout); err != nil {
			c.logger.Warn("plaintext gRPC drain error", "error", err)
		}
	}
	if tlsSrv != nil {
		if err := tlsSrv.Stop(ctx, drainTimeout); err != nil {
			c.logger.Warn("TLS gRPC drain error", "error", err)
		}
	}
	if connectSrv != nil {
		if err := connectSrv.Stop(ctx, drainTimeout); err != nil {
			c.logger.Warn("Connect drain error", "error", err)
		}
	}
}

// recordFailure implements fail-closed reload: readiness stays false, the
// previous adapters (already stopped in step 2) are not restarted, and the
// error is recorded.
func (c *Coordinator) recordFailure(trigger string, err error) {
	c.mu.Lock()
	c.ready = false
	c.status.Ready = false
	c.status.Reload.LastTriggered = time.Now()
	c.status.Reload.Mode = trigger
	c.status.Reload.LastError = err.Error()
	c.plaintext, c.tls, c.connect = nil, nil, nil
	c.mu.Unlock()

	c.logger.Error("reload aborted", "trigger", trigger, "error", err)
}

// schemaLoadFailed treats "every discovered file failed to compile" as total
// failure, distinct from "no proto files present yet" which schema.Load
// itself treats as a valid empty registry.
func schemaLoadFailed(report *schema.Report) bool {
	if len(report.Files) == 0 {
		return false
	}
	for _, f := range report.Files {
		if f.Status == "loaded" {
			return false
		}
	}
	return true
}

func filesByStatus(report *schema.Report, want string) []string {
	var out []string
	for _, f := range report.Files {
		if f.Status == want {
			out = append(out, f.Path)
		}
	}
	return out
}

func (c *Coordinator) startWatch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("reload: create watcher: %w", err)
	}
	c.watcher = w
	c.stopCh = make(chan struct{})

	if c.cfg.HotReload.Protos {
		if err := watchDir(w, c.cfg.ProtoDir); err != nil {
			c.logger.Warn("could not watch proto dir", "dir", c.cfg.ProtoDir, "error", err)
		}
	}
	if c.cfg.HotReload.Rules {
		if err := watchDir(w, c.cfg.RuleDir); err != nil {
			c.logger.Warn("could not watch rule dir", "dir", c.cfg.RuleDir, "error", err)
		}
	}

	c.wg.Add(1)
	go c.watchLoop()
	return nil
}

func watchDir(w *fsnotify.Watcher, dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}

// watchLoop debounces bursts of filesystem events into a single Reload
// call.
func (c *Coordinator) watchLoop() {
	defer c.wg.Done()

	var debounce *time.Timer
	trigger := func() {
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout+5*time.Second)
		defer cancel()
		if err := c.Reload(ctx, "fsnotify"); err != nil {
			c.logger.Error("fsnotify-triggered reload failed", "error", err)
		}
	}

	for {
		select {
		case <-c.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceWindow, trigger)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("fsnotify error", "error", err)
		}
	}
}
