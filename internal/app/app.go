// Package app wires an audiodam node into a running service.
//
// The App owns the node worker, the HTTP surface and the control links:
//
//   - GET /control/{id} upgrades to a websocket carrying the control link of
//     control port id. Binary messages are control messages in both
//     directions.
//   - GET /healthz, /readyz and /statusz report liveness, readiness and a
//     node snapshot.
//   - GET /metrics serves the Prometheus registry.
//
// For testing, inject collaborators with functional options (WithEngine,
// WithSource, WithSink). When an option is not provided, New builds the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/audiodam/internal/config"
	"github.com/MrWong99/audiodam/internal/dam"
	"github.com/MrWong99/audiodam/internal/health"
	"github.com/MrWong99/audiodam/internal/observe"
	"github.com/MrWong99/audiodam/pkg/ring"
)

const (
	// maxControlMessage bounds one inbound control message.
	maxControlMessage = 64 << 10

	shutdownTimeout   = 10 * time.Second
	disconnectTimeout = time.Second
)

// App owns the node and its network surface.
type App struct {
	cfg     atomic.Pointer[config.Config]
	log     *slog.Logger
	level   *slog.LevelVar
	metrics *observe.Metrics

	engine  ring.Engine
	resolve ring.VirtualSourceResolver
	sources map[int]Source
	sinks   map[int]Sink

	links   *Links
	node    *Node
	handler http.Handler
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithEngine injects a ring engine instead of the in-memory engine.
func WithEngine(e ring.Engine) Option {
	return func(a *App) { a.engine = e }
}

// WithSource feeds the input at host index idx from s instead of its
// configured WAV file.
func WithSource(idx int, s Source) Option {
	return func(a *App) { a.sources[idx] = s }
}

// WithSink hands the output at host index idx to s instead of a segment
// directory.
func WithSink(idx int, s Sink) Option {
	return func(a *App) { a.sinks[idx] = s }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevel lets configuration reloads change the log level.
func WithLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics injects the metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithVirtualSources sets the resolver for peer-owned buffers announced over
// control links.
func WithVirtualSources(r ring.VirtualSourceResolver) Option {
	return func(a *App) { a.resolve = r }
}

// New builds the node from cfg, opening the configured sources and sinks.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		log:     slog.Default(),
		links:   NewLinks(),
		sources: make(map[int]Source),
		sinks:   make(map[int]Sink),
	}
	for _, o := range opts {
		o(a)
	}
	a.cfg.Store(cfg)
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.engine == nil {
		a.engine = ring.NewMemory(ring.WithChunkSize(cfg.Node.ChunkSize), ring.WithLogger(a.log))
	}

	if err := a.openIO(cfg); err != nil {
		a.closeIO()
		return nil, err
	}

	node, err := NewNode(NodeConfig{
		Config:         cfg,
		Engine:         a.engine,
		Links:          a.links,
		Logger:         a.log,
		Metrics:        a.metrics,
		VirtualSources: a.resolve,
		Sources:        a.sources,
		Sinks:          a.sinks,
	})
	if err != nil {
		a.closeIO()
		return nil, fmt.Errorf("app: init node: %w", err)
	}
	a.node = node
	a.handler = a.routes()
	return a, nil
}

// openIO opens the WAV sources and segment sinks not injected by options.
func (a *App) openIO(cfg *config.Config) error {
	for _, in := range cfg.Inputs {
		if in.Source == "" || a.sources[in.Index] != nil {
			continue
		}
		if cfg.Format.Codec != config.CodecPCM || cfg.Format.BitsPerSample != 16 {
			return fmt.Errorf("app: input %d: wav sources need a 16-bit pcm format", in.ID)
		}
		src, err := OpenWAVSource(in.Source, cfg.Node.ProcessInterval, cfg.Format.SampleRate, in.Loop, a.log)
		if err != nil {
			return fmt.Errorf("app: input %d: %w", in.ID, err)
		}
		a.sources[in.Index] = src
	}
	for _, out := range cfg.Outputs {
		if out.Sink == "" || a.sinks[out.Index] != nil {
			continue
		}
		sink, err := NewSegmentSink(out.Sink, out.ID, a.log)
		if err != nil {
			return fmt.Errorf("app: output %d: %w", out.ID, err)
		}
		a.sinks[out.Index] = sink
	}
	return nil
}

func (a *App) closeIO() {
	for _, s := range a.sources {
		_ = s.Close()
	}
	for _, s := range a.sinks {
		_ = s.Close()
	}
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	health.New(a.node.readinessCheckers(a.cfg.Load())...).
		WithStatus(func(ctx context.Context) (any, error) {
			return a.node.Status(ctx, a.cfg.Load())
		}).
		Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /control/{id}", a.serveControl)
	return observe.Middleware(a.metrics)(mux)
}

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler { return a.handler }

// Node returns the node worker.
func (a *App) Node() *Node { return a.node }

// Run serves HTTP and drives the node until ctx is cancelled or either
// fails. Hijacked control links end when ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfg.Load()
	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error { return a.node.Run(gctx) })
	g.Go(func() error {
		a.log.Info("listening", "addr", cfg.Server.ListenAddr, "tls", cfg.Server.TLS != nil)
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// ApplyConfig hot-applies the reloadable part of a configuration change: the
// log level, output channel maps and downstream setup durations. Other
// changes are logged and wait for a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.RestartRequired {
		a.log.Warn("configuration change requires a restart; only log level and output settings were applied")
	}
	if d.OutputsChanged {
		if err := a.applyOutputs(d.OutputChanges); err != nil {
			a.log.Warn("applying output changes failed", "err", err)
			return
		}
		a.log.Info("output configuration applied", "outputs", len(d.OutputChanges))
	}
	if !d.RestartRequired {
		a.cfg.Store(new)
	}
}

func (a *App) applyOutputs(changes []config.OutputDiff) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.node.Do(ctx, func(inst *dam.Instance) error {
		var errs []error
		for _, oc := range changes {
			if oc.DownstreamSetupChanged {
				errs = append(errs, inst.SetDownstreamSetup([]dam.DownstreamSetup{
					{OutputPortID: oc.ID, DurationMs: oc.NewDownstreamSetupMs},
				}))
			}
			if oc.MapChanged {
				errs = append(errs, inst.SetOutputChannels([]dam.OutputChannels{
					{PortID: oc.ID, Map: channelMap(oc.NewMap)},
				}))
			}
		}
		return errors.Join(errs...)
	})
}

// Config returns the configuration currently in effect.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// ─── Control links ────────────────────────────────────────────────────────────

func (a *App) declared(id uint32) bool {
	for _, cp := range a.cfg.Load().ControlPorts {
		if cp.ID == id {
			return true
		}
	}
	return false
}

// serveControl runs the control link of one control port until either side
// closes it.
func (a *App) serveControl(w http.ResponseWriter, r *http.Request) {
	id64, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		http.Error(w, "invalid control port id", http.StatusBadRequest)
		return
	}
	id := uint32(id64)
	if !a.declared(id) {
		http.NotFound(w, r)
		return
	}
	lk, err := a.links.attach(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	defer a.links.detach(id, lk)

	ctx := r.Context()
	log := observe.Logger(ctx, a.log).With("ctrl_port_id", id)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn("control link upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxControlMessage)

	if err := a.node.Do(ctx, func(inst *dam.Instance) error { return inst.ControlPeerConnected(id) }); err != nil {
		log.Warn("control peer rejected", "err", err)
		conn.Close(websocket.StatusInternalError, "control port unavailable")
		return
	}
	log.Info("control link connected", "remote", r.RemoteAddr)
	defer func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectTimeout)
		defer cancel()
		err := a.node.Do(dctx, func(inst *dam.Instance) error { return inst.ControlPeerDisconnected(id) })
		if err != nil && !errors.Is(err, ErrNodeStopped) {
			log.Warn("control peer disconnect failed", "err", err)
		}
		log.Info("control link disconnected")
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.writeLink(gctx, conn, lk, log) })
	g.Go(func() error { return a.readLink(gctx, conn, id, log) })
	err = g.Wait()

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrNodeStopped) {
		log.Warn("control link failed", "err", err)
	}
	conn.Close(websocket.StatusGoingAway, "")
}

// readLink dispatches inbound binary messages to the node. Handling errors
// are logged; the link stays up.
func (a *App) readLink(ctx context.Context, conn *websocket.Conn, id uint32, log *slog.Logger) error {
	for {
		typ, msg, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageBinary {
			log.Debug("ignoring non-binary control message")
			continue
		}
		err = a.node.Do(ctx, func(inst *dam.Instance) error { return inst.HandleControl(ctx, id, msg) })
		switch {
		case errors.Is(err, ErrNodeStopped), ctx.Err() != nil:
			return err
		case err != nil:
			log.Warn("control message rejected", "bytes", len(msg), "err", err)
		}
	}
}

// writeLink forwards queued outbound messages to the peer.
func (a *App) writeLink(ctx context.Context, conn *websocket.Conn, lk *link, log *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-lk.ready:
		}
		msgs, dropped := lk.drain()
		if dropped > 0 {
			log.Warn("control link fell behind, messages dropped", "dropped", dropped)
		}
		for _, m := range msgs {
			if err := conn.Write(ctx, websocket.MessageBinary, m); err != nil {
				return err
			}
		}
	}
}
