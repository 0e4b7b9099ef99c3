// Package httpapi serves a read-only status API for the daemon and relays
// bus envelopes to browsers over a websocket.
package httpapi

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"reportpulse/internal/eventbus"
	"reportpulse/internal/history"
	"reportpulse/internal/model"
	"reportpulse/internal/progress"
	"reportpulse/internal/reconcile"
	"reportpulse/internal/runtime/supervisor"
	"reportpulse/internal/storage"
	"reportpulse/internal/stream"
	logx "reportpulse/pkg/logx"
)

const (
	CodeNotFound     = "NOT_FOUND"
	CodeBadRequest   = "BAD_REQUEST"
	CodeUnavailable  = "UNAVAILABLE"
	CodeServiceError = "SERVICE_ERROR"
)

type Config struct {
	Addr            string
	BodyLimit       int
	ShutdownTimeout time.Duration
	Pprof           PprofConfig
	Relay           RelayConfig
}

// Sources the API reads from. Any of them may be nil except Connection and
// Progress; the matching endpoint then answers 503.
type ConnectionSource interface {
	Stats() stream.Stats
}

type ProgressSource interface {
	List() []progress.Entry
	Get(id model.JobID) (progress.Entry, bool)
	Stats() progress.Stats
}

type ReportsSource interface {
	Reports() reconcile.Snapshot
}

type HistorySource interface {
	Recent(ctx context.Context, limit int) ([]storage.Outcome, error)
}

// Bus is the dispatcher as seen by the relay and runtime endpoint.
type Bus interface {
	eventbus.Subscriber
	Stats() eventbus.Stats
}

type Deps struct {
	Connection ConnectionSource
	Progress   ProgressSource
	Reports    ReportsSource
	History    HistorySource
	Bus        Bus
	// Runtime returns supervisor snapshots keyed by component.
	Runtime func() map[string]supervisor.Snapshot
}

type Server struct {
	cfg   Config
	deps  Deps
	log   logx.Logger
	app   *fiber.App
	relay *relay

	mu     sync.Mutex
	ln     net.Listener
	sup    *supervisor.Supervisor
	detach func()
	start  time.Time
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8089"
	}
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = 64 * 1024
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{
		cfg:   cfg,
		deps:  deps,
		log:   log.With(logx.String("comp", "httpapi")),
		start: time.Now(),
	}
	if cfg.Relay.Enabled && deps.Bus != nil {
		s.relay = newRelay(cfg.Relay, s.log)
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "reportpulse",
		DisableStartupMessage: true,
		BodyLimit:             cfg.BodyLimit,
		ErrorHandler:          errorHandler,
	})
	s.routes()
	return s
}

// App exposes the fiber app (tests use app.Test).
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) routes() {
	s.app.Use(recover.New())
	s.app.Use(requestid.New())

	s.app.Get("/healthz", s.health)

	s.mountPprof()

	api := s.app.Group("/api/v1")
	api.Get("/connection", s.connection)
	api.Get("/progress", s.progressList)
	api.Get("/progress/:id", s.progressGet)
	api.Get("/reports", s.reports)
	api.Get("/history", s.history)
	api.Get("/runtime", s.runtime)

	if s.relay != nil {
		s.app.Use("/ws", func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		})
		s.app.Get("/ws", websocket.New(s.relay.serve))
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	if s.relay != nil {
		s.detach = s.deps.Bus.Subscribe(eventbus.Any, s.relay.broadcast)
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log), supervisor.WithCancelOnError(false))
	s.sup.Go("http.serve", func(c context.Context) error {
		err := s.app.Listener(ln)
		if c.Err() != nil {
			return nil
		}
		return err
	})
	s.log.Info("http api started", logx.String("addr", ln.Addr().String()), logx.Bool("relay", s.relay != nil), logx.Bool("pprof", s.cfg.Pprof.Enabled))
	return nil
}

// Addr is the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup, detach := s.sup, s.detach
	s.sup, s.detach, s.ln = nil, nil, nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	if detach != nil {
		detach()
	}
	if s.relay != nil {
		s.relay.close()
	}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	err := s.app.ShutdownWithContext(sctx)
	sup.Cancel()
	if werr := sup.Wait(sctx); err == nil {
		err = werr
	}
	return err
}

// Supervisor snapshot of the serve loop (nil before Start).
func (s *Server) Snapshot() *supervisor.Snapshot {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	snap := sup.Snapshot()
	return &snap
}

func (s *Server) health(c *fiber.Ctx) error {
	out := fiber.Map{
		"status": "ok",
		"uptime": time.Since(s.start).Round(time.Second).String(),
	}
	if s.deps.Connection != nil {
		out["connection"] = s.deps.Connection.Stats().Status
	}
	return c.JSON(out)
}

func (s *Server) connection(c *fiber.Ctx) error {
	if s.deps.Connection == nil {
		return apiError(c, fiber.StatusServiceUnavailable, CodeUnavailable, "stream client not configured")
	}
	return c.JSON(s.deps.Connection.Stats())
}

func (s *Server) progressList(c *fiber.Ctx) error {
	if s.deps.Progress == nil {
		return apiError(c, fiber.StatusServiceUnavailable, CodeUnavailable, "progress table not configured")
	}
	entries := s.deps.Progress.List()
	if entries == nil {
		entries = []progress.Entry{}
	}
	return c.JSON(fiber.Map{
		"entries": entries,
		"stats":   s.deps.Progress.Stats(),
	})
}

func (s *Server) progressGet(c *fiber.Ctx) error {
	if s.deps.Progress == nil {
		return apiError(c, fiber.StatusServiceUnavailable, CodeUnavailable, "progress table not configured")
	}
	id := model.JobID(strings.TrimSpace(c.Params("id")))
	if id.IsZero() {
		return apiError(c, fiber.StatusBadRequest, CodeBadRequest, "missing report id")
	}
	e, ok := s.deps.Progress.Get(id)
	if !ok {
		return apiError(c, fiber.StatusNotFound, CodeNotFound, "no progress for report "+id.String())
	}
	return c.JSON(e)
}

func (s *Server) reports(c *fiber.Ctx) error {
	if s.deps.Reports == nil {
		return apiError(c, fiber.StatusServiceUnavailable, CodeUnavailable, "reconciliation disabled")
	}
	snap := s.deps.Reports.Reports()
	if snap.Reports == nil {
		snap.Reports = []model.Report{}
	}
	return c.JSON(snap)
}

func (s *Server) history(c *fiber.Ctx) error {
	if s.deps.History == nil {
		return apiError(c, fiber.StatusServiceUnavailable, CodeUnavailable, "history disabled")
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return apiError(c, fiber.StatusBadRequest, CodeBadRequest, "limit must be a positive integer")
		}
		limit = min(n, 1000)
	}
	out, err := s.deps.History.Recent(c.UserContext(), limit)
	if err != nil {
		if errors.Is(err, history.ErrDisabled) {
			return apiError(c, fiber.StatusServiceUnavailable, CodeUnavailable, "history disabled")
		}
		s.log.Warn("history read failed", logx.Err(err))
		return apiError(c, fiber.StatusInternalServerError, CodeServiceError, "history read failed")
	}
	if out == nil {
		out = []storage.Outcome{}
	}
	return c.JSON(fiber.Map{"outcomes": out})
}

func (s *Server) runtime(c *fiber.Ctx) error {
	out := fiber.Map{}
	sups := map[string]supervisor.Snapshot{}
	if s.deps.Runtime != nil {
		for k, v := range s.deps.Runtime() {
			sups[k] = v
		}
	}
	if snap := s.Snapshot(); snap != nil {
		sups["httpapi"] = *snap
	}
	out["supervisors"] = sups
	if s.deps.Bus != nil {
		out["bus"] = s.deps.Bus.Stats()
	}
	if s.relay != nil {
		out["relay"] = s.relay.stats()
	}
	return c.JSON(out)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func apiError(c *fiber.Ctx, status int, code, msg string) error {
	return c.Status(status).JSON(errorBody{Error: errorDetail{Code: code, Message: msg}})
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	msg := "Internal Server Error"
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		msg = fe.Message
	}
	kind := CodeServiceError
	if code == fiber.StatusNotFound {
		kind = CodeNotFound
	}
	return apiError(c, code, kind, msg)
}
