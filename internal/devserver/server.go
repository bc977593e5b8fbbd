package devserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/todo-maistro/internal/errors"
	"github.com/p-blackswan/todo-maistro/internal/frame"
	"github.com/p-blackswan/todo-maistro/internal/health"
	"github.com/p-blackswan/todo-maistro/internal/metrics"
	"github.com/p-blackswan/todo-maistro/internal/requestid"
	"github.com/p-blackswan/todo-maistro/internal/store"
)

const (
	queuedResponse = "Job queued successfully. Use /stream endpoint to get real-time updates."
	wsWriteTimeout = 10 * time.Second
)

// ServerConfig holds configuration for the development backend.
type ServerConfig struct {
	ListenAddr        string
	WSListenAddr      string
	CORSOrigins       string
	KeepaliveInterval time.Duration
}

// Server is the development backend: a Fiber app for the HTTP API and a
// net/http server for WebSocket streams.
type Server struct {
	app      *fiber.App
	ws       *http.Server
	upgrader websocket.Upgrader
	engine   *Engine
	broker   Broker
	store    *store.Store
	checker  *health.Checker
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	config   ServerConfig
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewServer creates and configures the backend.
func NewServer(
	cfg ServerConfig,
	engine *Engine,
	broker Broker,
	st *store.Store,
	checker *health.Checker,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Server {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 15 * time.Second
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		app:      app,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		engine:   engine,
		broker:   broker,
		store:    st,
		checker:  checker,
		metrics:  m,
		logger:   logger.With().Str("component", "devserver").Logger(),
		config:   cfg,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.ws = &http.Server{
		Addr:              cfg.WSListenAddr,
		Handler:           s.WSHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.setupMiddleware(cfg)
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware(cfg ServerConfig) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// Request ID: keep the client's so both sides log the same id. Header
	// values alias the request buffer, which fasthttp reuses on keep-alive
	// connections, and the id outlives the handler in queued jobs.
	s.app.Use(func(c *fiber.Ctx) error {
		reqID := requestid.OrNew(utils.CopyString(c.Get(requestid.Header)))
		c.Set(requestid.Header, reqID)
		c.Locals("request_id", reqID)
		c.SetUserContext(requestid.WithRequestID(c.UserContext(), reqID))
		return c.Next()
	})

	if cfg.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, X-Request-ID",
			AllowMethods: "GET, POST, OPTIONS",
		}))
	}

	s.app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		if path == "/health" || path == "/metrics" {
			return c.Next()
		}
		s.logger.Info().
			Str("method", c.Method()).
			Str("path", path).
			Str("ip", c.IP()).
			Str("request_id", requestID(c)).
			Msg("api request")
		return c.Next()
	})
}

func (s *Server) setupRoutes() {
	s.app.Get("/", s.root)
	s.app.Get("/health", s.health)
	s.app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))

	s.app.Post("/chat/new", s.chatNew)
	s.app.Post("/chat/continue", s.chatContinue)
	s.app.Post("/chat/new/stream", s.chatStream(false))
	s.app.Post("/chat/continue/stream", s.chatStream(true))

	s.app.Get("/stream/:job_id", s.streamJob)
	s.app.Get("/jobs/:job_id/status", s.jobStatus)

	s.app.Post("/todos/get", s.getTodos)
}

// WSHandler serves /ws/stream/{job_id}, the job's frames as text messages,
// and the liveness and readiness endpoints.
func (s *Server) WSHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/stream/{job_id}", s.wsStream)
	mux.HandleFunc("GET /health", health.LivenessHandler())
	mux.HandleFunc("GET /ready", s.checker.ReadinessHandler())
	return mux
}

// Start serves the HTTP API. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":8000"
	}
	s.logger.Info().Str("addr", addr).Msg("chat API server starting")
	return s.app.Listen(addr)
}

// Listener serves the HTTP API on ln. Blocks until stopped.
func (s *Server) Listener(ln net.Listener) error {
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("chat API server starting")
	return s.app.Listener(ln)
}

// StartWS serves WebSocket streams. Blocks until stopped.
func (s *Server) StartWS() error {
	if s.ws.Addr == "" {
		s.ws.Addr = ":8001"
	}
	s.logger.Info().Str("addr", s.ws.Addr).Msg("websocket server starting")
	if err := s.ws.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown ends open streams and stops both servers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("chat API server shutting down")
	s.cancel()
	wsErr := s.ws.Shutdown(ctx)
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return err
	}
	return wsErr
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

// --- handlers ---

type chatRequest struct {
	UserID   string `json:"user_id"`
	ThreadID string `json:"thread_id"`
	Message  string `json:"message"`
}

type chatResponse struct {
	JobID    string `json:"job_id"`
	ThreadID string `json:"thread_id"`
	Response string `json:"response,omitempty"`
}

type jobStatusResponse struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	ThreadID  string `json:"thread_id,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	Error     string `json:"error,omitempty"`
}

type todoResponse struct {
	ID             string   `json:"id"`
	Task           string   `json:"task"`
	TimeToComplete *int     `json:"time_to_complete"`
	Deadline       *string  `json:"deadline"`
	Solutions      []string `json:"solutions"`
	Status         string   `json:"status"`
}

type todoListResponse struct {
	UserID string         `json:"user_id"`
	Todos  []todoResponse `json:"todos"`
}

func (s *Server) root(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"message": "todo-maistro development backend",
		"endpoints": fiber.Map{
			"POST /chat/new":            "Start a conversation (returns job_id)",
			"POST /chat/continue":       "Continue a conversation (returns job_id)",
			"POST /chat/new/stream":     "Start a conversation and stream the reply",
			"POST /chat/continue/stream": "Continue a conversation and stream the reply",
			"GET /stream/{job_id}":      "Stream job results in real-time",
			"GET /ws/stream/{job_id}":   "Stream job results over WebSocket",
			"GET /jobs/{job_id}/status": "Get job status",
			"POST /todos/get":           "Get a user's todos",
			"GET /health":               "Health check",
		},
	})
}

func (s *Server) health(c *fiber.Ctx) error {
	rep := s.checker.Report(c.UserContext())
	status := fiber.StatusOK
	if rep.Status != health.Healthy {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(rep)
}

// parseChat decodes and validates a chat request. needThread is true for the
// continue endpoints.
func (s *Server) parseChat(c *fiber.Ctx, needThread bool) (*chatRequest, error) {
	var req chatRequest
	if err := c.BodyParser(&req); err != nil {
		return nil, problemResponse(c, fiber.StatusBadRequest, "invalid_body", "Bad Request", "Invalid JSON body")
	}
	req.Message = strings.TrimSpace(req.Message)
	switch {
	case req.UserID == "":
		return nil, problemResponse(c, fiber.StatusBadRequest, "validation_error", "Bad Request", "user_id is required")
	case req.Message == "":
		return nil, problemResponse(c, fiber.StatusBadRequest, "validation_error", "Bad Request", "message is required")
	case needThread && req.ThreadID == "":
		return nil, problemResponse(c, fiber.StatusBadRequest, "validation_error", "Bad Request", "thread_id is required")
	case !needThread:
		req.ThreadID = ""
	}
	return &req, nil
}

func (s *Server) submit(c *fiber.Ctx, req *chatRequest) (*Job, error) {
	job, err := s.engine.Submit(c.UserContext(), req.UserID, req.ThreadID, req.Message, requestID(c))
	if err == nil {
		return job, nil
	}
	s.metrics.RecordError("devserver", "submit")
	if errors.Is(err, ErrQueueFull) {
		return nil, problemResponse(c, fiber.StatusServiceUnavailable, "queue_full", "Service Unavailable", "Job queue is full, try again later")
	}
	s.logger.Error().Err(err).Str("request_id", requestID(c)).Msg("failed to queue job")
	return nil, problemResponse(c, fiber.StatusInternalServerError, "internal_error", "Internal Server Error", "Failed to queue job")
}

func (s *Server) chatNew(c *fiber.Ctx) error {
	return s.chat(c, false)
}

func (s *Server) chatContinue(c *fiber.Ctx) error {
	return s.chat(c, true)
}

func (s *Server) chat(c *fiber.Ctx, cont bool) error {
	req, err := s.parseChat(c, cont)
	if req == nil {
		return err
	}
	job, err := s.submit(c, req)
	if job == nil {
		return err
	}
	return c.JSON(chatResponse{JobID: job.ID, ThreadID: job.ThreadID, Response: queuedResponse})
}

// chatStream submits a job and streams its frames in the response body, one
// "data: <json>" line per frame.
func (s *Server) chatStream(cont bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		req, err := s.parseChat(c, cont)
		if req == nil {
			return err
		}
		job, err := s.submit(c, req)
		if job == nil {
			return err
		}

		c.Set(fiber.HeaderContentType, "text/plain; charset=utf-8")
		c.Set(fiber.HeaderCacheControl, "no-cache")
		c.Set("X-Accel-Buffering", "no")
		c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
			s.pump(s.ctx, job.ID, func(f frame.Frame) error {
				if err := frame.WriteLine(w, f); err != nil {
					return err
				}
				return w.Flush()
			})
		})
		return nil
	}
}

func (s *Server) streamJob(c *fiber.Ctx) error {
	// The stream writer runs after the handler returns.
	jobID := utils.CopyString(c.Params("job_id"))

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		s.pump(s.ctx, jobID, func(f frame.Frame) error {
			if err := frame.WriteEvent(w, f); err != nil {
				return err
			}
			return w.Flush()
		})
	})
	return nil
}

func (s *Server) wsStream(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	log := s.logger.With().Str("job_id", jobID).Str("request_id", requestid.OrNew(r.Header.Get(requestid.Header))).Logger()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	// The reader only notices the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.pump(ctx, jobID, func(f frame.Frame) error {
		b, err := frame.Encode(f)
		if err != nil {
			return err
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteMessage(websocket.TextMessage, b)
	})

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	log.Debug().Msg("websocket stream closed")
}

// pump writes a job's frames until a terminal frame, a write error or ctx
// ends. It opens with a start frame and sends a keepalive whenever no frame
// arrives for a keepalive interval.
func (s *Server) pump(ctx context.Context, jobID string, write func(frame.Frame) error) {
	log := s.logger.With().Str("job_id", jobID).Logger()

	meta, err := s.broker.Meta(ctx, jobID)
	if err != nil {
		if !errors.Is(err, perrors.ErrNotFound) {
			log.Error().Err(err).Msg("failed to load job")
			_ = write(frame.Fail(jobID, "Stream error"))
			return
		}
		_ = write(frame.Fail(jobID, "Job not found"))
		return
	}
	if err := write(frame.Start(jobID, meta.ThreadID)); err != nil {
		return
	}

	last := FirstID
	for {
		entries, err := s.broker.Read(ctx, jobID, last, s.config.KeepaliveInterval)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("stream read failed")
				s.metrics.RecordError("devserver", "stream")
				_ = write(frame.Fail(jobID, "Stream error"))
			}
			return
		}

		for _, e := range entries {
			last = e.ID
			if e.Frame.Kind == frame.KindUnknown {
				continue
			}
			if err := write(e.Frame); err != nil {
				log.Debug().Err(err).Msg("client went away")
				return
			}
			if e.Frame.Kind.Terminal() {
				return
			}
		}
		if len(entries) > 0 {
			continue
		}

		if _, err := s.broker.Meta(ctx, jobID); errors.Is(err, perrors.ErrNotFound) {
			_ = write(frame.Fail(jobID, "Job expired"))
			return
		}
		if err := write(frame.Keepalive()); err != nil {
			log.Debug().Err(err).Msg("client went away")
			return
		}
	}
}

func (s *Server) jobStatus(c *fiber.Ctx) error {
	jobID := c.Params("job_id")
	meta, err := s.broker.Meta(c.UserContext(), jobID)
	if errors.Is(err, perrors.ErrNotFound) {
		return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found", "Job not found")
	}
	if err != nil {
		return err
	}
	resp := jobStatusResponse{
		JobID:    jobID,
		Status:   meta.Status,
		ThreadID: meta.ThreadID,
		Error:    meta.Error,
	}
	if !meta.CreatedAt.IsZero() {
		resp.CreatedAt = meta.CreatedAt.Format(time.RFC3339)
	}
	return c.JSON(resp)
}

func (s *Server) getTodos(c *fiber.Ctx) error {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest, "invalid_body", "Bad Request", "Invalid JSON body")
	}
	if req.UserID == "" {
		return problemResponse(c, fiber.StatusBadRequest, "validation_error", "Bad Request", "user_id is required")
	}

	todos, err := s.store.ListTodos(req.UserID)
	if err != nil {
		return err
	}
	resp := todoListResponse{UserID: req.UserID, Todos: make([]todoResponse, 0, len(todos))}
	for _, t := range todos {
		resp.Todos = append(resp.Todos, todoResponse{
			ID:             t.ID,
			Task:           t.Task,
			TimeToComplete: t.TimeToComplete,
			Deadline:       t.Deadline,
			Solutions:      t.Solutions,
			Status:         t.Status,
		})
	}
	return c.JSON(resp)
}

func requestID(c *fiber.Ctx) string {
	if id, ok := c.Locals("request_id").(string); ok {
		return id
	}
	return ""
}
