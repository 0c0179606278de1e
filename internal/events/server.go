package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	slogGin "github.com/samber/slog-gin"
)

// Server defaults.
const (
	DefaultCallbackPath = "/events/feishu"
	maxCallbackBody     = 1 << 20
	shutdownTimeout     = 5 * time.Second
)

// RetryCounter reports the retry queue size for the status endpoint.
type RetryCounter interface {
	Counts() (live, dead int)
}

// ServerConfig wires the HTTP surface to the scheduler and intake.
type ServerConfig struct {
	Addr         string
	CallbackPath string
	Scheduler    *Scheduler
	Intake       *Intake
	Hub          *Hub
	Retries      RetryCounter // optional
	Logger       *slog.Logger
}

// Server exposes the callback endpoint, a status view, a manual trigger
// and the websocket status stream.
type Server struct {
	cfg    ServerConfig
	http   *http.Server
	logger *slog.Logger
}

// NewServer builds the routes. Nothing listens until ListenAndServe.
func NewServer(cfg ServerConfig) *Server {
	if cfg.CallbackPath == "" {
		cfg.CallbackPath = DefaultCallbackPath
	}

	s := &Server{cfg: cfg, logger: cfg.Logger}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the gin engine serving every route.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(slogGin.NewWithConfig(s.logger.WithGroup("http"), slogGin.Config{
		DefaultLevel:     slog.LevelDebug,
		ClientErrorLevel: slog.LevelWarn,
		ServerErrorLevel: slog.LevelError,
	}))
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	r.GET("/status", s.handleStatus)
	r.POST("/trigger", s.handleTrigger)
	r.POST(s.cfg.CallbackPath, s.handleCallback)

	if s.cfg.Hub != nil {
		r.GET("/stream", s.handleStream)
	}

	return r
}

func (s *Server) handleCallback(c *gin.Context) {
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxCallbackBody))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body_too_large"})
		return
	}

	v := s.cfg.Intake.Notify(c.Request.Context(), raw, Headers{
		Timestamp: c.GetHeader("X-Lark-Request-Timestamp"),
		Nonce:     c.GetHeader("X-Lark-Request-Nonce"),
		Signature: c.GetHeader("X-Lark-Signature"),
	})

	switch {
	case v.Reason == ReasonChallenge:
		c.JSON(http.StatusOK, gin.H{"challenge": v.Challenge})
	case v.Accepted:
		c.JSON(http.StatusOK, gin.H{"msg": "success", "queued": v.Triggered, "reason": v.Reason})
	default:
		c.JSON(rejectStatus(v.Reason), gin.H{"error": v.Reason})
	}
}

// rejectStatus maps a rejection reason to its HTTP status.
func rejectStatus(reason string) int {
	switch reason {
	case ReasonTokenInvalid, ReasonSignatureInvalid:
		return http.StatusUnauthorized
	case ReasonVerifyTokenMissing, ReasonEncryptKeyMissing:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	body := gin.H{"scheduler": s.cfg.Scheduler.Status()}

	if s.cfg.Intake != nil {
		body["intake"] = s.cfg.Intake.Stats()
	}

	if s.cfg.Retries != nil {
		live, dead := s.cfg.Retries.Counts()
		body["retries"] = gin.H{"live": live, "dead": dead}
	}

	if s.cfg.Hub != nil {
		body["stream_clients"] = s.cfg.Hub.Clients()
	}

	c.JSON(http.StatusOK, body)
}

func (s *Server) handleTrigger(c *gin.Context) {
	reason := c.DefaultQuery("reason", "api")

	sum, err := s.cfg.Scheduler.TriggerRun(c.Request.Context(), reason)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "summary": sum})
		return
	}

	c.JSON(http.StatusOK, sum)
}

func (s *Server) handleStream(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("status stream upgrade failed", slog.String("error", err.Error()))
		return
	}

	s.cfg.Hub.Serve(c.Request.Context(), conn)
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("events: listening on %s: %w", s.cfg.Addr, err)
	}

	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe over an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("callback server listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("callback_path", s.cfg.CallbackPath),
	)

	// Stream handlers hijack their connection; tying requests to ctx is
	// what ends them at shutdown.
	s.http.BaseContext = func(net.Listener) context.Context { return ctx }

	errc := make(chan error, 1)

	go func() {
		errc <- s.http.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("events: serving: %w", err)

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("events: shutting down server: %w", err)
		}

		s.logger.Info("callback server stopped")

		return nil
	}
}
