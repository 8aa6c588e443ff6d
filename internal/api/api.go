// Package api exposes the RemindPipe HTTP surface: the WhatsApp channel
// webhooks, user registration and operator endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = ":8080"
	// MaxWebhookBodyBytes bounds the size of a webhook body.
	MaxWebhookBodyBytes = 1 << 20
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
)

// CloudWebhookReceiver accepts Cloud API webhook bodies.
type CloudWebhookReceiver interface {
	HandleWebhook(body []byte) (int, error)
}

// TwilioWebhookReceiver serves Twilio webhook requests.
type TwilioWebhookReceiver interface {
	TwilioWebhookHandler(w http.ResponseWriter, r *http.Request)
}

// Opts holds configuration for the API server.
type Opts struct {
	Addr        string
	VerifyToken string // Meta webhook verification token
	AppSecret   string // Meta app secret for X-Hub-Signature-256; empty disables the check
	Cloud       CloudWebhookReceiver
	Twilio      TwilioWebhookReceiver
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithCloudWebhook mounts the Cloud API webhook.
func WithCloudWebhook(receiver CloudWebhookReceiver, verifyToken, appSecret string) Option {
	return func(o *Opts) {
		o.Cloud = receiver
		o.VerifyToken = verifyToken
		o.AppSecret = appSecret
	}
}

// WithTwilioWebhook mounts the Twilio webhook.
func WithTwilioWebhook(receiver TwilioWebhookReceiver) Option {
	return func(o *Opts) { o.Twilio = receiver }
}

// Server is the HTTP API server.
type Server struct {
	st     store.Store
	jobs   store.JobRepo
	opts   Opts
	router chi.Router
}

// NewServer creates a Server. jobs may be nil when the store keeps no job queue.
func NewServer(st store.Store, jobs store.JobRepo, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{st: st, jobs: jobs, opts: cfg}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/health", s.healthHandler)

	r.Route("/webhook", func(r chi.Router) {
		if s.opts.Cloud != nil {
			r.Get("/whatsapp", s.verifyWebhookHandler)
			r.Post("/whatsapp", s.cloudWebhookHandler)
		}
		if s.opts.Twilio != nil {
			r.Post("/twilio", s.opts.Twilio.TwilioWebhookHandler)
		}
	})

	r.Post("/users", s.createUserHandler)
	r.Route("/users/{id}", func(r chi.Router) {
		r.Get("/", s.getUserHandler)
		r.Get("/reminders", s.listRemindersHandler)
	})
	r.Get("/jobs", s.listJobsHandler)
	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	slog.Info("Server.Run: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// requestLogger logs one line per request with slog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("Server: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"requestID", chiMiddleware.GetReqID(r.Context()))
	})
}
