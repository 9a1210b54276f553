package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"voicepipe/internal/config"
	"voicepipe/internal/execute"
	"voicepipe/internal/model"
	"voicepipe/internal/pipeline"
	"voicepipe/internal/transcription"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

type PipelineService interface {
	Process(ctx context.Context, in pipeline.ProcessInput) (pipeline.Result, error)
	ProcessStream(ctx context.Context, in pipeline.ProcessInput) (pipeline.StreamResult, error)
}

type Limiter interface {
	Allow(key string) bool
}

type UpstreamChecker interface {
	CheckModels(ctx context.Context) error
}

type MetricsObserver interface {
	ObserveHTTP(route, method string, status int, duration time.Duration)
	IncRateLimited()
	IncTranscriptionFallback()
	IncRefinementFallback()
	IncStreamError()
}

type Dependencies struct {
	Pipeline       PipelineService
	Limiter        Limiter
	Upstream       UpstreamChecker
	Metrics        MetricsObserver
	MetricsHandler http.Handler
}

type server struct {
	cfg          config.Config
	logger       *slog.Logger
	pipeline     PipelineService
	limiter      Limiter
	upstream     UpstreamChecker
	metrics      MetricsObserver
	metricsRoute http.Handler
}

type ctxKey string

const (
	requestIDHeader     = "X-Request-Id"
	requestIDContext    = ctxKey("request_id")
	transcriptHeader    = "X-Transcript"
	refinedPromptHeader = "X-Refined-Prompt"
)

func NewServer(cfg config.Config, logger *slog.Logger, deps Dependencies) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Pipeline == nil || deps.Limiter == nil || deps.Upstream == nil {
		panic("httpapi: pipeline, limiter, and upstream dependencies are required")
	}

	s := &server{
		cfg:          cfg,
		logger:       logger,
		pipeline:     deps.Pipeline,
		limiter:      deps.Limiter,
		upstream:     deps.Upstream,
		metrics:      deps.Metrics,
		metricsRoute: deps.MetricsHandler,
	}

	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(s.corsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/", s.handleIndex)
	if s.metricsRoute != nil {
		r.Handle("/metrics", s.metricsRoute)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimitMiddleware)
		r.Post("/process-voice", s.handleProcessVoice)
		r.Post("/process-voice-stream", s.handleProcessVoiceStream)
	})

	return r
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.HealthResponse{OK: true})
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	// Without a credential there is nothing to verify: the service starts
	// keyless and fails on first upstream use instead.
	if s.cfg.UpstreamAPIKey == "" {
		writeJSON(w, http.StatusOK, model.ReadyResponse{OK: true, ServiceName: "voicepipe"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.upstream.CheckModels(ctx); err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "upstream check failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, model.ReadyResponse{OK: true, ServiceName: "voicepipe"})
}

func (s *server) handleIndex(w http.ResponseWriter, r *http.Request) {
	http.ServeFile(w, r, filepath.Join(s.cfg.StaticDir, "index.html"))
}

func (s *server) handleProcessVoice(w http.ResponseWriter, r *http.Request) {
	file, header, form, err := s.readMultipartAudio(w, r)
	if err != nil {
		s.handleMultipartReadError(w, r, err)
		return
	}
	defer cleanupMultipartForm(form)
	defer func() { _ = file.Close() }()

	result, err := s.pipeline.Process(r.Context(), pipeline.ProcessInput{
		Audio:       file,
		ContentType: declaredContentType(r, header),
		Model:       strings.TrimSpace(r.FormValue("model")),
	})
	if err != nil {
		s.writeFatal(w, r, err)
		return
	}
	s.observePipeline(result.TranscriptionSource, result.RefinementDegraded)

	writeJSON(w, http.StatusOK, model.ProcessResponse{
		Raw:      result.Raw,
		Refined:  result.Refined,
		Response: result.Response,
	})
}

func (s *server) handleProcessVoiceStream(w http.ResponseWriter, r *http.Request) {
	file, header, form, err := s.readMultipartAudio(w, r)
	if err != nil {
		s.handleMultipartReadError(w, r, err)
		return
	}
	defer cleanupMultipartForm(form)
	defer func() { _ = file.Close() }()

	result, err := s.pipeline.ProcessStream(r.Context(), pipeline.ProcessInput{
		Audio:       file,
		ContentType: declaredContentType(r, header),
		Model:       strings.TrimSpace(r.FormValue("model")),
	})
	if err != nil {
		s.writeFatal(w, r, err)
		return
	}
	s.observePipeline(result.TranscriptionSource, result.RefinementDegraded)

	// Metadata is fixed before the first body byte; it never changes even
	// if a later fragment fails.
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set(transcriptHeader, headerSafe(result.Raw))
	w.Header().Set(refinedPromptHeader, headerSafe(result.Refined))
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	for frag := range result.Fragments {
		switch frag.Kind {
		case execute.FragmentChunk:
			_, _ = io.WriteString(w, frag.Text)
		case execute.FragmentError:
			if s.metrics != nil {
				s.metrics.IncStreamError()
			}
			s.logger.Warn("stream terminated by upstream error",
				"request_id", requestIDFromContext(r.Context()),
				"error", frag.Err,
			)
			_, _ = io.WriteString(w, "\n"+execute.ErrorMarker+" "+frag.Err.Error())
		case execute.FragmentEnd:
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *server) readMultipartAudio(w http.ResponseWriter, r *http.Request) (multipart.File, *multipart.FileHeader, *multipart.Form, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(minInt64(s.cfg.MaxUploadBytes, 8<<20)); err != nil {
		return nil, nil, nil, err
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		return nil, nil, r.MultipartForm, err
	}
	return file, header, r.MultipartForm, nil
}

func (s *server) handleMultipartReadError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		s.writeError(w, r, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
		return
	}
	if errors.Is(err, http.ErrMissingFile) {
		s.writeError(w, r, http.StatusBadRequest, "multipart field 'audio' is required")
		return
	}
	s.writeError(w, r, http.StatusBadRequest, "invalid multipart form data")
}

func (s *server) writeFatal(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		// Client is gone; status is moot but keep the log accurate.
		s.writeError(w, r, 499, "request canceled")
		return
	}
	s.logger.Error("pipeline failed",
		"request_id", requestIDFromContext(r.Context()),
		"error", err,
	)
	s.writeError(w, r, http.StatusInternalServerError, err.Error())
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	if rid := requestIDFromContext(r.Context()); rid != "" {
		w.Header().Set(requestIDHeader, rid)
	}
	writeJSON(w, status, model.ErrorResponse{Error: message})
}

func (s *server) observePipeline(source transcription.Source, refinementDegraded bool) {
	if s.metrics == nil {
		return
	}
	if source == transcription.SourceFallback {
		s.metrics.IncTranscriptionFallback()
	}
	if refinementDegraded {
		s.metrics.IncRefinementFallback()
	}
}

func (s *server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)
		ctx := context.WithValue(r.Context(), requestIDContext, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		duration := time.Since(started)
		if s.metrics != nil {
			s.metrics.ObserveHTTP(route, r.Method, status, duration)
		}

		s.logger.Info("http_request",
			"request_id", requestIDFromContext(r.Context()),
			"method", r.Method,
			"route", route,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", duration.Milliseconds(),
		)
	})
}

func (s *server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", "request_id", requestIDFromContext(r.Context()), "panic", rec)
				s.writeError(w, r, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := s.cfg.AllowedOrigin
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+requestIDHeader)
		// The streamed flow carries its metadata out of band; browsers only
		// see these headers if they are explicitly exposed.
		w.Header().Set("Access-Control-Expose-Headers", strings.Join([]string{transcriptHeader, refinedPromptHeader, requestIDHeader}, ", "))

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if !s.limiter.Allow(key) {
			if s.metrics != nil {
				s.metrics.IncRateLimited()
			}
			s.logger.Warn("rate limited",
				"request_id", requestIDFromContext(r.Context()),
				"client", key,
			)
			s.writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded, try again later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey buckets rate-limit state by request origin: the first entry of a
// proxy chain header when present, otherwise the direct peer address.
func clientKey(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func declaredContentType(r *http.Request, header *multipart.FileHeader) string {
	if mime := strings.TrimSpace(r.FormValue("mime")); mime != "" {
		return mime
	}
	return header.Header.Get("Content-Type")
}

// headerSafe collapses a transcript onto one line so it can travel in a
// response header.
func headerSafe(value string) string {
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.ReplaceAll(value, "\n", " ")
	return strings.TrimSpace(value)
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func cleanupMultipartForm(form *multipart.Form) {
	if form != nil {
		_ = form.RemoveAll()
	}
}

func requestIDFromContext(ctx context.Context) string {
	value, _ := ctx.Value(requestIDContext).(string)
	return value
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
