package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"ransomguard/config"
	"ransomguard/detector"
	"ransomguard/ml"
)

// multipartSlack covers multipart boundaries and part headers on top of the
// file itself.
const multipartSlack = 64 << 10

// Server exposes a Detector over HTTP.
type Server struct {
	det     *detector.Detector
	cfg     config.ServerConfig
	limiter *Limiter
	log     *slog.Logger
	tracer  trace.Tracer
	handler http.Handler
}

func New(det *detector.Detector, cfg config.ServerConfig, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		det:     det,
		cfg:     cfg,
		limiter: NewLimiter(cfg.RateLimit),
		log:     log,
		tracer:  otel.Tracer("ransomguard/server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/classify", s.ClassifyHandler)
	mux.HandleFunc("GET /v1/model", s.ModelHandler)
	mux.HandleFunc("GET /healthz", s.HealthHandler)
	mux.Handle("GET /metrics", promhttp.Handler())
	s.handler = s.accessLog(mux)
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves until ctx is cancelled, then drains in-flight
// requests for up to the write timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeoutDuration(),
		WriteTimeout:      s.cfg.WriteTimeoutDuration(),
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.limiter.RunCleanup(ctx, time.Minute)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), s.cfg.WriteTimeoutDuration())
	defer stop()
	s.log.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

type classifyResponse struct {
	*detector.Result
	Detail string `json:"detail,omitempty"`
}

type modelResponse struct {
	ml.BundleInfo
	Threshold   float64 `json:"threshold"`
	MaxFileSize int64   `json:"max_file_size"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string, kind ml.FailureKind, cause error) {
	resp := errorResponse{Error: msg, Kind: string(kind), RequestID: detector.RequestID(r.Context())}
	if s.cfg.ExposeErrorDetails && cause != nil {
		resp.Detail = cause.Error()
	}
	writeJSON(w, status, resp)
}

func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) ModelHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, modelResponse{
		BundleInfo:  s.det.Bundle().Info(),
		Threshold:   s.det.Interpreter().Threshold,
		MaxFileSize: s.det.Limits().MaxFileSize,
	})
}

// ClassifyHandler accepts either a multipart form with a "file" part or the
// sample as the raw request body.
func (s *Server) ClassifyHandler(w http.ResponseWriter, r *http.Request) {
	switch action, delay := s.limiter.Check(clientAddr(r)); action {
	case ActionDrop:
		w.Header().Set("Retry-After", strconv.Itoa(int(delay/time.Second)+1))
		s.writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded", "", nil)
		return
	case ActionDelay:
		t := time.NewTimer(delay)
		select {
		case <-r.Context().Done():
			t.Stop()
			return
		case <-t.C:
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUpload+multipartSlack)

	name, body, err := uploadedFile(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid upload", "", err)
		return
	}

	res, err := s.det.ClassifyReader(r.Context(), name, body)
	if err != nil {
		var mbe *http.MaxBytesError
		switch {
		case errors.As(err, &mbe):
			s.writeError(w, r, http.StatusRequestEntityTooLarge, "upload too large", ml.FailureTooLarge, err)
		case ml.IsSchemaMismatch(err):
			s.log.Error("feature schema mismatch", "request_id", detector.RequestID(r.Context()), "error", err)
			s.writeError(w, r, http.StatusInternalServerError, "deployment error", ml.FailureSchemaMismatch, err)
		default:
			s.log.Error("classification failed", "request_id", detector.RequestID(r.Context()), "error", err)
			s.writeError(w, r, http.StatusInternalServerError, "internal error", "", err)
		}
		return
	}

	resp := classifyResponse{Result: res}
	if s.cfg.ExposeErrorDetails && res.Err != nil {
		resp.Detail = res.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func uploadedFile(r *http.Request) (string, io.Reader, error) {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt != "multipart/form-data" {
		return r.URL.Query().Get("name"), r.Body, nil
	}
	mr, err := r.MultipartReader()
	if err != nil {
		return "", nil, err
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return "", nil, errors.New(`multipart form has no "file" part`)
		}
		if err != nil {
			return "", nil, err
		}
		if part.FormName() == "file" {
			return part.FileName(), part, nil
		}
	}
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// accessLog assigns a request ID, opens a server span and logs one line per
// request with the trace ID.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get("X-Request-Id")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)

		ctx, span := s.tracer.Start(r.Context(), r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		ctx = detector.WithRequestID(ctx, id)

		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", sr.status))

		traceID := "-"
		if sc := span.SpanContext(); sc.IsValid() {
			traceID = sc.TraceID().String()
		}
		s.log.Info("access",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sr.status,
			"dur_ms", time.Since(start).Milliseconds(),
			"request_id", id,
			"trace_id", traceID,
			"client", clientAddr(r),
		)
	})
}
