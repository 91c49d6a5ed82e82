// Package handler provides the HTTP control plane of the dehydrator.
//
// Handlers decode JSON with goccy/go-json, call into the controller and map
// errors to HTTP status codes through the errors package.
package handler

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/kilnworks/dehydrator/config"
	"github.com/kilnworks/dehydrator/internal/calib"
	"github.com/kilnworks/dehydrator/internal/errors"
	"github.com/kilnworks/dehydrator/internal/export"
	"github.com/kilnworks/dehydrator/internal/logging"
	"github.com/kilnworks/dehydrator/internal/schedule"
	"github.com/kilnworks/dehydrator/internal/storage/parquet"
)

var log = logging.Component("handler")

// Controller is the part of the controller the control plane drives.
type Controller interface {
	Config() schedule.Config
	SetConfig(next schedule.Config) (bool, error)
	Calibrations() [2]calib.LinearCalibration
	Calibrate(req calib.Request) error
	Restart()
	Progress() int
	Shutdown() error
}

// Options configures the handler.
type Options struct {
	// MaxRequestBytes limits POST bodies.
	// Default: 64 KiB
	MaxRequestBytes int64

	// Parquet configures the Parquet export.
	Parquet parquet.Options
}

// DefaultOptions returns default handler options.
func DefaultOptions() Options {
	return Options{
		MaxRequestBytes: config.DefaultMaxRequestBytes,
		Parquet:         parquet.DefaultOptions(),
	}
}

// =============================================================================
// Handler
// =============================================================================

// Handler serves the control plane.
type Handler struct {
	ctrl Controller
	log  export.Source
	opts Options

	requestID atomic.Uint64
}

// NewHandler creates a handler over the controller and the measurement log.
func NewHandler(ctrl Controller, src export.Source, opts Options) *Handler {
	if opts.MaxRequestBytes <= 0 {
		opts.MaxRequestBytes = config.DefaultMaxRequestBytes
	}
	return &Handler{ctrl: ctrl, log: src, opts: opts}
}

// Router returns the routes wrapped in request id, access logging and
// panic recovery middleware.
func (h *Handler) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(h.withRequestID)

	r.HandleFunc("/config", h.getConfig).Methods(http.MethodGet)
	r.HandleFunc("/config", h.postConfig).Methods(http.MethodPost)
	r.HandleFunc("/calib", h.getCalib).Methods(http.MethodGet)
	r.HandleFunc("/calib", h.postCalib).Methods(http.MethodPost)
	r.HandleFunc("/restart", h.postRestart).Methods(http.MethodPost)
	r.HandleFunc("/shutdown", h.postShutdown).Methods(http.MethodPost)
	r.HandleFunc("/progress", h.getProgress).Methods(http.MethodGet)
	r.Handle("/measurement.csv", handlers.CompressHandler(http.HandlerFunc(h.getCSV))).Methods(http.MethodGet)
	r.HandleFunc("/measurement.parquet", h.getParquet).Methods(http.MethodGet)
	r.HandleFunc("/measurement/stats", h.getStats).Methods(http.MethodGet)

	logged := handlers.CustomLoggingHandler(io.Discard, r, accessLog)
	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{}),
		handlers.PrintRecoveryStack(false),
	)(logged)
}

func (h *Handler) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.ContextWithRequestID(r.Context(), h.requestID.Add(1))
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				ctx = logging.ContextWithRoute(ctx, tmpl)
			}
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// accessLog feeds gorilla's access log parameters into slog.
func accessLog(_ io.Writer, p handlers.LogFormatterParams) {
	level := logging.Debug
	if p.StatusCode >= http.StatusInternalServerError {
		level = logging.Warn
	}
	level("request",
		"method", p.Request.Method,
		"path", p.URL.Path,
		"status", p.StatusCode,
		"bytes", p.Size,
		"remote", p.Request.RemoteAddr,
		"duration", time.Since(p.TimeStamp))
}

type recoveryLogger struct{}

func (recoveryLogger) Println(v ...interface{}) {
	log.Error("handler panic recovered", "panic", fmt.Sprint(v...))
}

// =============================================================================
// Error Handling - uses the status mapping from the errors package
// =============================================================================

// HandlerError is an error with the HTTP status it is reported with.
type HandlerError struct {
	Status  int
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *HandlerError) Unwrap() error {
	return e.Cause
}

// NewErrorFromErr creates a handler error from a sentinel error.
// It maps the error to the matching HTTP status.
func NewErrorFromErr(err error, msg string) *HandlerError {
	fullMsg := msg
	if err != nil && msg != "" {
		fullMsg = fmt.Sprintf("%s: %v", msg, err)
	} else if err != nil {
		fullMsg = err.Error()
	}
	return &HandlerError{Status: errors.ErrorToStatus(err), Message: fullMsg, Cause: err}
}

// ErrInvalidRequest creates a bad request error.
func ErrInvalidRequest(msg string, cause error) *HandlerError {
	return NewErrorFromErr(fmt.Errorf("%w: %v", errors.ErrInvalidRequest, cause), msg)
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, herr *HandlerError) {
	l := logging.WithContext(r.Context())
	if herr.Status >= http.StatusInternalServerError {
		l.Error("request failed", "status", herr.Status, "error", herr.Message)
	} else {
		l.Info("request rejected", "status", herr.Status, "error", herr.Message)
	}
	writeJSON(w, herr.Status, errorBody{Error: herr.Message})
}

// =============================================================================
// JSON helpers
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("response write failed", "error", err)
	}
}

func (h *Handler) readJSON(w http.ResponseWriter, r *http.Request, v any) *HandlerError {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.MaxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &HandlerError{
				Status:  http.StatusRequestEntityTooLarge,
				Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
				Cause:   err,
			}
		}
		return ErrInvalidRequest("read body", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return ErrInvalidRequest("decode body", err)
	}
	return nil
}
