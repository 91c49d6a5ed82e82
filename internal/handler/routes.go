package handler

import (
	"bytes"
	"io"
	"net/http"
	"strconv"

	"github.com/kilnworks/dehydrator/internal/calib"
	"github.com/kilnworks/dehydrator/internal/export"
	"github.com/kilnworks/dehydrator/internal/logging"
	"github.com/kilnworks/dehydrator/internal/schedule"
)

// =============================================================================
// Configuration
// =============================================================================

func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Config())
}

func (h *Handler) postConfig(w http.ResponseWriter, r *http.Request) {
	var next schedule.Config
	if herr := h.readJSON(w, r, &next); herr != nil {
		h.writeError(w, r, herr)
		return
	}

	restarted, err := h.ctrl.SetConfig(next)
	if err != nil {
		h.writeError(w, r, NewErrorFromErr(err, "config"))
		return
	}
	logging.WithContext(r.Context()).Info("config updated", "restarted", restarted)
	w.WriteHeader(http.StatusOK)
}

// =============================================================================
// Calibration
// =============================================================================

func (h *Handler) getCalib(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Calibrations())
}

func (h *Handler) postCalib(w http.ResponseWriter, r *http.Request) {
	var req calib.Request
	if herr := h.readJSON(w, r, &req); herr != nil {
		h.writeError(w, r, herr)
		return
	}

	if err := h.ctrl.Calibrate(req); err != nil {
		h.writeError(w, r, NewErrorFromErr(err, "calibrate"))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// =============================================================================
// Profile control
// =============================================================================

func (h *Handler) postRestart(w http.ResponseWriter, r *http.Request) {
	h.ctrl.Restart()
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) postShutdown(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Shutdown(); err != nil {
		h.writeError(w, r, NewErrorFromErr(err, "shutdown"))
		return
	}
	w.WriteHeader(http.StatusOK)
}

type progressBody struct {
	Progress int `json:"progress"`
}

func (h *Handler) getProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, progressBody{Progress: h.ctrl.Progress()})
}

// =============================================================================
// Measurements
// =============================================================================

// getCSV streams the export. A failure before the first byte still gets an
// error status; later ones can only be reported in the X-Export-Error trailer.
// X-Row-Count is a trailer too since it is known only at the end.
func (h *Handler) getCSV(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="measurement.csv"`)
	w.Header().Set("Trailer", "X-Row-Count, X-Export-Error")

	cw := &countingWriter{w: w}
	rows, err := export.WriteCSV(r.Context(), cw, h.log)
	if err != nil && cw.n == 0 {
		w.Header().Del("Trailer")
		w.Header().Del("Content-Disposition")
		h.writeError(w, r, NewErrorFromErr(err, "csv export"))
		return
	}
	if err != nil {
		logging.WithContext(r.Context()).Error("csv export failed mid-stream",
			"rows", rows, "bytes", cw.n, "error", err)
		w.Header().Set("X-Export-Error", err.Error())
	}
	w.Header().Set("X-Row-Count", strconv.Itoa(rows))
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (h *Handler) getParquet(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	rows, err := export.WriteParquet(r.Context(), &buf, h.log, h.opts.Parquet)
	if err != nil {
		h.writeError(w, r, NewErrorFromErr(err, "parquet export"))
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apache.parquet")
	w.Header().Set("Content-Disposition", `attachment; filename="measurement.parquet"`)
	w.Header().Set("X-Row-Count", strconv.FormatInt(rows, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		logging.WithContext(r.Context()).Debug("parquet write failed", "error", err)
	}
}

func (h *Handler) getStats(w http.ResponseWriter, r *http.Request) {
	report, err := export.Stats(r.Context(), h.log)
	if err != nil {
		h.writeError(w, r, NewErrorFromErr(err, "stats"))
		return
	}
	writeJSON(w, http.StatusOK, report)
}
