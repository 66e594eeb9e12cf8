package controlapi

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/rafaeljc/bifrost/internal/logger"
	"github.com/rafaeljc/bifrost/internal/registry"
	"github.com/rafaeljc/bifrost/internal/rollback"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
	"github.com/rafaeljc/bifrost/internal/service"
)

// maxBodyBytes bounds request payloads; flag definitions are small.
const maxBodyBytes = 1 << 20

// handleListFlags processes GET /api/v1/flags?page=&page_size=.
func (a *API) handleListFlags(w http.ResponseWriter, r *http.Request) {
	page, err := parseOptionalInt(r, "page", 1)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "ERR_INVALID_QUERY_PARAM", err.Error())
		return
	}
	pageSize, err := parseOptionalInt(r, "page_size", 50)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "ERR_INVALID_QUERY_PARAM", err.Error())
		return
	}

	// Out-of-bounds values are clamped rather than rejected.
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	if pageSize > 500 {
		pageSize = 500
	}

	flags := a.flags.ListFlags(r.Context())
	total := len(flags)

	// Pages past the end are empty. Checking before multiplying keeps a huge
	// page number from overflowing the offset.
	start := total
	if page-1 <= total/pageSize {
		start = min((page-1)*pageSize, total)
	}
	end := min(start+pageSize, total)

	totalPages := 0
	if total > 0 {
		totalPages = int(math.Ceil(float64(total) / float64(pageSize)))
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, ListResponse{
		Data: flags[start:end],
		Pagination: Pagination{
			TotalItems:  total,
			TotalPages:  totalPages,
			CurrentPage: page,
			PageSize:    pageSize,
		},
	})
}

// handleGetFlag processes GET /api/v1/flags/{id}.
func (a *API) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	flag, err := a.flags.GetFlagDefinition(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, flag)
}

// handleUpsertFlag processes PUT /api/v1/flags/{id}. The body is a complete flag
// definition; the id in the path wins and a conflicting body id is rejected.
func (a *API) handleUpsertFlag(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if errResp := validateFlagID(id); errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	var flag ruleengine.Flag
	if !decodeBody(w, r, &flag) {
		return
	}
	if flag.ID != "" && flag.ID != id {
		writeError(w, r, http.StatusBadRequest, "ERR_INVALID_INPUT",
			fmt.Sprintf("Body id %q does not match path id %q", flag.ID, id))
		return
	}
	flag.ID = id

	stored, err := a.flags.UpsertFlag(r.Context(), &flag)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if stored.Version == 1 {
		status = http.StatusCreated
	}
	logger.FromContext(r.Context()).Info("flag stored", slog.Int64("version", stored.Version))
	render.Status(r, status)
	render.JSON(w, r, stored)
}

// handleRollback processes POST /api/v1/flags/{id}/rollback.
func (a *API) handleRollback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req RollbackRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Sanitize()
	if errResp := req.Validate(); errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	ev, err := a.flags.RollbackFlag(r.Context(), id, req.Reason, req.Language)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	// A repeat is recorded but changes nothing, so nothing is created.
	status := http.StatusCreated
	if ev.Data.Repeated {
		status = http.StatusOK
	}
	render.Status(r, status)
	render.JSON(w, r, ev)
}

// handleGetMetrics processes GET /api/v1/flags/{id}/metrics.
func (a *API) handleGetMetrics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	series, err := a.flags.GetFlagMetrics(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, MetricsResponse{FlagID: id, Series: series})
}

// handleRecordMetric processes POST /api/v1/flags/{id}/metrics. Rollback
// triggers have already run when the response is written.
func (a *API) handleRecordMetric(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req RecordMetricRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if errResp := req.Validate(); errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	if err := a.flags.RecordMetric(r.Context(), id, req.Metric, *req.Value, req.Language); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]string{"status": "recorded"})
}

// handleEvaluate processes POST /api/v1/flags/{id}/evaluate. Unknown flags are
// not an error: the response carries the NOT_FOUND reason and the default.
func (a *API) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req EvaluateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, a.flags.Evaluate(r.Context(), id, req.Context, req.Default))
}

// handleRollbackHistory processes GET /api/v1/rollbacks?flag_id=.
func (a *API) handleRollbackHistory(w http.ResponseWriter, r *http.Request) {
	events := a.flags.GetRollbackHistory(r.Context(), r.URL.Query().Get("flag_id"))
	render.Status(r, http.StatusOK)
	render.JSON(w, r, HistoryResponse{Data: events})
}

// --- Private Helpers ---

// decodeBody decodes a JSON body into dst, writing a 400 response on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := render.DecodeJSON(r.Body, dst); err != nil {
		logger.FromContext(r.Context()).Warn("invalid json payload", slog.String("error", err.Error()))
		writeError(w, r, http.StatusBadRequest, "ERR_INVALID_JSON", "Invalid JSON payload: "+err.Error())
		return false
	}
	return true
}

// writeServiceError maps domain errors to HTTP responses.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, registry.ErrFlagNotFound):
		writeError(w, r, http.StatusNotFound, "ERR_NOT_FOUND", "Flag not found")
	case errors.Is(err, ruleengine.ErrInvalidFlag):
		writeError(w, r, http.StatusBadRequest, "ERR_INVALID_FLAG", err.Error())
	case errors.Is(err, service.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "ERR_INVALID_INPUT", err.Error())
	case errors.Is(err, rollback.ErrAlreadyRolledBack):
		writeError(w, r, http.StatusConflict, "ERR_CONFLICT", "Flag is already rolled back for this scope")
	default:
		logger.FromContext(r.Context()).Error("request failed", slog.String("error", err.Error()))
		writeError(w, r, http.StatusInternalServerError, "ERR_INTERNAL", "Internal server error")
	}
}

// parseOptionalInt extracts an integer from the query string.
// It only returns an error if the parameter is present but malformed.
func parseOptionalInt(r *http.Request, key string, defaultValue int) (int, error) {
	valStr := r.URL.Query().Get(key)
	if valStr == "" {
		return defaultValue, nil
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return 0, fmt.Errorf("parameter '%s' must be an integer", key)
	}
	return val, nil
}
