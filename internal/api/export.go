package api

import (
	"net/http"
	"slices"
	"strings"

	"github.com/askdb/askdb/internal/config"
	"github.com/askdb/askdb/internal/export"
	"github.com/askdb/askdb/internal/observability"
	"github.com/askdb/askdb/internal/sqlguard"
)

type exportRequest struct {
	SQL string `json:"sql"`
}

// handleExport re-validates the submitted SQL before running it; clients
// may only export statements that would pass the chat path.
func handleExport(cfg config.Config, deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Exporter == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "EXPORT_DISABLED", "export storage is not configured", false, nil)
		return
	}

	format := strings.ToLower(r.PathValue("format"))
	if !slices.Contains(export.Formats(), format) {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "unsupported export format", false,
			map[string]any{"formats": export.Formats()})
		return
	}

	var req exportRequest
	if err := decodeJSONBody(r, &req); err != nil || strings.TrimSpace(req.SQL) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "sql is required", false, nil)
		return
	}

	catalog := deps.Catalogs.Current()
	if catalog == nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "CATALOG_NOT_LOADED", "schema catalog is not loaded yet", true, nil)
		return
	}
	guard := sqlguard.New(catalog, cfg.Limits.MaxResultRows)
	verdict := guard.Validate(req.SQL)
	if !verdict.Valid {
		observability.IncValidationRejected(verdict.Stage)
		writeError(r.Context(), w, http.StatusBadRequest, "VALIDATION_REJECTED", verdict.Reason, false, nil)
		return
	}

	result := deps.Executor.Execute(r.Context(), req.SQL, cfg.Limits.MaxResultRows)
	if !result.Success {
		writeError(r.Context(), w, http.StatusBadGateway, "EXECUTION_FAILED", result.ErrorReason, true, nil)
		return
	}

	artifact, err := deps.Exporter.Export(r.Context(), result, format)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "EXPORT_FAILED", "could not build export artifact", true, nil)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}
