package api

import (
	"fmt"
	"net/http"
	"regexp"

	"github.com/askdb/askdb/internal/config"
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func handleSchemaOverview(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	catalog := deps.Catalogs.Current()
	if catalog == nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "CATALOG_NOT_LOADED", "schema catalog is not loaded yet", true, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"schemas":   catalog.Schemas,
		"tables":    catalog.AllowedTables(),
		"loaded_at": catalog.LoadedAt,
	})
}

func handleSchemaTable(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	schemaName, tableName, ok := tablePathParams(deps, w, r)
	if !ok {
		return
	}

	catalog := deps.Catalogs.Current()
	table, found := catalog.Table(schemaName, tableName)
	if !found {
		writeError(r.Context(), w, http.StatusNotFound, "TABLE_NOT_FOUND",
			fmt.Sprintf("table %s.%s is not exposed", schemaName, tableName), false, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"schema": schemaName,
		"table":  tableName,
		"detail": table,
	})
}

func handleSchemaSample(cfg config.Config, deps Dependencies, w http.ResponseWriter, r *http.Request) {
	schemaName, tableName, ok := tablePathParams(deps, w, r)
	if !ok {
		return
	}

	catalog := deps.Catalogs.Current()
	ref := schemaName + "." + tableName
	if !catalog.TableAllowed(ref) {
		writeError(r.Context(), w, http.StatusNotFound, "TABLE_NOT_FOUND",
			fmt.Sprintf("table %s is not exposed", ref), false, nil)
		return
	}

	sampleRows := cfg.Schema.SampleRows
	if sampleRows <= 0 {
		sampleRows = 5
	}
	// Identifiers are validated against the allow-list and the identifier
	// pattern above, so interpolation is safe here.
	result := deps.Executor.Execute(r.Context(), fmt.Sprintf("SELECT * FROM %s LIMIT %d", ref, sampleRows), sampleRows)
	if !result.Success {
		writeError(r.Context(), w, http.StatusBadGateway, "SAMPLE_FAILED", result.ErrorReason, true, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"schema":    schemaName,
		"table":     tableName,
		"columns":   result.Columns,
		"rows":      result.Rows,
		"row_count": result.RowCount,
	})
}

func tablePathParams(deps Dependencies, w http.ResponseWriter, r *http.Request) (string, string, bool) {
	schemaName := r.PathValue("schema")
	tableName := r.PathValue("table")
	if !identifierPattern.MatchString(schemaName) || !identifierPattern.MatchString(tableName) {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "invalid schema or table name", false, nil)
		return "", "", false
	}
	if deps.Catalogs.Current() == nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "CATALOG_NOT_LOADED", "schema catalog is not loaded yet", true, nil)
		return "", "", false
	}
	return schemaName, tableName, true
}
