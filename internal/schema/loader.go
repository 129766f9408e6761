package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const columnsQuery = `
SELECT table_schema, table_name, column_name, data_type
FROM information_schema.columns
WHERE table_schema = ANY($1)
ORDER BY table_schema, table_name, ordinal_position`

// Loader reads table and column metadata for the configured schemas from the
// warehouse's information_schema.
type Loader struct {
	db             *sql.DB
	allowedSchemas []string
	restrict       map[string]struct{}
	descriptions   map[string]string
}

func NewLoader(db *sql.DB, allowedSchemas []string) *Loader {
	return &Loader{db: db, allowedSchemas: allowedSchemas}
}

// WithReadonlyTables narrows the allow-list to the given "schema.table"
// references. Empty means every table in the allowed schemas is exposed.
func (l *Loader) WithReadonlyTables(refs []string) *Loader {
	if len(refs) == 0 {
		return l
	}
	l.restrict = make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		ref = strings.ToLower(strings.TrimSpace(ref))
		if ref != "" {
			l.restrict[ref] = struct{}{}
		}
	}
	return l
}

// WithDescriptions attaches human-readable table descriptions keyed by
// "schema.table". Tables without an entry get a generated placeholder.
func (l *Loader) WithDescriptions(descriptions map[string]string) *Loader {
	l.descriptions = descriptions
	return l
}

// Load builds a fresh catalog snapshot. Every discovered table lands on the
// allow-list; tables outside allowedSchemas are never visible.
func (l *Loader) Load(ctx context.Context) (*Catalog, error) {
	rows, err := l.db.QueryContext(ctx, columnsQuery, schemaArray(l.allowedSchemas))
	if err != nil {
		return nil, fmt.Errorf("load schema metadata: %w", err)
	}
	defer rows.Close()

	schemas := make(map[string]SchemaInfo)
	var allowed []string
	for rows.Next() {
		var schemaName, tableName, columnName, dataType string
		if err := rows.Scan(&schemaName, &tableName, &columnName, &dataType); err != nil {
			return nil, fmt.Errorf("scan schema metadata: %w", err)
		}

		ref := schemaName + "." + tableName
		if l.restrict != nil {
			if _, ok := l.restrict[strings.ToLower(ref)]; !ok {
				continue
			}
		}

		schemaInfo, ok := schemas[schemaName]
		if !ok {
			schemaInfo = SchemaInfo{Tables: make(map[string]TableInfo)}
			schemas[schemaName] = schemaInfo
		}
		table, ok := schemaInfo.Tables[tableName]
		if !ok {
			table = TableInfo{
				Description: l.describe(ref),
				Columns:     make(map[string]string),
			}
			allowed = append(allowed, ref)
		}
		table.Columns[columnName] = dataType
		schemaInfo.Tables[tableName] = table
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema metadata: %w", err)
	}
	if len(allowed) == 0 {
		return nil, fmt.Errorf("no tables found in schemas %v", l.allowedSchemas)
	}

	return NewCatalog(schemas, allowed, time.Now().UTC()), nil
}

func (l *Loader) describe(ref string) string {
	if description, ok := l.descriptions[ref]; ok {
		return description
	}
	return "Table " + ref
}

// schemaArray renders a Postgres text array literal for ANY($1).
func schemaArray(schemas []string) string {
	out := "{"
	for i, s := range schemas {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out + "}"
}
