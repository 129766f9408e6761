// Package schema holds a read-only snapshot of the warehouse schemas exposed
// to generation and validation. Snapshots are immutable; refreshes build a
// new catalog and swap it wholesale so concurrent readers never see a
// half-updated view.
package schema

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type TableInfo struct {
	Description string            `json:"description"`
	Columns     map[string]string `json:"columns"`
}

type SchemaInfo struct {
	Tables map[string]TableInfo `json:"tables"`
}

type Catalog struct {
	Schemas  map[string]SchemaInfo `json:"schemas"`
	LoadedAt time.Time             `json:"loaded_at"`

	allowed map[string]struct{}
}

// NewCatalog builds a snapshot over the given schemas with readonlyTables as
// the allow-list (entries are "schema.table").
func NewCatalog(schemas map[string]SchemaInfo, readonlyTables []string, loadedAt time.Time) *Catalog {
	allowed := make(map[string]struct{}, len(readonlyTables))
	for _, ref := range readonlyTables {
		ref = strings.ToLower(strings.TrimSpace(ref))
		if ref == "" {
			continue
		}
		allowed[ref] = struct{}{}
	}
	return &Catalog{Schemas: schemas, LoadedAt: loadedAt, allowed: allowed}
}

// TableAllowed reports whether a "schema.table" reference is on the
// read-only allow-list.
func (c *Catalog) TableAllowed(ref string) bool {
	_, ok := c.allowed[strings.ToLower(strings.TrimSpace(ref))]
	return ok
}

// AllowedTables returns the allow-list, sorted.
func (c *Catalog) AllowedTables() []string {
	refs := make([]string, 0, len(c.allowed))
	for ref := range c.allowed {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// Table returns the metadata for schemaName.tableName.
func (c *Catalog) Table(schemaName, tableName string) (TableInfo, bool) {
	schemaInfo, ok := c.Schemas[schemaName]
	if !ok {
		return TableInfo{}, false
	}
	table, ok := schemaInfo.Tables[tableName]
	return table, ok
}

// RenderPrompt renders the catalog as completion-service context: schema,
// table, description, column names. Output order is deterministic.
func (c *Catalog) RenderPrompt() string {
	var b strings.Builder
	b.WriteString("CURRENT DATABASE SCHEMA:\n")

	for _, schemaName := range sortedKeys(c.Schemas) {
		fmt.Fprintf(&b, "\n%s schema:\n", schemaName)
		tables := c.Schemas[schemaName].Tables
		for _, tableName := range sortedKeys(tables) {
			table := tables[tableName]
			fmt.Fprintf(&b, "  - %s: %s\n", tableName, table.Description)
			if len(table.Columns) > 0 {
				fmt.Fprintf(&b, "    Columns: %s\n", strings.Join(sortedKeys(table.Columns), ", "))
			}
		}
	}
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
