// Package gamedata opens the two read-only databases the game produces on
// disk (rules and localization) and exposes typed queries, localization,
// and enum-catalog construction over them.
package gamedata

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vox-deorum/strategos/pkg/fault"

	_ "modernc.org/sqlite"
)

// Well-known database file names inside the game data directory.
const (
	RulesDBFile        = "Civ5DebugDatabase.db"
	LocalizationDBFile = "Localization-Merged.db"
)

// Gateway holds read-only connections to the rules and localization
// databases. Both files are immutable while the game is running, so the
// gateway is safe for concurrent use.
type Gateway struct {
	rules *sql.DB
	loc   *sql.DB
}

// NewGateway opens both databases read-only. A missing file is fatal.
func NewGateway(dataDir string) (*Gateway, error) {
	rules, err := openReadOnly(filepath.Join(dataDir, RulesDBFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open rules database: %w", err)
	}

	loc, err := openReadOnly(filepath.Join(dataDir, LocalizationDBFile))
	if err != nil {
		_ = rules.Close()
		return nil, fmt.Errorf("failed to open localization database: %w", err)
	}

	return &Gateway{rules: rules, loc: loc}, nil
}

func openReadOnly(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("database file missing: %w", err)
	}

	dsn := filepath.Clean(path) + "?mode=ro&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	return db, nil
}

// Close releases both database connections.
func (g *Gateway) Close() error {
	var first error
	if err := g.rules.Close(); err != nil {
		first = err
	}
	if err := g.loc.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// Query runs a read-only query against the rules database and returns
// generic rows. Column values are returned as int64, float64, string,
// or nil.
func (g *Gateway) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	return queryRows(ctx, g.rules, query, args...)
}

// QueryLocalization runs a read-only query against the localization
// database. Used by the Localizer.
func (g *Gateway) QueryLocalization(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	return queryRows(ctx, g.loc, query, args...)
}

func queryRows(ctx context.Context, db *sql.DB, query string, args ...any) ([]map[string]any, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.KindDependencyFailed, err, "query game database")
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fault.Wrap(fault.KindDependencyFailed, err, "read query columns")
	}

	var results []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, fault.Wrap(fault.KindDependencyFailed, err, "scan query row")
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.KindDependencyFailed, err, "iterate query rows")
	}

	return results, nil
}

// ColumnInfo describes one column of a rules table, used by schema export.
type ColumnInfo struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	NotNull    bool   `json:"notNull"`
	PrimaryKey bool   `json:"primaryKey"`
}

// Tables lists the user tables of the rules database in name order.
func (g *Gateway) Tables(ctx context.Context) ([]string, error) {
	rows, err := g.Query(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(rows))
	for _, row := range rows {
		if name, ok := row["name"].(string); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// TableInfo returns the column layout of one rules table.
func (g *Gateway) TableInfo(ctx context.Context, table string) ([]ColumnInfo, error) {
	rows, err := g.rules.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, fault.Wrap(fault.KindDependencyFailed, err, "inspect table %s", table)
	}
	defer rows.Close()

	var columns []ColumnInfo
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull int
		var defaultValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultValue, &pk); err != nil {
			return nil, fault.Wrap(fault.KindDependencyFailed, err, "scan table info for %s", table)
		}
		columns = append(columns, ColumnInfo{
			Name:       name,
			Type:       colType,
			NotNull:    notNull != 0,
			PrimaryKey: pk != 0,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.KindDependencyFailed, err, "iterate table info for %s", table)
	}

	return columns, nil
}
