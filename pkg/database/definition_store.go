package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"kb-health-agent/pkg/metrics"
)

// DefinitionStore persists metric definitions so they survive restarts
type DefinitionStore struct {
	db *Database
}

func NewDefinitionStore(db *Database) *DefinitionStore {
	return &DefinitionStore{db: db}
}

// SaveDefinitions upserts all definitions in one transaction
func (ds *DefinitionStore) SaveDefinitions(ctx context.Context, defs []metrics.Definition) error {
	now := time.Now().UnixMilli()
	err := ds.db.ExecuteInTransaction(ctx, func(tx *sql.Tx) error {
		for _, def := range defs {
			labelNames, err := json.Marshal(def.LabelNames)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO metric_definitions (
					name, description, unit, kind, label_names,
					retention_days, aggregation_interval_ms, component, updated_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(name) DO UPDATE SET
					description = excluded.description,
					unit = excluded.unit,
					kind = excluded.kind,
					label_names = excluded.label_names,
					retention_days = excluded.retention_days,
					aggregation_interval_ms = excluded.aggregation_interval_ms,
					component = excluded.component,
					updated_at = excluded.updated_at`,
				def.Name, def.Description, def.Unit, string(def.Kind), string(labelNames),
				def.RetentionDays, def.IntervalMillis(), def.Component, now,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return persistErr("save definitions", err)
	}
	return nil
}

// ListDefinitions returns every stored definition ordered by name
func (ds *DefinitionStore) ListDefinitions(ctx context.Context) ([]metrics.Definition, error) {
	rows, err := ds.db.db.QueryContext(ctx, `
		SELECT name, description, unit, kind, label_names, retention_days, aggregation_interval_ms, component
		FROM metric_definitions
		ORDER BY name`)
	if err != nil {
		return nil, persistErr("list definitions", err)
	}
	defer rows.Close()

	var defs []metrics.Definition
	for rows.Next() {
		var def metrics.Definition
		var kind, labelNames string
		var intervalMs int64
		if err := rows.Scan(&def.Name, &def.Description, &def.Unit, &kind, &labelNames,
			&def.RetentionDays, &intervalMs, &def.Component); err != nil {
			return nil, persistErr("scan definition", err)
		}
		def.Kind = metrics.Kind(kind)
		def.AggregationInterval = time.Duration(intervalMs) * time.Millisecond
		json.Unmarshal([]byte(labelNames), &def.LabelNames)
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate definitions", err)
	}
	return defs, nil
}
