package storage

import (
	"context"
	"fmt"

	"github.com/fraudcore/engine/internal/model"
)

// CreateRelationship inserts an edge in the entity relationship graph.
func (db *DB) CreateRelationship(ctx context.Context, r model.Relationship) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO relationships
		    (rel_id, source_entity_id, source_type, target_entity_id, target_type, rel_type,
		     direction, strength, confidence, active, verified, evidence, valid_from, valid_to)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (rel_id) DO NOTHING`,
		r.RelID, r.SourceEntityID, r.SourceType, r.TargetEntityID, r.TargetType, r.Type,
		r.Direction, r.Strength, r.Confidence, r.Active, r.Verified, r.Evidence, r.ValidFrom, r.ValidTo,
	)
	if err != nil {
		return fmt.Errorf("storage: create relationship: %w", err)
	}
	return nil
}

// GetRelationships returns the relationship edges incident to entityID,
// honoring the activity and confidence floor used by C10's BFS traversal.
// minConfidence of 0 disables the confidence filter.
func (db *DB) GetRelationships(ctx context.Context, entityID string, onlyActive bool, minConfidence float64) ([]model.Relationship, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT rel_id, source_entity_id, source_type, target_entity_id, target_type, rel_type,
		        direction, strength, confidence, active, verified, evidence, valid_from, valid_to
		 FROM relationships
		 WHERE (source_entity_id = $1 OR target_entity_id = $1)
		   AND ($2::bool IS FALSE OR active = TRUE)
		   AND confidence >= $3`,
		entityID, onlyActive, minConfidence,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get relationships: %w", err)
	}
	defer rows.Close()

	var out []model.Relationship
	for rows.Next() {
		var r model.Relationship
		if err := rows.Scan(
			&r.RelID, &r.SourceEntityID, &r.SourceType, &r.TargetEntityID, &r.TargetType, &r.Type,
			&r.Direction, &r.Strength, &r.Confidence, &r.Active, &r.Verified, &r.Evidence, &r.ValidFrom, &r.ValidTo,
		); err != nil {
			return nil, fmt.Errorf("storage: scan relationship: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
