package graph

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Repository provides entity and relation persistence on top of the
// transaction manager.
type Repository struct {
	tm     *TransactionManager
	logger *zap.Logger
}

// NewRepository creates a repository.
func NewRepository(tm *TransactionManager, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{tm: tm, logger: logger}
}

// UpsertEntity merges one entity by id, updating name and properties.
func (r *Repository) UpsertEntity(ctx context.Context, e *Entity) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if !validIdentifier(string(e.Type)) {
		return fmt.Errorf("graph: invalid entity type %q", e.Type)
	}
	cypher := fmt.Sprintf(
		"MERGE (n:`%s` {id: $id}) SET n.name = $name, n += $props", e.Type)
	params := map[string]any{
		"id":    e.ID,
		"name":  e.Name,
		"props": propsOrEmpty(e.Properties),
	}
	_, err := r.tm.Write(ctx, func(tx *Tx) (any, error) {
		return tx.Run(ctx, cypher, params)
	}, nil)
	return err
}

// UpsertEntities merges a batch per type label with one UNWIND
// statement each, inside a single write transaction.
func (r *Repository) UpsertEntities(ctx context.Context, entities []*Entity) error {
	if len(entities) == 0 {
		return nil
	}
	byType := make(map[EntityType][]map[string]any)
	order := make([]EntityType, 0)
	for _, e := range entities {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if !validIdentifier(string(e.Type)) {
			return fmt.Errorf("graph: invalid entity type %q", e.Type)
		}
		if _, seen := byType[e.Type]; !seen {
			order = append(order, e.Type)
		}
		byType[e.Type] = append(byType[e.Type], map[string]any{
			"id":    e.ID,
			"name":  e.Name,
			"props": propsOrEmpty(e.Properties),
		})
	}

	_, err := r.tm.Write(ctx, func(tx *Tx) (any, error) {
		for _, t := range order {
			cypher := fmt.Sprintf(
				"UNWIND $batch AS row MERGE (n:`%s` {id: row.id}) SET n.name = row.name, n += row.props", t)
			if _, err := tx.Run(ctx, cypher, map[string]any{"batch": byType[t]}); err != nil {
				return nil, fmt.Errorf("upsert %s batch: %w", t, err)
			}
		}
		return nil, nil
	}, nil)
	if err == nil {
		r.logger.Debug("entities upserted", zap.Int("count", len(entities)))
	}
	return err
}

// UpsertRelation merges a typed edge between two existing entities.
func (r *Repository) UpsertRelation(ctx context.Context, rel *Relation) error {
	if !validIdentifier(string(rel.Type)) {
		return fmt.Errorf("graph: invalid relation type %q", rel.Type)
	}
	if rel.ID == "" {
		rel.ID = uuid.New().String()
	}
	cypher := fmt.Sprintf(
		"MATCH (a {id: $source}), (b {id: $target}) "+
			"MERGE (a)-[rel:`%s`]->(b) "+
			"SET rel.id = $id, rel.weight = $weight, rel += $props", rel.Type)
	params := map[string]any{
		"source": rel.SourceID,
		"target": rel.TargetID,
		"id":     rel.ID,
		"weight": rel.Weight,
		"props":  propsOrEmpty(rel.Properties),
	}
	_, err := r.tm.Write(ctx, func(tx *Tx) (any, error) {
		return tx.Run(ctx, cypher, params)
	}, nil)
	return err
}

// UpsertRelations merges a batch of edges grouped by type, one UNWIND
// per type, inside a single write transaction.
func (r *Repository) UpsertRelations(ctx context.Context, rels []*Relation) error {
	if len(rels) == 0 {
		return nil
	}
	byType := make(map[RelationType][]map[string]any)
	order := make([]RelationType, 0)
	for _, rel := range rels {
		if !validIdentifier(string(rel.Type)) {
			return fmt.Errorf("graph: invalid relation type %q", rel.Type)
		}
		if rel.ID == "" {
			rel.ID = uuid.New().String()
		}
		if _, seen := byType[rel.Type]; !seen {
			order = append(order, rel.Type)
		}
		byType[rel.Type] = append(byType[rel.Type], map[string]any{
			"source": rel.SourceID,
			"target": rel.TargetID,
			"id":     rel.ID,
			"weight": rel.Weight,
			"props":  propsOrEmpty(rel.Properties),
		})
	}

	_, err := r.tm.Write(ctx, func(tx *Tx) (any, error) {
		for _, t := range order {
			cypher := fmt.Sprintf(
				"UNWIND $batch AS row "+
					"MATCH (a {id: row.source}), (b {id: row.target}) "+
					"MERGE (a)-[rel:`%s`]->(b) "+
					"SET rel.id = row.id, rel.weight = row.weight, rel += row.props", t)
			if _, err := tx.Run(ctx, cypher, map[string]any{"batch": byType[t]}); err != nil {
				return nil, fmt.Errorf("upsert %s batch: %w", t, err)
			}
		}
		return nil, nil
	}, nil)
	return err
}

// FindEntity returns the entity by id, or (nil, nil) when absent.
func (r *Repository) FindEntity(ctx context.Context, id string) (*Entity, error) {
	out, err := r.tm.Read(ctx, func(tx *Tx) (any, error) {
		return tx.Run(ctx,
			"MATCH (n {id: $id}) RETURN n.id AS id, labels(n) AS labels, n.name AS name, properties(n) AS props LIMIT 1",
			map[string]any{"id": id})
	}, nil)
	if err != nil {
		return nil, err
	}
	return entityFromResult(out)
}

// FindEntityByName returns the first entity with the exact name under
// the given type, or (nil, nil) when absent.
func (r *Repository) FindEntityByName(ctx context.Context, name string, t EntityType) (*Entity, error) {
	if !validIdentifier(string(t)) {
		return nil, fmt.Errorf("graph: invalid entity type %q", t)
	}
	cypher := fmt.Sprintf(
		"MATCH (n:`%s` {name: $name}) RETURN n.id AS id, labels(n) AS labels, n.name AS name, properties(n) AS props LIMIT 1", t)
	out, err := r.tm.Read(ctx, func(tx *Tx) (any, error) {
		return tx.Run(ctx, cypher, map[string]any{"name": name})
	}, nil)
	if err != nil {
		return nil, err
	}
	return entityFromResult(out)
}

// Neighbors returns entities one hop out from id together with the
// connecting relations, up to limit.
func (r *Repository) Neighbors(ctx context.Context, id string, limit int) ([]*Entity, []*Relation, error) {
	if limit <= 0 {
		limit = 25
	}
	out, err := r.tm.Read(ctx, func(tx *Tx) (any, error) {
		return tx.Run(ctx,
			"MATCH (a {id: $id})-[rel]-(b) "+
				"RETURN b.id AS id, labels(b) AS labels, b.name AS name, properties(b) AS props, "+
				"type(rel) AS rel_type, rel.weight AS weight, startNode(rel).id AS source, endNode(rel).id AS target "+
				"LIMIT $limit",
			map[string]any{"id": id, "limit": limit})
	}, nil)
	if err != nil {
		return nil, nil, err
	}
	result, ok := out.(*Result)
	if !ok || result == nil {
		return nil, nil, nil
	}
	entities := make([]*Entity, 0, len(result.Records))
	relations := make([]*Relation, 0, len(result.Records))
	for _, record := range result.Records {
		e := recordToEntity(record)
		if e == nil {
			continue
		}
		entities = append(entities, e)
		relType, _ := record["rel_type"].(string)
		source, _ := record["source"].(string)
		target, _ := record["target"].(string)
		relations = append(relations, &Relation{
			Type:     RelationType(relType),
			SourceID: source,
			TargetID: target,
			Weight:   toFloat(record["weight"]),
		})
	}
	return entities, relations, nil
}

// Stats counts nodes per label and relationships in total.
func (r *Repository) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)
	out, err := r.tm.Read(ctx, func(tx *Tx) (any, error) {
		nodeRes, err := tx.Run(ctx,
			"MATCH (n) UNWIND labels(n) AS label RETURN label, count(*) AS cnt", nil)
		if err != nil {
			return nil, err
		}
		relRes, err := tx.Run(ctx, "MATCH ()-[rel]->() RETURN count(rel) AS cnt", nil)
		if err != nil {
			return nil, err
		}
		return []*Result{nodeRes, relRes}, nil
	}, nil)
	if err != nil {
		return nil, err
	}
	results, ok := out.([]*Result)
	if !ok || len(results) != 2 {
		return stats, nil
	}
	for _, record := range results[0].Records {
		label, _ := record["label"].(string)
		if label != "" {
			stats["nodes:"+label] = toInt64(record["cnt"])
		}
	}
	if len(results[1].Records) > 0 {
		stats["relationships"] = toInt64(results[1].Records[0]["cnt"])
	}
	return stats, nil
}

func entityFromResult(out any) (*Entity, error) {
	result, ok := out.(*Result)
	if !ok || result == nil || len(result.Records) == 0 {
		return nil, nil
	}
	return recordToEntity(result.Records[0]), nil
}

func recordToEntity(record map[string]any) *Entity {
	id, _ := record["id"].(string)
	if id == "" {
		return nil
	}
	name, _ := record["name"].(string)
	e := &Entity{ID: id, Name: name, Type: EntityTypeGeneric}
	if labels, ok := record["labels"].([]any); ok && len(labels) > 0 {
		if s, ok := labels[0].(string); ok {
			e.Type = EntityType(s)
		}
	}
	if props, ok := record["props"].(map[string]any); ok {
		clean := make(map[string]any, len(props))
		for k, v := range props {
			if k == "id" || k == "name" {
				continue
			}
			clean[k] = v
		}
		if len(clean) > 0 {
			e.Properties = clean
		}
	}
	return e
}

func propsOrEmpty(props map[string]any) map[string]any {
	if props == nil {
		return map[string]any{}
	}
	return props
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
