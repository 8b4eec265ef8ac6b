package graph

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/scholar-graph-pipeline/internal/cache"
	"github.com/scholar-graph-pipeline/internal/jsonx"
)

// Schema is an introspected snapshot of the store's shape.
type Schema struct {
	NodeLabels    []string            `json:"node_labels"`
	RelationTypes []string            `json:"relation_types"`
	PropertyKeys  map[string][]string `json:"property_keys"`
	FetchedAt     time.Time           `json:"fetched_at"`
}

// SchemaProviderConfig tunes caching and sampling.
type SchemaProviderConfig struct {
	// TTL bounds how long a snapshot is served from cache.
	TTL time.Duration
	// SampleSize is the per-label node sample when the meta procedure
	// is unavailable.
	SampleSize int
}

// DefaultSchemaProviderConfig returns the standard 5-minute TTL.
func DefaultSchemaProviderConfig() SchemaProviderConfig {
	return SchemaProviderConfig{
		TTL:        5 * time.Minute,
		SampleSize: 10,
	}
}

// SchemaProvider serves cached schema snapshots for prompt injection
// and query validation.
type SchemaProvider struct {
	conn   *Connection
	cached *cache.CachedQuery
	cfg    SchemaProviderConfig
	logger *zap.Logger
}

const schemaCacheKey = "snapshot"

// NewSchemaProvider creates a provider backed by the shared cache
// manager.
func NewSchemaProvider(conn *Connection, cacheManager *cache.Manager, cfg SchemaProviderConfig, logger *zap.Logger) *SchemaProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultSchemaProviderConfig()
	if cfg.TTL == 0 {
		cfg.TTL = def.TTL
	}
	if cfg.SampleSize == 0 {
		cfg.SampleSize = def.SampleSize
	}
	return &SchemaProvider{
		conn:   conn,
		cached: cache.NewCachedQuery(cacheManager, "schema"),
		cfg:    cfg,
		logger: logger,
	}
}

// GetSchema returns the cached snapshot when still fresh, fetching
// otherwise.
func (p *SchemaProvider) GetSchema(ctx context.Context) (*Schema, error) {
	data, fromCache, err := p.cached.Execute(ctx, schemaCacheKey, p.cfg.TTL, func(ctx context.Context) ([]byte, error) {
		schema, err := p.fetch(ctx)
		if err != nil {
			return nil, err
		}
		return jsonx.Marshal(schema)
	})
	if err != nil {
		return nil, err
	}
	var schema Schema
	if err := jsonx.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("graph: decode cached schema: %w", err)
	}
	if !fromCache {
		p.logger.Debug("schema snapshot refreshed",
			zap.Int("labels", len(schema.NodeLabels)),
			zap.Int("relation_types", len(schema.RelationTypes)))
	}
	return &schema, nil
}

// InvalidateCache forces the next GetSchema to refetch.
func (p *SchemaProvider) InvalidateCache(ctx context.Context) error {
	return p.cached.Invalidate(ctx, schemaCacheKey)
}

func (p *SchemaProvider) fetch(ctx context.Context) (*Schema, error) {
	labels, err := p.stringColumn(ctx, "CALL db.labels()")
	if err != nil {
		return nil, fmt.Errorf("graph: fetch labels: %w", err)
	}
	relTypes, err := p.stringColumn(ctx, "CALL db.relationshipTypes()")
	if err != nil {
		return nil, fmt.Errorf("graph: fetch relationship types: %w", err)
	}

	props, err := p.fetchPropertiesMeta(ctx)
	if err != nil {
		// apoc is optional; sample nodes instead.
		p.logger.Debug("meta procedure unavailable, sampling nodes", zap.Error(err))
		props, err = p.sampleProperties(ctx, labels)
		if err != nil {
			return nil, err
		}
	}

	sort.Strings(labels)
	sort.Strings(relTypes)
	for label := range props {
		sort.Strings(props[label])
	}
	return &Schema{
		NodeLabels:    labels,
		RelationTypes: relTypes,
		PropertyKeys:  props,
		FetchedAt:     time.Now().UTC(),
	}, nil
}

// stringColumn runs a single-column query and collects string values.
func (p *SchemaProvider) stringColumn(ctx context.Context, cypher string) ([]string, error) {
	result, err := p.conn.ExecuteQuery(ctx, cypher, nil)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(result.Records))
	for _, record := range result.Records {
		for _, v := range record {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

func (p *SchemaProvider) fetchPropertiesMeta(ctx context.Context) (map[string][]string, error) {
	result, err := p.conn.ExecuteQuery(ctx,
		"CALL apoc.meta.data() YIELD label, property, elementType WHERE elementType = 'node' RETURN label, property", nil)
	if err != nil {
		return nil, err
	}
	props := make(map[string][]string)
	seen := make(map[string]map[string]bool)
	for _, record := range result.Records {
		label, _ := record["label"].(string)
		property, _ := record["property"].(string)
		if label == "" || property == "" {
			continue
		}
		if seen[label] == nil {
			seen[label] = make(map[string]bool)
		}
		if !seen[label][property] {
			seen[label][property] = true
			props[label] = append(props[label], property)
		}
	}
	return props, nil
}

func (p *SchemaProvider) sampleProperties(ctx context.Context, labels []string) (map[string][]string, error) {
	props := make(map[string][]string)
	for _, label := range labels {
		if !validIdentifier(label) {
			continue
		}
		cypher := fmt.Sprintf("MATCH (n:`%s`) RETURN keys(n) AS ks LIMIT %d", label, p.cfg.SampleSize)
		result, err := p.conn.ExecuteQuery(ctx, cypher, nil)
		if err != nil {
			return nil, fmt.Errorf("graph: sample label %s: %w", label, err)
		}
		keySet := make(map[string]bool)
		for _, record := range result.Records {
			keys, ok := record["ks"].([]any)
			if !ok {
				continue
			}
			for _, k := range keys {
				if s, ok := k.(string); ok {
					keySet[s] = true
				}
			}
		}
		for k := range keySet {
			props[label] = append(props[label], k)
		}
	}
	return props, nil
}

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validIdentifier guards labels and relationship types spliced into
// query text; Cypher cannot parameterize them.
func validIdentifier(s string) bool {
	return identifierRe.MatchString(s)
}

// FormatCompact renders the schema as a short plain-text description,
// deterministically ordered.
func (s *Schema) FormatCompact() string {
	var b strings.Builder
	b.WriteString("Node labels:\n")
	for _, label := range s.NodeLabels {
		b.WriteString("  ")
		b.WriteString(label)
		if keys := s.PropertyKeys[label]; len(keys) > 0 {
			b.WriteString("(")
			b.WriteString(strings.Join(keys, ", "))
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	b.WriteString("Relationship types:\n  ")
	b.WriteString(strings.Join(s.RelationTypes, ", "))
	b.WriteString("\n")
	return b.String()
}

type schemaLabelJSON struct {
	Label string   `json:"label"`
	Keys  []string `json:"keys"`
}

type schemaJSON struct {
	NodeLabels    []string          `json:"nodeLabels"`
	RelationTypes []string          `json:"relationshipTypes"`
	Properties    []schemaLabelJSON `json:"properties"`
}

// FormatJSON renders the schema as deterministic JSON for prompt
// injection.
func (s *Schema) FormatJSON() (string, error) {
	out := schemaJSON{
		NodeLabels:    s.NodeLabels,
		RelationTypes: s.RelationTypes,
		Properties:    make([]schemaLabelJSON, 0, len(s.PropertyKeys)),
	}
	labels := make([]string, 0, len(s.PropertyKeys))
	for label := range s.PropertyKeys {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		out.Properties = append(out.Properties, schemaLabelJSON{Label: label, Keys: s.PropertyKeys[label]})
	}
	return jsonx.MarshalToString(out)
}

// HasLabel reports whether the snapshot contains the label.
func (s *Schema) HasLabel(label string) bool {
	for _, l := range s.NodeLabels {
		if l == label {
			return true
		}
	}
	return false
}

// HasRelationType reports whether the snapshot contains the type.
func (s *Schema) HasRelationType(relType string) bool {
	for _, t := range s.RelationTypes {
		if t == relType {
			return true
		}
	}
	return false
}
