// Package papers adapts ingested paper records into knowledge-graph
// entities and relations: one Publication node per paper, merged
// Person and Concept nodes, and AUTHORED_BY / BELONGS_TO edges.
package papers

import (
	"context"
	"encoding/hex"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/scholar-graph-pipeline/internal/entity"
	"github.com/scholar-graph-pipeline/internal/graph"
	"github.com/scholar-graph-pipeline/internal/ingest"
	"github.com/scholar-graph-pipeline/internal/sources"
)

// StableID derives a deterministic entity id from a name, so repeated
// ingestions merge into the same Person and Concept nodes.
func StableID(prefix, name string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(name), " "))
	sum := blake2b.Sum256([]byte(normalized))
	return prefix + "-" + hex.EncodeToString(sum[:8])
}

// Convert builds the graph shape for a batch of papers. Person and
// Concept nodes are emitted once per batch; index entries mirror them
// so normalization can fuzzy-match later mentions.
func Convert(batch []*sources.Paper) ([]*graph.Entity, []*graph.Relation, []entity.Entry) {
	entities := make([]*graph.Entity, 0, len(batch)*4)
	relations := make([]*graph.Relation, 0, len(batch)*4)
	indexEntries := make([]entity.Entry, 0, len(batch)*4)
	seen := make(map[string]bool)

	for _, p := range batch {
		entities = append(entities, &graph.Entity{
			ID:         p.ID,
			Type:       graph.EntityTypePublication,
			Name:       p.Title,
			Properties: publicationProps(p),
		})

		for _, a := range p.Authors {
			name := strings.TrimSpace(a.Name)
			if name == "" {
				continue
			}
			personID := StableID("person", name)
			if !seen[personID] {
				seen[personID] = true
				props := map[string]any{}
				if a.ExternalID != "" {
					props["external_id"] = a.ExternalID
				}
				if len(a.Affiliations) > 0 {
					props["affiliations"] = a.Affiliations
				}
				entities = append(entities, &graph.Entity{
					ID:         personID,
					Type:       graph.EntityTypePerson,
					Name:       name,
					Properties: props,
				})
				indexEntries = append(indexEntries, entity.Entry{
					ID:   personID,
					Name: name,
					Type: string(graph.EntityTypePerson),
				})
			}
			relations = append(relations, &graph.Relation{
				Type:     graph.RelationAuthoredBy,
				SourceID: p.ID,
				TargetID: personID,
				Weight:   1,
			})
		}

		for _, cat := range p.Categories {
			cat = strings.TrimSpace(cat)
			if cat == "" {
				continue
			}
			conceptID := StableID("concept", cat)
			if !seen[conceptID] {
				seen[conceptID] = true
				entities = append(entities, &graph.Entity{
					ID:   conceptID,
					Type: graph.EntityTypeConcept,
					Name: cat,
				})
				indexEntries = append(indexEntries, entity.Entry{
					ID:   conceptID,
					Name: cat,
					Type: string(graph.EntityTypeConcept),
				})
			}
			relations = append(relations, &graph.Relation{
				Type:     graph.RelationBelongsTo,
				SourceID: p.ID,
				TargetID: conceptID,
				Weight:   1,
			})
		}
	}
	return entities, relations, indexEntries
}

func publicationProps(p *sources.Paper) map[string]any {
	props := map[string]any{
		"abstract":       p.Abstract,
		"source":         p.Source,
		"content_hash":   p.ContentHash,
		"ingestion_date": p.IngestionDate,
		"status":         string(p.Status),
	}
	if p.PublishedDate != "" {
		props["published_date"] = p.PublishedDate
	}
	if p.LastUpdated != "" {
		props["last_updated"] = p.LastUpdated
	}
	if p.DOI != "" {
		props["doi"] = p.DOI
	}
	if p.ExternalID != "" {
		props["external_id"] = p.ExternalID
	}
	if p.CitationCount != nil {
		props["citation_count"] = *p.CitationCount
	}
	if p.PDFURL != "" {
		props["pdf_url"] = p.PDFURL
	}
	if len(p.Categories) > 0 {
		props["categories"] = p.Categories
	}
	return props
}

// Sink stores accepted papers in the graph. idx may be nil when no
// fuzzy index is available, as in the one-shot CLI.
func Sink(repo *graph.Repository, idx *entity.Index, logger *zap.Logger) ingest.SinkFn {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("papers")
	return func(ctx context.Context, batch []*sources.Paper) error {
		entities, relations, indexEntries := Convert(batch)
		if err := repo.UpsertEntities(ctx, entities); err != nil {
			return err
		}
		if err := repo.UpsertRelations(ctx, relations); err != nil {
			return err
		}
		if idx != nil && len(indexEntries) > 0 {
			if err := idx.AddBatch(ctx, indexEntries); err != nil {
				logger.Warn("Failed to index canonical names", zap.Error(err))
			}
		}
		logger.Info("Papers stored",
			zap.Int("papers", len(batch)),
			zap.Int("entities", len(entities)),
			zap.Int("relations", len(relations)))
		return nil
	}
}

// Existing loads the stored corpus in the shape deduplication compares
// against: identifiers, title, content hash, and author names.
func Existing(tm *graph.TransactionManager) ingest.ExistingPapersFn {
	return func(ctx context.Context) ([]*sources.Paper, error) {
		out, err := tm.Read(ctx, func(tx *graph.Tx) (any, error) {
			return tx.Run(ctx,
				"MATCH (p:Publication) "+
					"OPTIONAL MATCH (p)-[:AUTHORED_BY]->(a:Person) "+
					"RETURN p.id AS id, p.name AS title, p.content_hash AS hash, "+
					"p.doi AS doi, p.external_id AS external_id, collect(a.name) AS authors",
				nil)
		}, nil)
		if err != nil {
			return nil, err
		}
		result, ok := out.(*graph.Result)
		if !ok || result == nil {
			return nil, nil
		}
		return papersFromRecords(result.Records), nil
	}
}

func papersFromRecords(records []map[string]any) []*sources.Paper {
	out := make([]*sources.Paper, 0, len(records))
	for _, rec := range records {
		id, _ := rec["id"].(string)
		if id == "" {
			continue
		}
		p := &sources.Paper{ID: id}
		p.Title, _ = rec["title"].(string)
		p.ContentHash, _ = rec["hash"].(string)
		p.DOI, _ = rec["doi"].(string)
		p.ExternalID, _ = rec["external_id"].(string)
		if names, ok := rec["authors"].([]any); ok {
			for _, n := range names {
				if name, ok := n.(string); ok && name != "" {
					p.Authors = append(p.Authors, sources.Author{Name: name})
				}
			}
		}
		out = append(out, p)
	}
	return out
}
