// Package vector wraps the Qdrant client for entity-name similarity
// search. The similarity matcher consults it when an embedding-capable
// model client is configured alongside.
package vector

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Hit is one scored similarity match.
type Hit struct {
	ID      string            `json:"id"`
	Score   float32           `json:"score"`
	Payload map[string]string `json:"payload"`
}

// Searcher finds nearest neighbours in a named collection.
type Searcher interface {
	Search(ctx context.Context, collection string, vector []float32, limit int) ([]Hit, error)
}

// Config holds Qdrant connection settings.
type Config struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
	// Timeout bounds individual operations.
	Timeout time.Duration
}

// DefaultConfig targets a local Qdrant on the gRPC port.
func DefaultConfig() Config {
	return Config{
		Host:    "localhost",
		Port:    6334,
		Timeout: 30 * time.Second,
	}
}

// Client is a Qdrant-backed Searcher with upsert support.
type Client struct {
	client *qdrant.Client
	cfg    Config
	logger *zap.Logger
}

// NewClient connects to Qdrant.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	qc, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			// Batch queries with payloads can exceed the 4 MB default.
			grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(32 << 20)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}
	return &Client{
		client: qc,
		cfg:    cfg,
		logger: logger.Named("vector"),
	}, nil
}

// EnsureCollection creates the collection when missing. Cosine distance
// matches the unit-normalized embeddings the model clients produce.
func (c *Client) EnsureCollection(ctx context.Context, collection string, dimension int) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	exists, err := c.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to check collection %s: %w", collection, err)
	}
	if exists {
		return nil
	}

	err = c.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", collection, err)
	}
	c.logger.Info("Created vector collection",
		zap.String("collection", collection),
		zap.Int("dimension", dimension))
	return nil
}

// Upsert writes one vector with its payload.
func (c *Client) Upsert(ctx context.Context, collection, id string, vec []float32, payload map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	_, err := c.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points: []*qdrant.PointStruct{{
			Id:      pointID(id),
			Vectors: qdrant.NewVectors(vec...),
			Payload: toQdrantPayload(id, payload),
		}},
		Wait: qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("failed to upsert vector %s: %w", id, err)
	}
	return nil
}

// Search returns the nearest neighbours of vec.
func (c *Client) Search(ctx context.Context, collection string, vec []float32, limit int) ([]Hit, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	points, err := c.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vec...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		hits = append(hits, scoredPointToHit(p))
	}
	c.logger.Debug("Vector search completed",
		zap.String("collection", collection),
		zap.Int("results", len(hits)))
	return hits, nil
}

// Delete removes one vector by id.
func (c *Client) Delete(ctx context.Context, collection, id string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	_, err := c.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelector(pointID(id)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete vector %s: %w", id, err)
	}
	return nil
}

// Count returns the number of points in a collection.
func (c *Client) Count(ctx context.Context, collection string) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	info, err := c.client.GetCollectionInfo(ctx, collection)
	if err != nil {
		return 0, fmt.Errorf("failed to get collection info: %w", err)
	}
	if info.PointsCount == nil {
		return 0, nil
	}
	return *info.PointsCount, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.client.Close()
}

var _ Searcher = (*Client)(nil)

// pointID maps an entity id onto a Qdrant point id. UUIDs pass through;
// anything else is hashed, mirroring how non-UUID keys were handled
// before the switch to the official client.
func pointID(id string) *qdrant.PointId {
	if _, err := uuid.Parse(id); err == nil {
		return qdrant.NewID(id)
	}
	h := fnv.New64a()
	h.Write([]byte(id))
	return qdrant.NewIDNum(h.Sum64())
}

// toQdrantPayload always carries the original id so hashed point ids
// stay reversible.
func toQdrantPayload(id string, payload map[string]string) map[string]*qdrant.Value {
	m := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		m[k] = v
	}
	m["id"] = id
	return qdrant.NewValueMap(m)
}

func scoredPointToHit(p *qdrant.ScoredPoint) Hit {
	hit := Hit{
		Score:   p.Score,
		Payload: make(map[string]string, len(p.Payload)),
	}
	for k, v := range p.Payload {
		if s := v.GetStringValue(); s != "" {
			hit.Payload[k] = s
		}
	}
	hit.ID = hit.Payload["id"]
	return hit
}
