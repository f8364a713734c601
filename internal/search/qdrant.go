package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// txnPointID derives a stable Qdrant point ID from a transaction ID.
// Qdrant point IDs must be a UUID or an unsigned integer; transaction
// IDs are arbitrary external strings, so they are mapped deterministically
// into the UUID space and carried back out via the "txn_id" payload field.
var txnIDNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

func txnPointID(txnID string) string {
	return uuid.NewSHA1(txnIDNamespace, []byte(txnID)).String()
}

// Config holds configuration for connecting to Qdrant.
type Config struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// Point is the data needed to upsert a transaction embedding into Qdrant.
type Point struct {
	TxnID      string
	CustomerID string
	Category   string
	Verdict    string
	IndexedAt  time.Time
	Embedding  []float32
}

// QdrantIndex implements Index backed by Qdrant.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthMu  sync.Mutex
	lastCheck time.Time
	lastErr   error
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333" or "http://host:6334"; a URL
// without a scheme (e.g. "host:6334") has no host part and is rejected.
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("search: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("search: invalid port in qdrant URL: %q", portStr)
		}
		// REST port (6333) implies the adjacent gRPC port.
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewQdrantIndex creates a new QdrantIndex and connects to Qdrant via gRPC.
func NewQdrantIndex(cfg Config, logger *slog.Logger) (*QdrantIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("search: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if it doesn't already exist,
// with HNSW parameters tuned for cosine similarity over the configured
// embedding dimension.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("search: check collection exists: %w", err)
	}
	if exists {
		q.logger.Info("qdrant: collection already exists", "collection", q.collection)
		return nil
	}

	m := uint64(16)
	efConstruct := uint64(128)

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     q.dims,
			Distance: qdrant.Distance_Cosine,
			HnswConfig: &qdrant.HnswConfigDiff{
				M:           &m,
				EfConstruct: &efConstruct,
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("search: create collection %q: %w", q.collection, err)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"customer_id", "category"} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("search: create index on %q: %w", field, err)
		}
	}

	q.logger.Info("qdrant: created collection with payload indexes", "collection", q.collection, "dims", q.dims)
	return nil
}

// KNN implements the Index contract.
func (q *QdrantIndex) KNN(ctx context.Context, queryVec []float32, k int, filter Filter) ([]ScoredDoc, error) {
	var must []*qdrant.Condition
	var mustNot []*qdrant.Condition

	if filter.Category != nil {
		must = append(must, qdrant.NewMatch("category", *filter.Category))
	}
	if filter.ExcludeTxnID != "" {
		mustNot = append(mustNot, qdrant.NewHasID(qdrant.NewID(txnPointID(filter.ExcludeTxnID))))
	}

	// Over-fetch to leave room for the caller's score threshold and the
	// excluded self-match, same posture as the teacher's re-scoring caller.
	fetchLimit := uint64(k) * 3 //nolint:gosec // k is bounded by caller (spec.md KNN_CANDIDATES)
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(queryVec),
		Filter:         &qdrant.Filter{Must: must, MustNot: mustNot},
		Limit:          &fetchLimit,
		WithPayload:    qdrant.NewWithPayloadInclude([]string{"txn_id"}),
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant query: %w", err)
	}

	results := make([]ScoredDoc, 0, len(scored))
	for _, sp := range scored {
		txnID := sp.Payload["txn_id"].GetStringValue()
		if txnID == "" {
			continue
		}
		if filter.MinScore != nil && sp.Score < *filter.MinScore {
			continue
		}
		results = append(results, ScoredDoc{TxnID: txnID, Score: sp.Score})
		if len(results) >= k {
			break
		}
	}

	return results, nil
}

// Upsert inserts or updates points in Qdrant.
func (q *QdrantIndex) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		payload := map[string]any{
			"txn_id":      p.TxnID,
			"customer_id": p.CustomerID,
			"category":    p.Category,
			"verdict":     p.Verdict,
			"indexed_at":  float64(p.IndexedAt.Unix()),
		}
		qdrantPoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(txnPointID(p.TxnID)),
			Vectors: qdrant.NewVectorsDense(p.Embedding),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrantPoints,
	})
	if err != nil {
		return fmt.Errorf("search: qdrant upsert %d points: %w", len(points), err)
	}
	return nil
}

// DeleteByIDs removes specific points from Qdrant by transaction ID.
func (q *QdrantIndex) DeleteByIDs(ctx context.Context, txnIDs []string) error {
	if len(txnIDs) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(txnIDs))
	for i, id := range txnIDs {
		pointIDs[i] = qdrant.NewID(txnPointID(id))
	}

	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("search: qdrant delete %d points: %w", len(txnIDs), err)
	}
	return nil
}

// Healthy returns nil if Qdrant is reachable. Cached for 5 seconds to
// avoid hammering the health endpoint on every Stage-2 retrieval.
func (q *QdrantIndex) Healthy(ctx context.Context) error {
	q.healthMu.Lock()
	defer q.healthMu.Unlock()

	if time.Since(q.lastCheck) < 5*time.Second {
		return q.lastErr
	}

	_, err := q.client.HealthCheck(ctx)
	q.lastCheck = time.Now()
	if err != nil {
		q.lastErr = fmt.Errorf("search: qdrant unhealthy: %w", err)
	} else {
		q.lastErr = nil
	}
	return q.lastErr
}

// Close shuts down the Qdrant gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
