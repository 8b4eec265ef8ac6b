package normalize

import (
	"context"
	"errors"
	"math"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/scholar-graph-pipeline/internal/entity"
	"github.com/scholar-graph-pipeline/internal/vector"
)

type fakeSearcher struct {
	hits []vector.Hit
	err  error
}

func (f *fakeSearcher) Search(ctx context.Context, collection string, vec []float32, limit int) ([]vector.Hit, error) {
	return f.hits, f.err
}

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2}, nil
}

func seedIndex(t *testing.T, entries ...entity.Entry) *entity.Index {
	t.Helper()
	idx, err := entity.NewIndex(entity.DefaultConfig(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewIndex() error = %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	if len(entries) > 0 {
		if err := idx.AddBatch(context.Background(), entries); err != nil {
			t.Fatalf("AddBatch() error = %v", err)
		}
	}
	return idx
}

func TestNameSimilarity(t *testing.T) {
	cases := []struct {
		a, b string
		want float64
	}{
		{"GPT-4", "gpt-4", 1.0},
		{"transformer", "transformr", 1.0 - 1.0/11.0},
		{"bert", "gpt", 1.0 - 3.0/4.0},
		{"", "", 1.0},
		{"a", "", 0.0},
	}
	for _, tc := range cases {
		if got := NameSimilarity(tc.a, tc.b); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("NameSimilarity(%q, %q) = %f, want %f", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestMatchAcceptsCloseName(t *testing.T) {
	idx := seedIndex(t, entity.Entry{ID: "m-1", Name: "gpt-4", Type: "AIModel"})
	m := NewSimilarityMatcher(idx, nil, nil, DefaultSimilarityConfig(), zaptest.NewLogger(t))

	result, err := m.Match(context.Background(), "gpt4", "")
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if !result.Matched {
		t.Fatalf("Match(gpt4) not matched; candidates = %+v", result.Candidates)
	}
	if result.Name != "gpt-4" || result.ID != "m-1" {
		t.Errorf("best = %s/%s, want gpt-4/m-1", result.Name, result.ID)
	}
	if result.Similarity < 0.8 {
		t.Errorf("similarity = %f, want >= 0.8", result.Similarity)
	}
}

func TestMatchRejectsDistantName(t *testing.T) {
	idx := seedIndex(t, entity.Entry{ID: "m-1", Name: "resnet", Type: "AIModel"})
	m := NewSimilarityMatcher(idx, nil, nil, DefaultSimilarityConfig(), zaptest.NewLogger(t))

	result, err := m.Match(context.Background(), "resale", "")
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if result.Matched {
		t.Errorf("Match(resale) matched %q at %f, want below threshold",
			result.Name, result.Similarity)
	}
}

func TestMatchRecordsCandidatesSorted(t *testing.T) {
	idx := seedIndex(t,
		entity.Entry{ID: "1", Name: "bert", Type: "AIModel"},
		entity.Entry{ID: "2", Name: "berta", Type: "AIModel"},
	)
	m := NewSimilarityMatcher(idx, nil, nil, DefaultSimilarityConfig(), zaptest.NewLogger(t))

	result, err := m.Match(context.Background(), "bert", "")
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if len(result.Candidates) < 2 {
		t.Fatalf("candidates = %+v, want both names", result.Candidates)
	}
	if result.Candidates[0].Name != "bert" {
		t.Errorf("top candidate = %q, want exact match first", result.Candidates[0].Name)
	}
	for i := 1; i < len(result.Candidates); i++ {
		if result.Candidates[i].Similarity > result.Candidates[i-1].Similarity {
			t.Errorf("candidates not sorted by similarity: %+v", result.Candidates)
		}
	}
}

func TestMatchMergesVectorCandidates(t *testing.T) {
	idx := seedIndex(t)
	searcher := &fakeSearcher{hits: []vector.Hit{
		{ID: "v-1", Score: 0.93, Payload: map[string]string{"id": "v-1", "name": "llama 2", "type": "AIModel"}},
	}}
	cfg := DefaultSimilarityConfig()
	cfg.VectorCollection = "entities"
	m := NewSimilarityMatcher(idx, searcher, &fakeEmbedder{}, cfg, zaptest.NewLogger(t))

	result, err := m.Match(context.Background(), "llama2", "")
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if !result.Matched || result.Name != "llama 2" {
		t.Errorf("result = %+v, want vector candidate llama 2 accepted", result)
	}
}

func TestMatchSurvivesEmbeddingFailure(t *testing.T) {
	idx := seedIndex(t, entity.Entry{ID: "m-1", Name: "claude", Type: "AIModel"})
	cfg := DefaultSimilarityConfig()
	cfg.VectorCollection = "entities"
	m := NewSimilarityMatcher(idx, &fakeSearcher{}, &fakeEmbedder{err: errors.New("model down")}, cfg, zaptest.NewLogger(t))

	result, err := m.Match(context.Background(), "claude", "")
	if err != nil {
		t.Fatalf("Match() error = %v, want embedding failure swallowed", err)
	}
	if !result.Matched {
		t.Error("index candidates should still match when embedding fails")
	}
}
