package nlq

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/scholar-graph-pipeline/internal/cache"
	"github.com/scholar-graph-pipeline/internal/graph"
	"github.com/scholar-graph-pipeline/internal/jsonx"
)

// fakeStore speaks enough of the transactional HTTP protocol to serve
// the executor: begin, run, commit, rollback.
type fakeStore struct {
	srv *httptest.Server

	mu         sync.Mutex
	statements []string
	failMsg    string
	respond    func(stmt string) ([]string, [][]any)
}

func newFakeStore(t *testing.T) *fakeStore {
	t.Helper()
	f := &fakeStore{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodDelete:
			fmt.Fprint(w, `{"results":[],"errors":[]}`)
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/tx"):
			w.Header().Set("Location", f.srv.URL+"/db/neo4j/tx/1")
			w.WriteHeader(http.StatusCreated)
			fmt.Fprintf(w, `{"results":[],"errors":[],"commit":"%s/db/neo4j/tx/1/commit"}`, f.srv.URL)
		default:
			f.runStatements(w, r)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeStore) runStatements(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Statements []struct {
			Statement  string         `json:"statement"`
			Parameters map[string]any `json:"parameters"`
		} `json:"statements"`
	}
	if err := jsonx.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	type row struct {
		Row []any `json:"row"`
	}
	type resultSet struct {
		Columns []string `json:"columns"`
		Data    []row    `json:"data"`
	}
	type storeError struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	out := struct {
		Results []resultSet  `json:"results"`
		Errors  []storeError `json:"errors"`
	}{Results: []resultSet{}, Errors: []storeError{}}

	f.mu.Lock()
	failMsg, responder := f.failMsg, f.respond
	for _, st := range req.Statements {
		f.statements = append(f.statements, st.Statement)
	}
	f.mu.Unlock()

	if failMsg != "" && len(req.Statements) > 0 {
		out.Errors = append(out.Errors, storeError{
			Code:    "Neo.ClientError.Statement.SyntaxError",
			Message: failMsg,
		})
	} else {
		for _, st := range req.Statements {
			rs := resultSet{Columns: []string{}, Data: []row{}}
			if responder != nil {
				cols, rows := responder(st.Statement)
				rs.Columns = cols
				for _, r := range rows {
					rs.Data = append(rs.Data, row{Row: r})
				}
			}
			out.Results = append(out.Results, rs)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = jsonx.NewEncoder(w).Encode(out)
}

func (f *fakeStore) setRespond(fn func(stmt string) ([]string, [][]any)) {
	f.mu.Lock()
	f.respond = fn
	f.mu.Unlock()
}

func (f *fakeStore) setFail(msg string) {
	f.mu.Lock()
	f.failMsg = msg
	f.mu.Unlock()
}

func (f *fakeStore) count(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.statements {
		if strings.Contains(s, substr) {
			n++
		}
	}
	return n
}

func newExecutorOn(t *testing.T, store *fakeStore, mgr *cache.Manager) *Executor {
	t.Helper()
	logger := zaptest.NewLogger(t)
	conn := graph.NewConnection(graph.Config{URI: store.srv.URL, Database: "neo4j"}, logger)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { conn.Close(context.Background()) })
	return NewExecutor(graph.NewTransactionManager(conn, logger), mgr, ExecutorConfig{}, logger)
}

func TestExecutorValidateUsesExplain(t *testing.T) {
	store := newFakeStore(t)
	ex := newExecutorOn(t, store, nil)

	if err := ex.Validate(context.Background(), "MATCH (n) RETURN n LIMIT 5"); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if got := store.count("EXPLAIN MATCH (n) RETURN n LIMIT 5"); got != 1 {
		t.Errorf("expected 1 EXPLAIN statement, got %d", got)
	}
}

func TestExecutorValidatePropagatesStoreError(t *testing.T) {
	store := newFakeStore(t)
	ex := newExecutorOn(t, store, nil)
	store.setFail("Invalid input 'MATCHX'")

	if err := ex.Validate(context.Background(), "MATCHX"); err == nil {
		t.Error("expected validation error from store")
	}
}

func TestExecutorExecuteReturnsRows(t *testing.T) {
	store := newFakeStore(t)
	ex := newExecutorOn(t, store, nil)
	store.setRespond(func(stmt string) ([]string, [][]any) {
		if strings.Contains(stmt, "RETURN p.title") {
			return []string{"p.title"}, [][]any{{"Attention Is All You Need"}, {"Emergent Abilities"}}
		}
		return nil, nil
	})

	res, fromCache, err := ex.Execute(context.Background(), "MATCH (p:Paper) RETURN p.title LIMIT 25")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if fromCache {
		t.Error("first execution should not come from cache")
	}
	if len(res.Columns) != 1 || res.Columns[0] != "p.title" {
		t.Errorf("unexpected columns: %v", res.Columns)
	}
	if len(res.Records) != 2 || res.Records[0]["p.title"] != "Attention Is All You Need" {
		t.Errorf("unexpected records: %v", res.Records)
	}
}

func TestExecutorExecuteCachesResults(t *testing.T) {
	store := newFakeStore(t)
	mgr, err := cache.NewManager(cache.Config{}, nil, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	ex := newExecutorOn(t, store, mgr)
	store.setRespond(func(stmt string) ([]string, [][]any) {
		if strings.Contains(stmt, "RETURN m.name") {
			return []string{"m.name"}, [][]any{{"BERT"}}
		}
		return nil, nil
	})

	cypher := "MATCH (m:Model) RETURN m.name LIMIT 25"
	first, hit, err := ex.Execute(context.Background(), cypher)
	if err != nil {
		t.Fatalf("first Execute failed: %v", err)
	}
	if hit {
		t.Error("first execution should miss the cache")
	}
	mgr.Wait()

	second, hit, err := ex.Execute(context.Background(), cypher)
	if err != nil {
		t.Fatalf("second Execute failed: %v", err)
	}
	if !hit {
		t.Error("second execution should hit the cache")
	}
	if got := store.count("MATCH (m:Model)"); got != 1 {
		t.Errorf("expected 1 store query, got %d", got)
	}
	if len(second.Records) != len(first.Records) || second.Records[0]["m.name"] != "BERT" {
		t.Errorf("cached result differs: %v vs %v", second.Records, first.Records)
	}
}

func TestExecutorWithoutCacheHitsStoreEachTime(t *testing.T) {
	store := newFakeStore(t)
	ex := newExecutorOn(t, store, nil)

	cypher := "MATCH (n:Technique) RETURN n.name LIMIT 25"
	for i := 0; i < 2; i++ {
		if _, hit, err := ex.Execute(context.Background(), cypher); err != nil || hit {
			t.Fatalf("run %d: err=%v hit=%v", i, err, hit)
		}
	}
	if got := store.count("MATCH (n:Technique)"); got != 2 {
		t.Errorf("expected 2 store queries, got %d", got)
	}
}

func TestExecutorErrorsAreNotCached(t *testing.T) {
	store := newFakeStore(t)
	mgr, err := cache.NewManager(cache.Config{}, nil, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	ex := newExecutorOn(t, store, mgr)
	store.setFail("boom")

	cypher := "MATCH (n) RETURN n LIMIT 25"
	if _, _, err := ex.Execute(context.Background(), cypher); err == nil {
		t.Fatal("expected execution error")
	}

	store.setFail("")
	mgr.Wait()
	if _, hit, err := ex.Execute(context.Background(), cypher); err != nil || hit {
		t.Errorf("recovery run: err=%v hit=%v, want fresh store read", err, hit)
	}
}
