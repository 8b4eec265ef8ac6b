package graph

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"
)

func newTestManager(t *testing.T) (*fakeStore, *TransactionManager) {
	t.Helper()
	f, conn := connectedTestStore(t)
	return f, NewTransactionManager(conn, zaptest.NewLogger(t))
}

func TestBatchRunsByDescendingPriority(t *testing.T) {
	_, tm := newTestManager(t)

	var mu sync.Mutex
	var order []string
	record := func(id string) func(ctx context.Context, tx *Tx) (any, error) {
		return func(ctx context.Context, tx *Tx) (any, error) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return id + "-ok", nil
		}
	}

	items := []BatchItem{
		{ID: "low", Priority: 1, Execute: record("low")},
		{ID: "high", Priority: 5, Execute: record("high")},
		{ID: "mid", Priority: 3, Execute: record("mid")},
	}
	result, err := tm.Batch(context.Background(), items, nil)
	if err != nil {
		t.Fatalf("Batch failed: %v", err)
	}

	want := []string{"high", "mid", "low"}
	for i, id := range want {
		if order[i] != id {
			t.Fatalf("expected execution order %v, got %v", want, order)
		}
	}
	if len(result.Successful) != 3 || len(result.Failed) != 0 {
		t.Errorf("expected 3 successful, got %d/%d failed", len(result.Successful), len(result.Failed))
	}
	if result.Successful[0].ID != "high" || result.Successful[0].Result != "high-ok" {
		t.Errorf("unexpected first result: %+v", result.Successful[0])
	}
	if result.DurationMs < 0 {
		t.Errorf("negative duration %d", result.DurationMs)
	}
}

func TestBatchFailureRollsBackAndReportsBothLists(t *testing.T) {
	f, tm := newTestManager(t)

	var ran []string
	items := []BatchItem{
		{ID: "first", Priority: 3, Execute: func(ctx context.Context, tx *Tx) (any, error) {
			ran = append(ran, "first")
			return 1, nil
		}},
		{ID: "breaks", Priority: 2, Execute: func(ctx context.Context, tx *Tx) (any, error) {
			ran = append(ran, "breaks")
			return nil, errors.New("constraint violated")
		}},
		{ID: "never", Priority: 1, Execute: func(ctx context.Context, tx *Tx) (any, error) {
			ran = append(ran, "never")
			return 3, nil
		}},
	}

	result, err := tm.Batch(context.Background(), items, nil)
	if err == nil {
		t.Fatal("expected batch error")
	}
	if len(ran) != 2 {
		t.Errorf("expected execution to stop at the failure, ran %v", ran)
	}
	if len(result.Successful) != 1 || result.Successful[0].ID != "first" {
		t.Errorf("unexpected successful list: %+v", result.Successful)
	}
	if len(result.Failed) != 1 || result.Failed[0].ID != "breaks" {
		t.Errorf("unexpected failed list: %+v", result.Failed)
	}
	if !strings.Contains(result.Failed[0].Error, "constraint violated") {
		t.Errorf("failed entry should carry the cause, got %q", result.Failed[0].Error)
	}

	_, committed, rolledBack := f.counts()
	if committed != 0 || rolledBack != 1 {
		t.Errorf("expected rollback without commit, got commit=%d rollback=%d", committed, rolledBack)
	}
}

func TestBatchEmptyIsNoop(t *testing.T) {
	f, tm := newTestManager(t)
	result, err := tm.Batch(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("empty Batch failed: %v", err)
	}
	if len(result.Successful) != 0 || len(result.Failed) != 0 {
		t.Errorf("expected empty result, got %+v", result)
	}
	begun, _, _ := f.counts()
	if begun != 0 {
		t.Errorf("empty batch must not open a transaction, begun=%d", begun)
	}
}

func TestUnitOfWorkCommitsInTypeOrder(t *testing.T) {
	f, tm := newTestManager(t)
	uow := tm.NewUnitOfWork()

	uow.RegisterUpdate("SET first-update", nil)
	uow.RegisterDelete("DELETE one", nil)
	uow.RegisterCreate("CREATE alpha", nil)
	uow.RegisterCreate("CREATE beta", nil)
	uow.RegisterUpdate("SET second-update", nil)

	if !uow.HasPendingOperations() || uow.PendingCount() != 5 {
		t.Fatalf("expected 5 pending operations, got %d", uow.PendingCount())
	}
	if err := uow.Commit(context.Background()); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	stmts := f.recorded()
	// First statement is the connect probe.
	executed := stmts[1:]
	want := []string{"CREATE alpha", "CREATE beta", "SET first-update", "SET second-update", "DELETE one"}
	if len(executed) != len(want) {
		t.Fatalf("expected %d statements, got %v", len(want), executed)
	}
	for i, q := range want {
		if executed[i] != q {
			t.Errorf("statement %d: expected %q, got %q", i, q, executed[i])
		}
	}
	if uow.HasPendingOperations() {
		t.Error("expected pending set cleared after commit")
	}
}

func TestUnitOfWorkRollbackDiscards(t *testing.T) {
	f, tm := newTestManager(t)
	uow := tm.NewUnitOfWork()

	uow.RegisterCreate("CREATE x", nil)
	uow.Rollback()

	if uow.HasPendingOperations() {
		t.Error("expected no pending operations after rollback")
	}
	if err := uow.Commit(context.Background()); err != nil {
		t.Fatalf("Commit of empty unit failed: %v", err)
	}
	begun, _, _ := f.counts()
	if begun != 0 {
		t.Errorf("rollback must not touch the store, begun=%d", begun)
	}
}

func TestUnitOfWorkFailedCommitKeepsPending(t *testing.T) {
	f, tm := newTestManager(t)
	f.setRespond(func(stmt string, params map[string]any) (*txResultSet, *txError) {
		if strings.Contains(stmt, "CREATE") {
			return nil, &txError{Code: "Neo.ClientError.Schema.ConstraintValidationFailed", Message: "duplicate"}
		}
		return nil, nil
	})

	uow := tm.NewUnitOfWork()
	uow.RegisterCreate("CREATE dup", nil)
	err := uow.Commit(context.Background())
	if err == nil {
		t.Fatal("expected commit error")
	}
	if !uow.HasPendingOperations() {
		t.Error("failed commit should keep operations pending for retry")
	}
}

func TestPendingOperationsReturnsDefensiveCopy(t *testing.T) {
	_, tm := newTestManager(t)
	uow := tm.NewUnitOfWork()
	uow.RegisterCreate("CREATE real", nil)

	ops := uow.PendingOperations()
	ops[0].Query = "CREATE tampered"

	fresh := uow.PendingOperations()
	if fresh[0].Query != "CREATE real" {
		t.Errorf("mutating the copy leaked into the unit of work: %q", fresh[0].Query)
	}
}

func TestOperationIDsAreUnique(t *testing.T) {
	_, tm := newTestManager(t)
	uow := tm.NewUnitOfWork()

	a := uow.RegisterCreate("CREATE a", nil)
	b := uow.RegisterUpdate("SET b", nil)
	if a == "" || b == "" || a == b {
		t.Errorf("expected distinct non-empty operation ids, got %q and %q", a, b)
	}
}
