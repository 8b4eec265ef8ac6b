package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TxOptions tunes a managed transaction.
type TxOptions struct {
	// Timeout overrides the connection default when positive.
	Timeout time.Duration
	// Metadata is attached to log lines for tracing.
	Metadata map[string]any
}

// TransactionManager runs work units against the store with session
// acquisition and release handled on every exit path.
type TransactionManager struct {
	conn   *Connection
	logger *zap.Logger
}

// NewTransactionManager creates a manager on top of a connection.
func NewTransactionManager(conn *Connection, logger *zap.Logger) *TransactionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransactionManager{conn: conn, logger: logger}
}

// Read acquires a read session and runs work inside a managed
// transaction.
func (tm *TransactionManager) Read(ctx context.Context, work func(tx *Tx) (any, error), opts *TxOptions) (any, error) {
	session, err := tm.conn.GetReadSession()
	if err != nil {
		return nil, err
	}
	defer session.Close()

	ctx, cancel := tm.applyTimeout(ctx, opts)
	defer cancel()
	return session.ExecuteRead(ctx, work)
}

// Write acquires a write session and runs work inside a managed
// transaction.
func (tm *TransactionManager) Write(ctx context.Context, work func(tx *Tx) (any, error), opts *TxOptions) (any, error) {
	session, err := tm.conn.GetWriteSession()
	if err != nil {
		return nil, err
	}
	defer session.Close()

	ctx, cancel := tm.applyTimeout(ctx, opts)
	defer cancel()
	return session.ExecuteWrite(ctx, work)
}

func (tm *TransactionManager) applyTimeout(ctx context.Context, opts *TxOptions) (context.Context, context.CancelFunc) {
	if opts != nil && opts.Timeout > 0 {
		return context.WithTimeout(ctx, opts.Timeout)
	}
	return context.WithCancel(ctx)
}

// BatchItem is one unit of a batch. Higher Priority runs first.
type BatchItem struct {
	ID       string
	Priority int
	Execute  func(ctx context.Context, tx *Tx) (any, error)
}

// BatchItemResult pairs an item with its result.
type BatchItemResult struct {
	ID     string `json:"id"`
	Result any    `json:"result,omitempty"`
}

// BatchItemError pairs an item with its failure.
type BatchItemError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// BatchResult reports a batch run. When an item fails the whole
// transaction is rolled back; Successful then lists results computed
// before the failure, none of which were committed.
type BatchResult struct {
	Successful []BatchItemResult `json:"successful"`
	Failed     []BatchItemError  `json:"failed"`
	DurationMs int64             `json:"duration_ms"`
}

// Batch executes items inside one write transaction, highest priority
// first. The first failure aborts and rolls back; the returned error is
// that failure, and the result still carries both lists.
func (tm *TransactionManager) Batch(ctx context.Context, items []BatchItem, opts *TxOptions) (*BatchResult, error) {
	start := time.Now()
	result := &BatchResult{
		Successful: make([]BatchItemResult, 0, len(items)),
		Failed:     make([]BatchItemError, 0),
	}
	if len(items) == 0 {
		result.DurationMs = time.Since(start).Milliseconds()
		return result, nil
	}

	ordered := make([]BatchItem, len(items))
	copy(ordered, items)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	var failed error
	_, txErr := tm.Write(ctx, func(tx *Tx) (any, error) {
		for _, item := range ordered {
			out, err := item.Execute(ctx, tx)
			if err != nil {
				failed = fmt.Errorf("batch item %s: %w", item.ID, err)
				result.Failed = append(result.Failed, BatchItemError{ID: item.ID, Error: err.Error()})
				return nil, failed
			}
			result.Successful = append(result.Successful, BatchItemResult{ID: item.ID, Result: out})
		}
		return nil, nil
	}, opts)

	result.DurationMs = time.Since(start).Milliseconds()
	if failed != nil {
		tm.logger.Warn("batch rolled back",
			zap.Int("completed", len(result.Successful)),
			zap.Error(failed))
		return result, failed
	}
	if txErr != nil {
		return result, txErr
	}
	return result, nil
}

// NewUnitOfWork creates an empty unit of work bound to this manager.
func (tm *TransactionManager) NewUnitOfWork() *UnitOfWork {
	return &UnitOfWork{tm: tm}
}

// OperationType orders operations inside a unit-of-work commit.
type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
)

// Operation is a pending statement inside a unit of work.
type Operation struct {
	ID     string
	Type   OperationType
	Query  string
	Params map[string]any
}

// UnitOfWork accumulates statements and commits them in one write
// transaction, creates first, then updates, then deletes. Within a
// bucket, registration order is preserved.
type UnitOfWork struct {
	tm      *TransactionManager
	mu      sync.Mutex
	pending []Operation
}

// RegisterCreate queues a create statement and returns its operation id.
func (u *UnitOfWork) RegisterCreate(query string, params map[string]any) string {
	return u.register(OpCreate, query, params)
}

// RegisterUpdate queues an update statement and returns its operation id.
func (u *UnitOfWork) RegisterUpdate(query string, params map[string]any) string {
	return u.register(OpUpdate, query, params)
}

// RegisterDelete queues a delete statement and returns its operation id.
func (u *UnitOfWork) RegisterDelete(query string, params map[string]any) string {
	return u.register(OpDelete, query, params)
}

func (u *UnitOfWork) register(t OperationType, query string, params map[string]any) string {
	op := Operation{
		ID:     uuid.New().String(),
		Type:   t,
		Query:  query,
		Params: params,
	}
	u.mu.Lock()
	u.pending = append(u.pending, op)
	u.mu.Unlock()
	return op.ID
}

// Commit executes every pending operation in one write transaction and
// clears the pending set on success.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	u.mu.Lock()
	ops := make([]Operation, len(u.pending))
	copy(ops, u.pending)
	u.mu.Unlock()

	if len(ops) == 0 {
		return nil
	}

	// Stable sort keeps registration order within each type bucket.
	rank := map[OperationType]int{OpCreate: 0, OpUpdate: 1, OpDelete: 2}
	sort.SliceStable(ops, func(i, j int) bool {
		return rank[ops[i].Type] < rank[ops[j].Type]
	})

	_, err := u.tm.Write(ctx, func(tx *Tx) (any, error) {
		for _, op := range ops {
			if _, err := tx.Run(ctx, op.Query, op.Params); err != nil {
				return nil, fmt.Errorf("operation %s (%s): %w", op.ID, op.Type, err)
			}
		}
		return nil, nil
	}, nil)
	if err != nil {
		return err
	}

	u.mu.Lock()
	u.pending = nil
	u.mu.Unlock()
	return nil
}

// Rollback discards pending operations without executing them.
func (u *UnitOfWork) Rollback() {
	u.mu.Lock()
	u.pending = nil
	u.mu.Unlock()
}

// HasPendingOperations reports whether anything is queued.
func (u *UnitOfWork) HasPendingOperations() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.pending) > 0
}

// PendingCount returns the number of queued operations.
func (u *UnitOfWork) PendingCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.pending)
}

// PendingOperations returns a copy of the queue; mutating it does not
// affect the unit of work.
func (u *UnitOfWork) PendingOperations() []Operation {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]Operation, len(u.pending))
	copy(out, u.pending)
	return out
}
