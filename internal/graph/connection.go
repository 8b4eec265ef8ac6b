package graph

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scholar-graph-pipeline/internal/jsonx"
)

// ErrNotConnected is returned by store operations before Connect.
var ErrNotConnected = errors.New("graph: store not connected")

// StoreError is a query error reported by the store, carrying the
// server's error code (e.g. Neo.TransientError.Transaction.DeadlockDetected).
type StoreError struct {
	Code    string
	Message string
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("graph store error %s: %s", e.Code, e.Message)
}

// Config holds connection settings for the Neo4j HTTP API.
type Config struct {
	// URI is the HTTP base, e.g. http://localhost:7474.
	URI      string
	Username string
	Password string
	Database string
	// Timeout bounds each store call.
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults for a local store.
func DefaultConfig() Config {
	return Config{
		URI:      "http://localhost:7474",
		Database: "neo4j",
		Timeout:  30 * time.Second,
	}
}

// AccessMode distinguishes read and write sessions.
type AccessMode int

const (
	ReadMode AccessMode = iota
	WriteMode
)

// Connection is a client for the Neo4j transactional HTTP endpoint.
// One-shot statements go through /db/{db}/tx/commit; managed closures
// open an explicit transaction and commit or roll back around the work.
type Connection struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger

	mu        sync.RWMutex
	connected bool
}

// NewConnection creates an unconnected client.
func NewConnection(cfg Config, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.URI == "" {
		cfg.URI = def.URI
	}
	if cfg.Database == "" {
		cfg.Database = def.Database
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	cfg.URI = strings.TrimRight(cfg.URI, "/")

	return &Connection{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Connect verifies the store is reachable and marks the connection
// usable. Store operations before Connect fail with ErrNotConnected.
func (c *Connection) Connect(ctx context.Context) error {
	if _, err := c.run(ctx, c.txCommitURL(), "RETURN 1", nil); err != nil {
		return fmt.Errorf("graph: connectivity check failed: %w", err)
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.logger.Info("graph store connected",
		zap.String("uri", c.cfg.URI),
		zap.String("database", c.cfg.Database))
	return nil
}

// Close marks the connection unusable. The HTTP transport keeps no
// server-side state to tear down.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.logger.Info("graph store connection closed")
	return nil
}

func (c *Connection) checkConnected() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected {
		return ErrNotConnected
	}
	return nil
}

// GetReadSession acquires a session for read work. The caller must
// Close it on every exit path.
func (c *Connection) GetReadSession() (*Session, error) {
	return c.session(ReadMode)
}

// GetWriteSession acquires a session for write work. The caller must
// Close it on every exit path.
func (c *Connection) GetWriteSession() (*Session, error) {
	return c.session(WriteMode)
}

func (c *Connection) session(mode AccessMode) (*Session, error) {
	if err := c.checkConnected(); err != nil {
		return nil, err
	}
	return &Session{conn: c, mode: mode}, nil
}

// ExecuteQuery runs a single statement in an auto-commit transaction.
func (c *Connection) ExecuteQuery(ctx context.Context, cypher string, params map[string]any) (*Result, error) {
	if err := c.checkConnected(); err != nil {
		return nil, err
	}
	return c.run(ctx, c.txCommitURL(), cypher, params)
}

func (c *Connection) txCommitURL() string {
	return fmt.Sprintf("%s/db/%s/tx/commit", c.cfg.URI, c.cfg.Database)
}

func (c *Connection) txBeginURL() string {
	return fmt.Sprintf("%s/db/%s/tx", c.cfg.URI, c.cfg.Database)
}

// Result holds the rows of one statement.
type Result struct {
	Columns []string
	Records []map[string]any
}

// Wire shapes for the transactional HTTP endpoint.
type txStatement struct {
	Statement          string         `json:"statement"`
	Parameters         map[string]any `json:"parameters,omitempty"`
	ResultDataContents []string       `json:"resultDataContents,omitempty"`
}

type txRequest struct {
	Statements []txStatement `json:"statements"`
}

type txRow struct {
	Row []any `json:"row"`
}

type txResultSet struct {
	Columns []string `json:"columns"`
	Data    []txRow  `json:"data"`
}

type txError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type txResponse struct {
	Results []txResultSet `json:"results"`
	Errors  []txError     `json:"errors"`
	Commit  string        `json:"commit,omitempty"`
}

// post sends statements to a transaction URL and decodes the response.
func (c *Connection) post(ctx context.Context, method, url string, stmts []txStatement) (*txResponse, string, error) {
	var reqBody io.Reader
	if stmts != nil {
		payload, err := jsonx.Marshal(txRequest{Statements: stmts})
		if err != nil {
			return nil, "", fmt.Errorf("graph: encode request: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, "", fmt.Errorf("graph: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("graph: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("graph: read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, "", fmt.Errorf("graph: store returned %d: %s", resp.StatusCode, truncateBody(body))
	}

	var parsed txResponse
	if len(body) > 0 {
		if err := jsonx.Unmarshal(body, &parsed); err != nil {
			return nil, "", fmt.Errorf("graph: decode response: %w", err)
		}
	}
	if len(parsed.Errors) > 0 {
		first := parsed.Errors[0]
		return &parsed, "", &StoreError{Code: first.Code, Message: first.Message}
	}
	return &parsed, resp.Header.Get("Location"), nil
}

// run executes one statement against url and converts the first result
// set into a Result.
func (c *Connection) run(ctx context.Context, url, cypher string, params map[string]any) (*Result, error) {
	stmt := txStatement{
		Statement:          cypher,
		Parameters:         params,
		ResultDataContents: []string{"row"},
	}
	resp, _, err := c.post(ctx, http.MethodPost, url, []txStatement{stmt})
	if err != nil {
		return nil, err
	}
	return firstResult(resp), nil
}

func firstResult(resp *txResponse) *Result {
	if resp == nil || len(resp.Results) == 0 {
		return &Result{}
	}
	rs := resp.Results[0]
	out := &Result{Columns: rs.Columns, Records: make([]map[string]any, 0, len(rs.Data))}
	for _, row := range rs.Data {
		record := make(map[string]any, len(rs.Columns))
		for i, col := range rs.Columns {
			if i < len(row.Row) {
				record[col] = row.Row[i]
			}
		}
		out.Records = append(out.Records, record)
	}
	return out
}

func truncateBody(b []byte) string {
	const max = 512
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}

// Session scopes transactional work against the store. Sessions are
// cheap; acquire one per unit of work and Close it when done.
type Session struct {
	conn   *Connection
	mode   AccessMode
	closed bool
	mu     sync.Mutex
}

// Close releases the session. Closing twice is harmless.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("graph: session already closed")
	}
	return nil
}

// ExecuteRead runs work inside a managed transaction intended for
// reads. Commit on nil error, rollback otherwise.
func (s *Session) ExecuteRead(ctx context.Context, work func(tx *Tx) (any, error)) (any, error) {
	return s.execute(ctx, work)
}

// ExecuteWrite runs work inside a managed write transaction. Commit on
// nil error, rollback otherwise.
func (s *Session) ExecuteWrite(ctx context.Context, work func(tx *Tx) (any, error)) (any, error) {
	return s.execute(ctx, work)
}

func (s *Session) execute(ctx context.Context, work func(tx *Tx) (any, error)) (any, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	tx, err := s.conn.beginTx(ctx)
	if err != nil {
		return nil, err
	}

	result, err := work(tx)
	if err != nil {
		if rbErr := tx.rollback(ctx); rbErr != nil {
			s.conn.logger.Warn("transaction rollback failed", zap.Error(rbErr))
		}
		return nil, err
	}
	if err := tx.commit(ctx); err != nil {
		return nil, err
	}
	return result, nil
}

// Tx is an open explicit transaction.
type Tx struct {
	conn      *Connection
	txURL     string
	commitURL string
	done      bool
}

// beginTx opens an explicit transaction and resolves its URLs from the
// Location header, falling back to the commit link in the body.
func (c *Connection) beginTx(ctx context.Context) (*Tx, error) {
	resp, location, err := c.post(ctx, http.MethodPost, c.txBeginURL(), []txStatement{})
	if err != nil {
		return nil, fmt.Errorf("graph: begin transaction: %w", err)
	}
	txURL := location
	if txURL == "" && resp.Commit != "" {
		txURL = strings.TrimSuffix(resp.Commit, "/commit")
	}
	if txURL == "" {
		return nil, errors.New("graph: store did not return a transaction URL")
	}
	return &Tx{
		conn:      c,
		txURL:     txURL,
		commitURL: strings.TrimRight(txURL, "/") + "/commit",
	}, nil
}

// Run executes one statement inside the transaction.
func (t *Tx) Run(ctx context.Context, cypher string, params map[string]any) (*Result, error) {
	if t.done {
		return nil, errors.New("graph: transaction already finished")
	}
	return t.conn.run(ctx, t.txURL, cypher, params)
}

func (t *Tx) commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if _, _, err := t.conn.post(ctx, http.MethodPost, t.commitURL, []txStatement{}); err != nil {
		return fmt.Errorf("graph: commit transaction: %w", err)
	}
	return nil
}

func (t *Tx) rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if _, _, err := t.conn.post(ctx, http.MethodDelete, t.txURL, nil); err != nil {
		return fmt.Errorf("graph: rollback transaction: %w", err)
	}
	return nil
}
