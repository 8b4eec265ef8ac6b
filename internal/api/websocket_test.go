package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/scholar-graph-pipeline/internal/nlq"
)

func newStreamServer(t *testing.T) *httptest.Server {
	t.Helper()
	t.Setenv("PIPELINE_JWT_SECRET", "")
	jwtm, err := NewJWTMiddleware(zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewJWTMiddleware: %v", err)
	}
	srv := NewServer(Deps{Query: nilLLMEngine(t)}, jwtm, zaptest.NewLogger(t))
	r := mux.NewRouter()
	srv.Routes(r)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts
}

func dialQuerySocket(t *testing.T, ts *httptest.Server, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/query"
	return websocket.DefaultDialer.Dial(url, header)
}

func TestQuerySocketStreamsAnswers(t *testing.T) {
	ts := newStreamServer(t)
	header := http.Header{"Authorization": []string{authToken(t)}}

	conn, _, err := dialQuerySocket(t, ts, header)
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteJSON(WSQueryRequest{Question: "how many papers cite BERT?"}); err != nil {
		t.Fatalf("writing question: %v", err)
	}
	var ev nlq.StreamEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("reading event: %v", err)
	}
	if ev.Type != "error" {
		t.Fatalf("expected a terminal error event without an LLM, got %q", ev.Type)
	}
	if ev.Answer == nil || ev.Answer.Error == nil {
		t.Fatal("terminal event must carry the answer with its error")
	}
	if ev.Answer.Error.Code != nlq.CodeLLMUnavailable {
		t.Errorf("expected %s, got %s", nlq.CodeLLMUnavailable, ev.Answer.Error.Code)
	}

	// The socket stays open for the next question.
	if err := conn.WriteJSON(WSQueryRequest{Question: "   "}); err != nil {
		t.Fatalf("writing blank question: %v", err)
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("reading validation event: %v", err)
	}
	if ev.Type != "error" || !strings.Contains(ev.Content, "question is required") {
		t.Errorf("expected a validation error frame, got %+v", ev)
	}
}

func TestQuerySocketRequiresToken(t *testing.T) {
	ts := newStreamServer(t)

	conn, resp, err := dialQuerySocket(t, ts, nil)
	if err == nil {
		conn.Close()
		t.Fatal("expected the handshake to be rejected without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake response, got %+v", resp)
	}
}
