package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ChainChat/internal/agent"
	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/observability/metrics"
	"ChainChat/internal/storage/mysql"
	"ChainChat/internal/task"
	"ChainChat/pkg/envelope"
	"ChainChat/pkg/logger"
	"ChainChat/pkg/txflow"
)

type stubResponder struct {
	reply envelope.Reply
	err   error
	calls int
	last  agent.ChatRequest
}

func (s *stubResponder) Respond(_ context.Context, req agent.ChatRequest) (envelope.Reply, error) {
	s.calls++
	s.last = req
	return s.reply, s.err
}

func newTestServer(t *testing.T, responder Responder, opts ...Option) (*Server, *mysql.MemoryDispatchRepository, *task.MemoryQueue) {
	t.Helper()
	logger.Discard()
	repo, err := mysql.NewMemoryDispatchRepository(t.TempDir())
	if err != nil {
		t.Fatalf("create repository: %v", err)
	}
	queue := task.NewMemoryQueue(16)
	svc := task.NewService(repo, queue, 3)
	return NewServer(":0", responder, svc, opts...), repo, queue
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestChatReturnsReply(t *testing.T) {
	env := envelope.Text("", "hello")
	env.ID = "msg-1"
	responder := &stubResponder{reply: envelope.Reply{Messages: env}}
	server, _, _ := newTestServer(t, responder)

	rec := do(t, server.Handler(), http.MethodPost, "/api/chat",
		`{"messages":[{"role":"user","content":"hi"}],"account":{"address":"0x00000000000000000000000000000000000000aa"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var got struct {
		Messages struct {
			Content string  `json:"content"`
			Tool    *string `json:"tool"`
			ID      string  `json:"id"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Messages.Content != "hello" || got.Messages.Tool != nil || got.Messages.ID != "msg-1" {
		t.Fatalf("unexpected reply: %+v", got)
	}
	if responder.last.Account == nil || len(responder.last.Messages) != 1 {
		t.Fatalf("request not forwarded: %+v", responder.last)
	}
}

func TestChatMapsErrors(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		err    error
		status int
		code   xerrors.Code
	}{
		{"bad json", `{`, nil, http.StatusBadRequest, xerrors.CodeInvalidArgument},
		{"empty body", ``, nil, http.StatusBadRequest, xerrors.CodeInvalidArgument},
		{"upstream", `{"messages":[]}`, xerrors.New(xerrors.CodeUpstreamModel, "model down", xerrors.WithHTTPStatus(http.StatusServiceUnavailable)), http.StatusServiceUnavailable, xerrors.CodeUpstreamModel},
		{"unknown tool", `{"messages":[]}`, xerrors.New(xerrors.CodeToolNotFound, ""), http.StatusBadGateway, xerrors.CodeToolNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server, _, _ := newTestServer(t, &stubResponder{err: tc.err})
			rec := do(t, server.Handler(), http.MethodPost, "/api/chat", tc.body)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			var body envelope.ErrorBody
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Code != string(tc.code) {
				t.Fatalf("expected code %s, got %+v", tc.code, body)
			}
		})
	}
}

func TestChatRateLimitedPerAddress(t *testing.T) {
	responder := &stubResponder{reply: envelope.Reply{Messages: envelope.Text("", "ok")}}
	server, _, _ := newTestServer(t, responder, WithRateLimit(0.001, 1, time.Minute))
	h := server.Handler()
	defer server.limiter.Stop()

	body := `{"messages":[{"role":"user","content":"hi"}],"account":{"address":"0xAA"}}`
	if rec := do(t, h, http.MethodPost, "/api/chat", body); rec.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/chat", body); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request should be limited, got %d", rec.Code)
	}
	other := strings.Replace(body, "0xAA", "0xBB", 1)
	if rec := do(t, h, http.MethodPost, "/api/chat", other); rec.Code != http.StatusOK {
		t.Fatalf("other address should have its own bucket, got %d", rec.Code)
	}
	if responder.calls != 2 {
		t.Fatalf("limited request must not reach the dispatcher, calls=%d", responder.calls)
	}
}

func TestReportOutcome(t *testing.T) {
	server, repo, queue := newTestServer(t, nil)
	ctx := context.Background()
	if err := repo.Create(ctx, &mysql.DispatchRecord{ID: "tx-1", HasTransaction: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	h := server.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/outcomes", `{"message_id":"tx-1","code":"user_rejected"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var receipt task.Receipt
	if err := json.Unmarshal(rec.Body.Bytes(), &receipt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if receipt.Status != task.StatusQueued || receipt.ReportID == "" || queue.Len() != 1 {
		t.Fatalf("unexpected receipt %+v, queued=%d", receipt, queue.Len())
	}

	rec = do(t, h, http.MethodPost, "/api/v1/outcomes", `{"message_id":"tx-1","code":"transaction_pending"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("pending code should be rejected, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/api/v1/outcomes", `{"message_id":"missing","code":"user_rejected"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id should be 404, got %d", rec.Code)
	}

	if _, err := repo.ApplyOutcome(ctx, txflow.Outcome{MessageID: "tx-1", Code: txflow.CodeUserRejected}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	rec = do(t, h, http.MethodPost, "/api/v1/outcomes", `{"message_id":"tx-1","code":"user_rejected"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("replayed outcome should be 200, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/api/v1/outcomes", `{"message_id":"tx-1","code":"transaction_failed","error":"x"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("conflicting outcome should be 409, got %d", rec.Code)
	}
}

func TestDispatchHistory(t *testing.T) {
	server, repo, _ := newTestServer(t, nil)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := repo.Create(ctx, &mysql.DispatchRecord{ID: id, Prompt: "prompt " + id}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	h := server.Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/dispatches?limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status %d", rec.Code)
	}
	var list []mysql.DispatchRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 records, got %d", len(list))
	}

	if rec := do(t, h, http.MethodGet, "/api/v1/dispatches?limit=abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid limit should be 400, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/dispatches/b", "")
	var record mysql.DispatchRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &record); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusOK || record.Prompt != "prompt b" {
		t.Fatalf("unexpected detail %d %+v", rec.Code, record)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/dispatches/zzz", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing record should be 404, got %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	server, _, _ := newTestServer(t, nil, WithMetrics("/metrics", metrics.Handler()))
	h := server.Handler()

	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "chainchat_http_requests_total") {
		t.Fatalf("metrics output missing request counter")
	}
}

func TestMissingDependencies(t *testing.T) {
	logger.Discard()
	h := NewServer(":0", nil, nil).Handler()
	if rec := do(t, h, http.MethodPost, "/api/chat", `{}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without dispatcher, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/dispatches", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without history, got %d", rec.Code)
	}
}
