package chainchat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"ChainChat/pkg/txflow"
)

func TestChatDecodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if req.Account == nil || req.Account.Address != "0xabc" {
			t.Fatalf("account not sent: %+v", req)
		}
		_, _ = w.Write([]byte(`{"messages":{"content":{"status":"success","inputdata":{"to":"0x1"}},"tool":"transfer_token","id":"m-1","role":"assistant"}}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	env, err := client.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "send 1 eth"}},
		Account:  &Account{Address: "0xabc"},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if env.Tool != "transfer_token" || env.ID != "m-1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestReportOutcomeAsNotifier(t *testing.T) {
	var got txflow.Outcome
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/outcomes" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Receipt{ReportID: "r-1", MessageID: got.MessageID, Status: "queued"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	var notifier txflow.Notifier = client
	if err := notifier.Notify(context.Background(), txflow.Outcome{MessageID: "m-1", Code: txflow.CodeUserRejected}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.MessageID != "m-1" || got.Code != txflow.CodeUserRejected {
		t.Fatalf("unexpected outcome: %+v", got)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"too many requests","code":"RATE_LIMITED"}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	_, err := client.ListDispatches(context.Background(), 5)
	if !IsRateLimited(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	apiErr := err.(*APIError)
	if apiErr.Code != "RATE_LIMITED" || apiErr.Message != "too many requests" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestGetDispatchEscapesID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/dispatches/abc-1" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(Dispatch{ID: "abc-1", HasTransaction: true})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL+"/", srv.Client())
	d, err := client.GetDispatch(context.Background(), "abc-1")
	if err != nil || d.ID != "abc-1" || !d.HasTransaction {
		t.Fatalf("unexpected dispatch %+v err=%v", d, err)
	}
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	if _, err := NewClient("localhost", nil); err == nil {
		t.Fatalf("expected error for url without scheme")
	}
}
