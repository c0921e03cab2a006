package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"ChainChat/pkg/envelope"
	"ChainChat/pkg/txflow"
	"ChainChat/sdk/go/chainchat"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		env := envelope.Text("", "Your balance is 1.5 ETH.")
		env.ID = "demo-message"
		env.Role = envelope.RoleAssistant
		_ = json.NewEncoder(w).Encode(envelope.Reply{Messages: env})
	})
	mux.HandleFunc("/api/v1/outcomes", func(w http.ResponseWriter, r *http.Request) {
		var outcome txflow.Outcome
		_ = json.NewDecoder(r.Body).Decode(&outcome)
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(chainchat.Receipt{ReportID: "demo-report", MessageID: outcome.MessageID, Status: "queued"})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := chainchat.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	env, err := client.Chat(ctx, chainchat.ChatRequest{
		Messages: []chainchat.Message{{Role: "user", Content: "what is my balance?"}},
		Account:  &chainchat.Account{Address: "0x00000000000000000000000000000000000000aa"},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("assistant (%s): %s\n", env.ID, env.ResponseText())

	receipt, err := client.ReportOutcome(ctx, txflow.Outcome{MessageID: env.ID, Code: txflow.CodeUserRejected})
	if err != nil {
		panic(err)
	}
	fmt.Printf("outcome report %s is %s\n", receipt.ReportID, receipt.Status)
}
