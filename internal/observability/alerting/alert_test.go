package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	xerrors "ChainChat/internal/errors"
	"ChainChat/pkg/logger"
)

type failingNotifier struct{ calls int }

func (f *failingNotifier) Channel() Channel { return "failing" }

func (f *failingNotifier) Notify(context.Context, Event) error {
	f.calls++
	return errors.New("boom")
}

func TestFanoutJoinsChannelErrors(t *testing.T) {
	logger.Discard()
	failing := &failingNotifier{}
	d := NewFanout(LogNotifier{}, failing, nil)

	err := d.Notify(context.Background(), Event{Code: xerrors.CodeStorageFailure, Message: "apply outcome"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "channel failing")
	require.Equal(t, 1, failing.calls)
}

func TestNilFanoutIsNoop(t *testing.T) {
	var d *FanoutDispatcher
	require.NoError(t, d.Notify(context.Background(), Event{}))
}

func TestWebhookPostsEvent(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, 0)
	err := n.Notify(context.Background(), Event{
		Code:      xerrors.CodeStorageFailure,
		MessageID: "m-1",
		Attempts:  3,
		Metadata:  map[string]string{"stage": "exhausted"},
	})
	require.NoError(t, err)
	require.Equal(t, "m-1", got.MessageID)
	require.Equal(t, "exhausted", got.Metadata["stage"])
}

func TestWebhookReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL, 0).Notify(context.Background(), Event{})
	require.ErrorContains(t, err, "502")
}
