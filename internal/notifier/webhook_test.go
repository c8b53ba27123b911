package notifier

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNotifyPostsContent(t *testing.T) {
	var received map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &WebhookNotifier{WebhookURL: srv.URL}
	require.NoError(t, n.Notify("Download complete: City Pack"))
	require.Equal(t, "Download complete: City Pack", received["content"])
}

func TestNotifyFailsOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	n := &WebhookNotifier{WebhookURL: srv.URL}
	require.ErrorContains(t, n.Notify("hello"), "status 429")
}

func TestNotifyRequiresURL(t *testing.T) {
	n := &WebhookNotifier{}
	require.Error(t, n.Notify("hello"))
}
