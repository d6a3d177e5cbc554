package ollama

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/jiminy/pkg/chat"
)

func recvAll(t *testing.T, a *Adapter, model string, turns []chat.Turn) (string, error) {
	t.Helper()
	stream, err := a.StreamCompletion(context.Background(), model, turns)
	require.NoError(t, err)
	var out string
	for {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		delta, err := stream.Recv(ctx)
		cancel()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out += delta
	}
}

func TestStreamCompletionConcatenatesDeltas(t *testing.T) {
	var gotBody chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/x-ndjson")
		io.WriteString(w, `{"message":{"content":"Hel"},"done":false}`+"\n")
		io.WriteString(w, `{"message":{"content":"lo"},"done":false}`+"\n")
		io.WriteString(w, `{"message":{"content":""},"done":true}`+"\n")
	}))
	defer srv.Close()

	a := New(srv.URL)
	out, err := recvAll(t, a, "llama3.2", []chat.Turn{{Role: chat.RoleUser, Content: "hi"}})
	require.NoError(t, err)
	require.Equal(t, "Hello", out)

	require.True(t, gotBody.Stream)
	require.Equal(t, "llama3.2", gotBody.Model)
	require.Len(t, gotBody.Messages, 1)
	require.Equal(t, "user", gotBody.Messages[0].Role)
}

func TestStreamCompletionSkipsMalformedLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `{"message":{"content":"ok "},"done":false}`+"\n")
		io.WriteString(w, `{"message":{"content":`+"\n") // truncated json
		io.WriteString(w, `not json at all`+"\n")
		io.WriteString(w, `{"message":{"content":"fine"},"done":true}`+"\n")
	}))
	defer srv.Close()

	out, err := recvAll(t, New(srv.URL), "m", nil)
	require.NoError(t, err)
	require.Equal(t, "ok fine", out)
}

func TestStreamCompletionInlineError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `{"error":"model 'nope' not found"}`+"\n")
	}))
	defer srv.Close()

	_, err := recvAll(t, New(srv.URL), "nope", nil)
	require.ErrorIs(t, err, chat.ErrRequest)
	require.Contains(t, err.Error(), "not found")
}

func TestStreamCompletionEOFWithoutDoneIsClean(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `{"message":{"content":"cut short"},"done":false}`+"\n")
	}))
	defer srv.Close()

	out, err := recvAll(t, New(srv.URL), "m", nil)
	require.NoError(t, err)
	require.Equal(t, "cut short", out)
}

func TestStreamCompletionHTTPStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, chat.ErrAuth},
		{http.StatusForbidden, chat.ErrAuth},
		{http.StatusBadRequest, chat.ErrRequest},
		{http.StatusNotFound, chat.ErrRequest},
		{http.StatusInternalServerError, chat.ErrConnection},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
			io.WriteString(w, `{"error":"nope"}`)
		}))
		_, err := New(srv.URL).StreamCompletion(context.Background(), "m", nil)
		require.ErrorIs(t, err, tc.want, "status %d", tc.status)
		srv.Close()
	}
}

func TestStreamCompletionUnreachableHost(t *testing.T) {
	a := New("http://127.0.0.1:1")
	_, err := a.StreamCompletion(context.Background(), "m", nil)
	require.ErrorIs(t, err, chat.ErrConnection)
}

func TestStreamCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"message":{"content":"start"},"done":false}`+"\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	stream, err := New(srv.URL).StreamCompletion(context.Background(), "m", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	delta, err := stream.Recv(ctx)
	cancel()
	require.NoError(t, err)
	require.Equal(t, "start", delta)

	stream.Cancel()
	ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	_, err = stream.Recv(ctx)
	cancel()
	require.ErrorIs(t, err, chat.ErrCancelled)
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		io.WriteString(w, `{"models":[{"name":"llama3.2"},{"name":"mistral"}]}`)
	}))
	defer srv.Close()

	models, err := New(srv.URL).ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	require.Equal(t, "llama3.2", models[0].ID)
	require.Equal(t, "ollama", models[0].Provider)
}

func TestCheckAvailability(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	require.True(t, New(srv.URL).CheckAvailability(context.Background()))
	srv.Close()
	require.False(t, New(srv.URL).CheckAvailability(context.Background()))
}
