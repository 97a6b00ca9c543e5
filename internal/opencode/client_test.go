package opencode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/global/health", r.URL.Path)
		fmt.Fprint(w, `{"healthy":true}`)
	}))
	t.Cleanup(srv.Close)

	hs, err := NewClient(srv.URL).Health(context.Background())
	require.NoError(t, err)
	assert.True(t, hs.Healthy)
}

func TestBasicAuthHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "opencode", user)
		assert.Equal(t, "hunter2", pass)
		fmt.Fprint(w, `{"healthy":true}`)
	}))
	t.Cleanup(srv.Close)

	_, err := NewClient(srv.URL, WithBasicAuth("opencode", "hunter2")).Health(context.Background())
	require.NoError(t, err)
}

func TestEmptyBodyIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	_, err := NewClient(srv.URL).ListSessions(context.Background())
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "/session", pe.Endpoint)
	assert.Equal(t, http.StatusOK, pe.Status)
	assert.Nil(t, pe.Err)
}

func TestNonJSONBodyIsProtocolErrorWithPreview(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>definitely\nnot json</html>")
	}))
	t.Cleanup(srv.Close)

	_, err := NewClient(srv.URL).ListSessions(context.Background())
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Preview, "<html>definitely not json</html>")
	assert.NotNil(t, pe.Err)
}

func TestPreviewTruncatesOnRuneBoundaries(t *testing.T) {
	long := strings.Repeat("错误", 300)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, long)
	}))
	t.Cleanup(srv.Close)

	_, err := NewClient(srv.URL).ListSessions(context.Background())
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.True(t, utf8.ValidString(pe.Preview))
	assert.Equal(t, previewLen, utf8.RuneCountInString(pe.Preview))
}

func TestNotFoundIsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such session", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	_, err := NewClient(srv.URL).SendMessage(context.Background(), "ses_gone", "hi")
	require.True(t, IsNotFound(err))
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Status)
}

func TestUnreachableBackendIsNotAProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	_, err := NewClient(srv.URL).Health(context.Background())
	require.Error(t, err)
	var pe *ProtocolError
	assert.False(t, errors.As(err, &pe))
	var se *StatusError
	assert.False(t, errors.As(err, &se))
}

func TestCreateSessionRoundTrip(t *testing.T) {
	id := "ses_" + uuid.NewString()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/session", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "my project", body["title"])
		json.NewEncoder(w).Encode(Session{ID: id, Title: body["title"]})
	}))
	t.Cleanup(srv.Close)

	s, err := NewClient(srv.URL).CreateSession(context.Background(), "my project")
	require.NoError(t, err)
	assert.Equal(t, id, s.ID)
}

func TestExtractFinalResult(t *testing.T) {
	cases := []struct {
		name  string
		parts []Part
		want  string
	}{
		{
			name: "last text part wins",
			parts: []Part{
				{Type: "tool"},
				{Type: "text", Text: "a"},
				{Type: "text", Text: " b "},
			},
			want: "b",
		},
		{
			name:  "no text parts",
			parts: []Part{{Type: "tool"}, {Type: "step-finish"}},
			want:  "",
		},
		{
			name:  "empty message",
			parts: nil,
			want:  "",
		},
		{
			name:  "single text",
			parts: []Part{{Type: "text", Text: "done\n"}},
			want:  "done",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, ExtractFinalResult(Message{Parts: c.parts}))
		})
	}
}
