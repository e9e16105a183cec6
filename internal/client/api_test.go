package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/npezzotti/go-messenger/internal/apperr"
	"github.com/npezzotti/go-messenger/internal/testutil"
	"github.com/npezzotti/go-messenger/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPIClient(t *testing.T, h http.Handler) *APIClient {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewAPIClient(testutil.TestLogger(t), srv.URL+"/")
	require.NoError(t, err)
	return c
}

func TestStatusError(t *testing.T) {
	tcases := []struct {
		name   string
		code   int
		body   string
		target error
		msg    string
	}{
		{name: "unauthorized", code: http.StatusUnauthorized, body: `{"message":"unauthorized"}`, target: apperr.ErrAuthorization, msg: "unauthorized"},
		{name: "forbidden", code: http.StatusForbidden, target: apperr.ErrAuthorization, msg: "forbidden"},
		{name: "not found", code: http.StatusNotFound, body: `{"message":"conversation not found"}`, target: apperr.ErrNotFound, msg: "conversation not found"},
		{name: "conflict", code: http.StatusConflict, target: apperr.ErrConflict, msg: "conflict"},
		{name: "bad request", code: http.StatusBadRequest, body: `{"message":"message is required"}`, target: apperr.ErrValidation, msg: "message is required"},
		{name: "rate limited", code: http.StatusTooManyRequests, target: apperr.ErrTransport},
		{name: "server error", code: http.StatusBadGateway, target: apperr.ErrTransport},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			err := statusError(tc.code, []byte(tc.body))
			assert.True(t, errors.Is(err, tc.target), "expected %v, got %v", tc.target, err)
			if tc.msg != "" {
				assert.Contains(t, err.Error(), tc.msg)
			}
		})
	}
}

func TestAPIClient_LoginKeepsToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, alice.EmailAddress, req["email"])

		http.SetCookie(w, &http.Cookie{Name: tokenCookieKey, Value: "jwt", Path: "/"})
		json.NewEncoder(w).Encode(alice)
	})
	mux.HandleFunc("GET /api/auth/session", func(w http.ResponseWriter, r *http.Request) {
		ck, err := r.Cookie(tokenCookieKey)
		if err != nil || ck.Value != "jwt" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(alice)
	})

	c := newTestAPIClient(t, mux)
	_, err := c.Session(context.Background())
	assert.True(t, errors.Is(err, apperr.ErrAuthorization), "expected authorization error before login, got %v", err)

	u, err := c.Login(context.Background(), alice.EmailAddress, "password")
	require.NoError(t, err)
	assert.Equal(t, alice.Id, u.Id)
	assert.Equal(t, "jwt", c.Token())

	u, err = c.Session(context.Background())
	require.NoError(t, err)
	assert.Equal(t, alice.Username, u.Username)
}

func TestAPIClient_RetriesTransportErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestAPIClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/conversations/c1/messages", r.URL.Path)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode([]types.Message{msg("m1", "c1", 1)})
	}))

	msgs, err := c.GetMessages(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].Id)
	assert.Equal(t, int32(3), calls.Load())
}

func TestAPIClient_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	c := newTestAPIClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"status_code":404,"message":"conversation not found"}`))
	}))

	_, err := c.GetMessages(context.Background(), "gone")
	assert.True(t, errors.Is(err, apperr.ErrNotFound), "expected not found, got %v", err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAPIClient_SendMessage(t *testing.T) {
	c := newTestAPIClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/messages", r.URL.Path)

		var req SendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		m := msg("m1", req.ConversationId, 1)
		m.Body = req.Body
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(m)
	}))

	m, err := c.SendMessage(context.Background(), SendRequest{ConversationId: "c1", Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "m1", m.Id)
	assert.Equal(t, "hi", m.Body)
}

func TestAPIClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	c, err := NewAPIClient(testutil.TestLogger(t), srv.URL)
	require.NoError(t, err)

	err = c.SetStatus(context.Background(), true)
	assert.True(t, errors.Is(err, apperr.ErrTransport), "expected transport error, got %v", err)
}
