package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/npezzotti/go-messenger/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserId(t *testing.T) {
	tcases := []struct {
		name     string
		ctx      context.Context
		userId   string
		expected bool
	}{
		{
			name:     "no user ID",
			ctx:      context.Background(),
			expected: false,
		},
		{
			name:     "empty user ID",
			ctx:      WithUserId(context.Background(), ""),
			expected: false,
		},
		{
			name:     "user ID set",
			ctx:      WithUserId(context.Background(), "u-42"),
			userId:   "u-42",
			expected: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			userId, ok := UserId(tc.ctx)
			assert.Equal(t, tc.expected, ok, "expected UserId to return %v", tc.expected)
			assert.Equal(t, tc.userId, userId, "expected UserId to return %q", tc.userId)
		})
	}
}

func TestJwtRoundTrip(t *testing.T) {
	app := &GoChatApp{signingKey: []byte("secret")}

	token, err := app.createJwtForSession(types.User{Id: "u1"}, time.Minute)
	require.NoError(t, err)

	userId, err := app.extractUserIdFromToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", userId)

	other := &GoChatApp{signingKey: []byte("other")}
	_, err = other.extractUserIdFromToken(token)
	assert.Error(t, err, "expected token signed with another key to be rejected")

	expired, err := app.createJwtForSession(types.User{Id: "u1"}, -time.Minute)
	require.NoError(t, err)
	_, err = app.extractUserIdFromToken(expired)
	assert.Error(t, err, "expected expired token to be rejected")
}

func TestTokenFromRequest(t *testing.T) {
	tcases := []struct {
		name     string
		setup    func(r *http.Request)
		token    string
		expected bool
	}{
		{
			name:  "cookie",
			setup: func(r *http.Request) { r.AddCookie(&http.Cookie{Name: tokenCookieKey, Value: "abc"}) },
			token: "abc", expected: true,
		},
		{
			name:  "bearer header",
			setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer xyz") },
			token: "xyz", expected: true,
		},
		{
			name:     "basic header",
			setup:    func(r *http.Request) { r.Header.Set("Authorization", "Basic xyz") },
			expected: false,
		},
		{
			name:     "nothing",
			setup:    func(r *http.Request) {},
			expected: false,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			tc.setup(req)
			token, ok := tokenFromRequest(req)
			assert.Equal(t, tc.expected, ok)
			assert.Equal(t, tc.token, token)
		})
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := hashPassword("password")
	require.NoError(t, err)
	assert.True(t, verifyPassword(hash, "password"))
	assert.False(t, verifyPassword(hash, "wrong"))
}
