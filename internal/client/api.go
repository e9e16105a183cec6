package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/npezzotti/go-messenger/internal/apperr"
	"github.com/npezzotti/go-messenger/internal/types"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
)

const (
	defaultAPITimeout = 30 * time.Second
	maxAPIRetries     = 3
	tokenCookieKey    = "token"
)

type CreateConversationRequest struct {
	UserId      string   `json:"userId,omitempty"`
	IsGroup     bool     `json:"isGroup"`
	IsAnonymous bool     `json:"isAnonymous"`
	Name        string   `json:"name,omitempty"`
	Members     []string `json:"members,omitempty"`
}

type APIOption interface {
	apply(*APIClient)
}

type apiOptionFunc func(c *APIClient)

func (f apiOptionFunc) apply(c *APIClient) { f(c) }

func WithHTTPClient(hc *http.Client) APIOption {
	return apiOptionFunc(func(c *APIClient) {
		c.http = hc
	})
}

// APIClient calls the messenger HTTP API. The session cookie set by Login
// is kept in a cookie jar.
type APIClient struct {
	log     *zap.SugaredLogger
	baseURL *url.URL
	http    *http.Client
}

func NewAPIClient(logger *zap.SugaredLogger, baseURL string, opts ...APIOption) (*APIClient, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	c := &APIClient{
		log:     logger,
		baseURL: u,
		http:    &http.Client{Timeout: defaultAPITimeout},
	}
	for _, o := range opts {
		o.apply(c)
	}
	if c.http.Jar == nil {
		c.http.Jar = jar
	}

	return c, nil
}

// Token returns the session token held in the cookie jar.
func (c *APIClient) Token() string {
	for _, ck := range c.http.Jar.Cookies(c.baseURL) {
		if ck.Name == tokenCookieKey {
			return ck.Value
		}
	}
	return ""
}

func (c *APIClient) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

// statusError maps an error response to an apperr kind.
func statusError(code int, body []byte) error {
	msg := fastjson.GetString(body, "message")
	if msg == "" {
		msg = strings.ToLower(http.StatusText(code))
	}

	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return apperr.Authorization("%s", msg)
	case code == http.StatusNotFound:
		return apperr.NotFound("%s", msg)
	case code == http.StatusConflict:
		return apperr.Conflict("%s", msg)
	case code == http.StatusTooManyRequests || code >= http.StatusInternalServerError:
		return apperr.Transport(nil, "%d %s", code, msg)
	default:
		return apperr.Validation("%s", msg)
	}
}

func (c *APIClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperr.Transport(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return apperr.Transport(err, "read %s %s", method, path)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return statusError(resp.StatusCode, b)
	}

	if out != nil && len(b) > 0 {
		if err := json.Unmarshal(b, out); err != nil {
			return apperr.Transport(err, "decode %s %s", method, path)
		}
	}

	return nil
}

// doRetry retries transport failures of idempotent calls with backoff.
func (c *APIClient) doRetry(ctx context.Context, method, path string, in, out any) error {
	operation := func() error {
		err := c.do(ctx, method, path, in, out)
		if err != nil && !errors.Is(err, apperr.ErrTransport) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxAPIRetries), ctx)
	return backoff.RetryNotify(operation, b, func(err error, d time.Duration) {
		c.log.Debugw("retrying request", "method", method, "path", path, "error", err, "backoff", d)
	})
}

func (c *APIClient) Register(ctx context.Context, email, username, password string) (types.User, error) {
	var u types.User
	err := c.do(ctx, http.MethodPost, "/api/auth/register", map[string]string{
		"email":    email,
		"username": username,
		"password": password,
	}, &u)
	return u, err
}

func (c *APIClient) Login(ctx context.Context, email, password string) (types.User, error) {
	var u types.User
	err := c.do(ctx, http.MethodPost, "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, &u)
	return u, err
}

func (c *APIClient) Session(ctx context.Context) (types.User, error) {
	var u types.User
	err := c.doRetry(ctx, http.MethodGet, "/api/auth/session", nil, &u)
	return u, err
}

func (c *APIClient) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/auth/logout", nil, nil)
}

func (c *APIClient) SendMessage(ctx context.Context, req SendRequest) (types.Message, error) {
	var msg types.Message
	err := c.do(ctx, http.MethodPost, "/api/messages", req, &msg)
	return msg, err
}

func (c *APIClient) DeleteMessage(ctx context.Context, id string) (types.Message, error) {
	var msg types.Message
	err := c.do(ctx, http.MethodDelete, "/api/messages/"+url.PathEscape(id), nil, &msg)
	return msg, err
}

// MarkSeen is idempotent on the server and is retried.
func (c *APIClient) MarkSeen(ctx context.Context, conversationId string) error {
	return c.doRetry(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(conversationId)+"/seen", nil, nil)
}

func (c *APIClient) ListConversations(ctx context.Context) ([]types.Conversation, error) {
	var convs []types.Conversation
	err := c.doRetry(ctx, http.MethodGet, "/api/conversations", nil, &convs)
	return convs, err
}

func (c *APIClient) CreateConversation(ctx context.Context, req CreateConversationRequest) (types.Conversation, error) {
	var conv types.Conversation
	err := c.do(ctx, http.MethodPost, "/api/conversations", req, &conv)
	return conv, err
}

func (c *APIClient) DeleteConversation(ctx context.Context, id string) (types.Conversation, error) {
	var conv types.Conversation
	err := c.do(ctx, http.MethodDelete, "/api/conversations/"+url.PathEscape(id), nil, &conv)
	return conv, err
}

func (c *APIClient) GetMessages(ctx context.Context, conversationId string) ([]types.Message, error) {
	var msgs []types.Message
	err := c.doRetry(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(conversationId)+"/messages", nil, &msgs)
	return msgs, err
}

func (c *APIClient) AddMember(ctx context.Context, conversationId, userId string) (types.Conversation, error) {
	var conv types.Conversation
	err := c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(conversationId)+"/members",
		map[string]string{"userId": userId}, &conv)
	return conv, err
}

func (c *APIClient) LeaveConversation(ctx context.Context, conversationId string) (types.Conversation, error) {
	var conv types.Conversation
	err := c.do(ctx, http.MethodDelete, "/api/conversations/"+url.PathEscape(conversationId)+"/members", nil, &conv)
	return conv, err
}

func (c *APIClient) SetStatus(ctx context.Context, online bool) error {
	return c.do(ctx, http.MethodPost, "/api/users/status", map[string]bool{"isOnline": online}, nil)
}

func (c *APIClient) Suggest(ctx context.Context, topic string) (string, error) {
	var resp struct {
		Message string `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/suggestions", map[string]string{"topic": topic}, &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}
