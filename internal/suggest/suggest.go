// Package suggest turns a short topic into a chat message draft using an
// upstream text completion service.
package suggest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/npezzotti/go-messenger/internal/apperr"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
)

const (
	MaxTopicLength = 80
	MaxTopicWords  = 20

	defaultModel   = "gpt-4o-mini"
	maxRetryPeriod = 5 * time.Second
)

type Provider interface {
	Suggest(ctx context.Context, topic string) (string, error)
}

// ValidateTopic enforces the prompt length limits.
func ValidateTopic(topic string) error {
	topic = strings.TrimSpace(topic)
	switch {
	case topic == "":
		return apperr.Validation("topic is required")
	case utf8.RuneCountInString(topic) > MaxTopicLength:
		return apperr.Validation("topic exceeds %d characters", MaxTopicLength)
	case len(strings.Fields(topic)) > MaxTopicWords:
		return apperr.Validation("topic exceeds %d words", MaxTopicWords)
	}

	return nil
}

func BuildPrompt(topic string) string {
	return "if there are unfinished parts of a sentence, fill them in .If there are incorrect usage of words, correct them. " +
		"No no sexual talk.No bad words. keep the messages a short if possible.The topic is " + strings.TrimSpace(topic)
}

type Option interface {
	apply(*HTTPProvider)
}

type optionFunc func(p *HTTPProvider)

func (f optionFunc) apply(p *HTTPProvider) { f(p) }

func Model(model string) Option {
	return optionFunc(func(p *HTTPProvider) {
		p.model = model
	})
}

func HTTPClient(c *http.Client) Option {
	return optionFunc(func(p *HTTPProvider) {
		p.client = c
	})
}

// HTTPProvider calls an OpenAI compatible chat completions endpoint.
type HTTPProvider struct {
	log    *zap.SugaredLogger
	client *http.Client
	url    string
	key    string
	model  string
}

func NewHTTPProvider(logger *zap.SugaredLogger, url, key string, timeout time.Duration, opts ...Option) *HTTPProvider {
	p := &HTTPProvider{
		log:    logger,
		client: &http.Client{Timeout: timeout},
		url:    url,
		key:    key,
		model:  defaultModel,
	}

	for _, o := range opts {
		o.apply(p)
	}

	return p
}

type completionRequest struct {
	Model    string              `json:"model"`
	Messages []completionMessage `json:"messages"`
}

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

var parsers fastjson.ParserPool

func (p *HTTPProvider) Suggest(ctx context.Context, topic string) (string, error) {
	if err := ValidateTopic(topic); err != nil {
		return "", err
	}

	body, err := json.Marshal(completionRequest{
		Model:    p.model,
		Messages: []completionMessage{{Role: "user", Content: BuildPrompt(topic)}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}

	var raw []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if p.key != "" {
			req.Header.Set("Authorization", "Bearer "+p.key)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("upstream status %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("upstream status %d", resp.StatusCode))
		}

		raw = b
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxRetryPeriod
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		p.log.Warnw("suggestion request failed", "error", err)
		return "", apperr.Transport(err, "suggestion")
	}

	return extractContent(raw)
}

func extractContent(raw []byte) (string, error) {
	parser := parsers.Get()
	defer parsers.Put(parser)

	v, err := parser.ParseBytes(raw)
	if err != nil {
		return "", apperr.Transport(err, "malformed suggestion response")
	}

	content := v.GetStringBytes("choices", "0", "message", "content")
	if content == nil {
		return "", apperr.Transport(nil, "suggestion response has no content")
	}

	return strings.TrimSpace(string(content)), nil
}
