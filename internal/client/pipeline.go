package client

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/npezzotti/go-messenger/internal/apperr"
	"github.com/npezzotti/go-messenger/internal/suggest"
	"github.com/npezzotti/go-messenger/internal/types"
	"go.uber.org/zap"
)

const (
	SuggestionPrefix = "@"
	MaxBodyLength    = 1000
)

var ErrSubmitInFlight = errors.New("submit already in flight")

type SendRequest struct {
	ConversationId string `json:"conversationId"`
	Body           string `json:"body,omitempty"`
	ImageUrl       string `json:"imageUrl,omitempty"`
	ClientId       string `json:"clientId,omitempty"`
}

type Sender interface {
	SendMessage(ctx context.Context, req SendRequest) (types.Message, error)
}

type Suggester interface {
	Suggest(ctx context.Context, topic string) (string, error)
}

type ComposerOption interface {
	apply(*Composer)
}

type composerOptionFunc func(c *Composer)

func (f composerOptionFunc) apply(c *Composer) { f(c) }

func WithSuggester(s Suggester) ComposerOption {
	return composerOptionFunc(func(c *Composer) {
		c.suggester = s
	})
}

func WithUploader(u Uploader) ComposerOption {
	return composerOptionFunc(func(c *Composer) {
		c.uploader = u
	})
}

// cancellable tracks the single outstanding request of one kind.
type cancellable struct {
	mu     sync.Mutex
	seq    uint64
	cancel context.CancelFunc
}

// start cancels the previous request and returns a context for the new one.
func (c *cancellable) start(ctx context.Context) (context.Context, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	c.seq++
	ctx, c.cancel = context.WithCancel(ctx)
	return ctx, c.seq
}

// finish reports whether seq is still the latest request and clears it.
func (c *cancellable) finish(seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq != c.seq {
		return false
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	return true
}

func (c *cancellable) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.seq++
}

// Composer is the compose form of one conversation. It turns submits into
// provisional messages and reconciles them with the server's copy.
type Composer struct {
	log            *zap.SugaredLogger
	store          *MessageStore
	sender         Sender
	suggester      Suggester
	uploader       Uploader
	user           types.User
	conversationId string

	submitting atomic.Bool

	draftMu sync.Mutex
	draft   string

	suggestion cancellable
	upload     cancellable
}

func NewComposer(logger *zap.SugaredLogger, store *MessageStore, sender Sender, user types.User, conversationId string, opts ...ComposerOption) *Composer {
	c := &Composer{
		log:            logger.With("conversation", conversationId),
		store:          store,
		sender:         sender,
		user:           user,
		conversationId: conversationId,
	}

	for _, o := range opts {
		o.apply(c)
	}

	return c
}

func (c *Composer) Draft() string {
	c.draftMu.Lock()
	defer c.draftMu.Unlock()
	return c.draft
}

func (c *Composer) SetDraft(s string) {
	c.draftMu.Lock()
	c.draft = s
	c.draftMu.Unlock()
}

// ValidateBody applies the message length rules.
func ValidateBody(body string) error {
	body = strings.TrimSpace(body)
	if body == "" {
		return apperr.Validation("message is required")
	}
	if utf8.RuneCountInString(body) > MaxBodyLength {
		return apperr.Validation("message exceeds %d characters", MaxBodyLength)
	}
	return nil
}

// Submit sends the draft, or asks for a suggestion when it starts with the
// suggestion prefix. It returns ErrSubmitInFlight while a previous submit
// is still running.
func (c *Composer) Submit(ctx context.Context) error {
	if !c.submitting.CompareAndSwap(false, true) {
		return ErrSubmitInFlight
	}
	defer c.submitting.Store(false)

	text := c.Draft()
	if topic, ok := strings.CutPrefix(strings.TrimSpace(text), SuggestionPrefix); ok {
		_, err := c.Suggest(ctx, topic)
		return err
	}

	if err := ValidateBody(text); err != nil {
		return err
	}
	c.SetDraft("")

	_, err := c.Send(ctx, text, "")
	return err
}

// Send shows a provisional message and persists it. The returned temp id
// identifies the provisional entry; on error it is left in the failed state.
func (c *Composer) Send(ctx context.Context, body, imageUrl string) (string, error) {
	body = strings.TrimSpace(body)
	if imageUrl == "" {
		if err := ValidateBody(body); err != nil {
			return "", err
		}
	} else if body != "" {
		return "", apperr.Validation("message cannot have both a body and an image")
	}

	p := Provisional{
		TempId:         uuid.NewString(),
		ConversationId: c.conversationId,
		Body:           body,
		ImageUrl:       imageUrl,
		Status:         StatusPending,
		CreatedAt:      time.Now(),
		Sender:         c.user,
	}
	if !c.store.AddProvisional(p) {
		return "", apperr.Validation("conversation %q is not open", c.conversationId)
	}

	return p.TempId, c.persist(ctx, p)
}

func (c *Composer) persist(ctx context.Context, p Provisional) error {
	msg, err := c.sender.SendMessage(context.WithoutCancel(ctx), SendRequest{
		ConversationId: p.ConversationId,
		Body:           p.Body,
		ImageUrl:       p.ImageUrl,
		ClientId:       p.TempId,
	})
	if err != nil {
		c.log.Debugw("send failed", "temp_id", p.TempId, "error", err)
		c.store.Fail(p.TempId)
		return err
	}

	c.store.Confirm(p.TempId, msg)
	return nil
}

// Retry resends a failed provisional message.
func (c *Composer) Retry(ctx context.Context, tempId string) error {
	p, ok := c.store.Provisional(tempId)
	if !ok {
		return apperr.NotFound("provisional message %q", tempId)
	}
	if p.Status != StatusFailed {
		return apperr.Validation("message %q is not failed", tempId)
	}
	if !c.store.MarkPending(tempId) {
		return apperr.NotFound("provisional message %q", tempId)
	}

	return c.persist(ctx, p)
}

// Discard removes a failed provisional message.
func (c *Composer) Discard(tempId string) error {
	p, ok := c.store.Provisional(tempId)
	if !ok {
		return apperr.NotFound("provisional message %q", tempId)
	}
	if p.Status != StatusFailed {
		return apperr.Validation("message %q is still sending", tempId)
	}
	c.store.Discard(tempId)
	return nil
}

// isAbort reports whether err came from a cancelled request. A deadline
// is a failure, not an abort.
func isAbort(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled)
}

func timeoutErr(err error, what string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Transport(err, "%s timed out", what)
	}
	return err
}

// Suggest writes a suggested message for topic into the draft. A newer
// suggestion cancels this one; an aborted suggestion returns "" and no error.
func (c *Composer) Suggest(ctx context.Context, topic string) (string, error) {
	if c.suggester == nil {
		return "", apperr.Validation("suggestions are not enabled")
	}
	if err := suggest.ValidateTopic(topic); err != nil {
		return "", err
	}

	sctx, seq := c.suggestion.start(ctx)
	text, err := c.suggester.Suggest(sctx, strings.TrimSpace(topic))
	aborted := err != nil && isAbort(sctx, err)
	latest := c.suggestion.finish(seq)
	if aborted {
		return "", nil
	}
	if err != nil {
		return "", timeoutErr(err, "suggestion")
	}
	if !latest {
		return "", nil
	}

	c.SetDraft(text)
	return text, nil
}

// Upload stores an image. A newer upload cancels this one; an aborted
// upload returns "" and no error.
func (c *Composer) Upload(ctx context.Context, name, contentType string, body io.Reader, size int64) (string, error) {
	if c.uploader == nil {
		return "", apperr.Validation("uploads are not enabled")
	}
	if err := ValidateUpload(name, contentType, size); err != nil {
		return "", err
	}

	uctx, seq := c.upload.start(ctx)
	location, err := c.uploader.Upload(uctx, name, contentType, body, size)
	aborted := err != nil && isAbort(uctx, err)
	latest := c.upload.finish(seq)
	if aborted {
		return "", nil
	}
	if err != nil {
		return "", timeoutErr(err, "upload")
	}
	if !latest {
		return "", nil
	}

	return location, nil
}

// UploadAndSend uploads an image and sends it as a message. Nothing is sent
// when the upload is aborted.
func (c *Composer) UploadAndSend(ctx context.Context, name, contentType string, body io.Reader, size int64) (string, error) {
	location, err := c.Upload(ctx, name, contentType, body, size)
	if err != nil || location == "" {
		return "", err
	}

	return c.Send(ctx, "", location)
}

// Close cancels any outstanding suggestion or upload.
func (c *Composer) Close() {
	c.suggestion.stop()
	c.upload.stop()
}
