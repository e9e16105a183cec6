package relay

import (
	"net/http"
	"time"

	"github.com/npezzotti/go-messenger/internal/events"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Subscribe   *Subscribe   `json:"subscribe,omitempty"`
	Unsubscribe *Unsubscribe `json:"unsubscribe,omitempty"`
	client      *Client      `json:"-"`
}

type Subscribe struct {
	Channel string `json:"channel"`
}

type Unsubscribe struct {
	Channel string `json:"channel"`
}

type ServerMessage struct {
	BaseMessage
	Response   *Response        `json:"response,omitempty"`
	Event      *events.Envelope `json:"event,omitempty"`
	SkipClient *Client          `json:"-"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Channel      string `json:"channel,omitempty"`
}

func response(id, code int, channel, errMsg string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        errMsg,
			Channel:      channel,
		},
	}
}

func NoErrOK(id int, channel string) *ServerMessage {
	return response(id, http.StatusOK, channel, "")
}

func ErrForbidden(id int, channel string) *ServerMessage {
	return response(id, http.StatusForbidden, channel, "forbidden")
}

func ErrChannelNotFound(id int, channel string) *ServerMessage {
	return response(id, http.StatusNotFound, channel, "channel not found")
}

func ErrInternalError(id int, channel string) *ServerMessage {
	return response(id, http.StatusInternalServerError, channel, "internal server error")
}

func ErrServiceUnavailable(id int, channel string) *ServerMessage {
	return response(id, http.StatusServiceUnavailable, channel, "service unavailable")
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := response(0, http.StatusBadRequest, "", "invalid message format")
	if id > 0 {
		msg.Id = id
	}
	return msg
}

func EventMessage(env *events.Envelope) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Event: env,
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
