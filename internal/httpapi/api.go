// Package httpapi serves plugin REST endpoints and pushes plugin status to socket.io observers.
//
// Routes follow the print-server simple API convention:
//
//	GET  /api/plugin/{name}         plugin status
//	GET  /api/plugin/{name}/{sub}   plugin sub-resource (e.g. history)
//	POST /api/plugin/{name}         {"command": "...", ...}
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// Endpoint is the REST surface of one plugin.
type Endpoint interface {
	// Commands lists accepted commands and their required body fields.
	Commands() map[string][]string
	Get(ctx context.Context, sub string, q url.Values) (any, error)
	Command(ctx context.Context, command string, body json.RawMessage) (any, error)
}

// Greeter endpoints send an initial event to each new socket.io observer.
type Greeter interface {
	Greeting() (event string, payload any, ok bool)
}

// Error carries an HTTP status out of an Endpoint.
type Error struct {
	Status int
	Msg    string
}

func (e *Error) Error() string { return e.Msg }

func BadRequest(format string, args ...any) error {
	return &Error{Status: http.StatusBadRequest, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &Error{Status: http.StatusNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Conflict is returned when a command cannot run in the current state.
func Conflict(format string, args ...any) error {
	return &Error{Status: http.StatusConflict, Msg: fmt.Sprintf(format, args...)}
}

func statusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// checkParams enforces the required fields of a command body.
func checkParams(body json.RawMessage, required []string) error {
	if len(required) == 0 {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return BadRequest("invalid body: %v", err)
	}
	for _, k := range required {
		if _, ok := m[k]; !ok {
			return BadRequest("missing parameter %q", k)
		}
	}
	return nil
}
