// Package bundlertest serves a scripted bundler over HTTP JSON-RPC for tests.
package bundlertest

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
)

// Handler answers one method call.
type Handler func(params []json.RawMessage) (any, error)

// Error is returned to the client as a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

type request struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result"`
	Error   *Error          `json:"error,omitempty"`
}

// Relay is a fake bundler.
type Relay struct {
	server *httptest.Server

	mu       sync.Mutex
	handlers map[string]Handler
	calls    map[string]int
	params   map[string][][]json.RawMessage
}

// NewRelay starts a relay that is shut down when t ends.
func NewRelay(t testing.TB) *Relay {
	gin.SetMode(gin.TestMode)
	r := &Relay{
		handlers: make(map[string]Handler),
		calls:    make(map[string]int),
		params:   make(map[string][][]json.RawMessage),
	}
	engine := gin.New()
	engine.POST("/", r.serve)
	r.server = httptest.NewServer(engine)
	t.Cleanup(r.server.Close)
	return r
}

// URL is the relay endpoint.
func (r *Relay) URL() string {
	return r.server.URL
}

// Handle installs h for method.
func (r *Relay) Handle(method string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

// Result makes method always return v.
func (r *Relay) Result(method string, v any) {
	r.Handle(method, func([]json.RawMessage) (any, error) { return v, nil })
}

// Fail makes method always return err.
func (r *Relay) Fail(method string, err *Error) {
	r.Handle(method, func([]json.RawMessage) (any, error) { return nil, err })
}

// Calls returns how often method was called.
func (r *Relay) Calls(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[method]
}

// Params returns the params of every call to method.
func (r *Relay) Params(method string) [][]json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]json.RawMessage{}, r.params[method]...)
}

func (r *Relay) serve(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		r.write(c, response{Error: &Error{Code: -32700, Message: "parse error"}})
		return
	}

	r.mu.Lock()
	r.calls[req.Method]++
	r.params[req.Method] = append(r.params[req.Method], req.Params)
	h, ok := r.handlers[req.Method]
	r.mu.Unlock()

	resp := response{ID: req.ID}
	if !ok {
		resp.Error = &Error{Code: -32601, Message: "the method " + req.Method + " does not exist/is not available"}
		r.write(c, resp)
		return
	}

	result, err := h(req.Params)
	if err != nil {
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			rpcErr = &Error{Code: -32000, Message: err.Error()}
		}
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	r.write(c, resp)
}

func (r *Relay) write(c *gin.Context, resp response) {
	resp.JSONRPC = "2.0"
	data, err := json.Marshal(resp)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}
