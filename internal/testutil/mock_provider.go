// Package testutil provides testing utilities for fundcollect development.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
)

// Request is the decoded upstream request envelope.
type Request struct {
	APIName string            `json:"api_name"`
	Token   string            `json:"token"`
	Params  map[string]string `json:"params"`
	Fields  string            `json:"fields"`
}

// Response describes what the mock returns for one call.
type Response struct {
	// HTTPStatus overrides the HTTP status code (default 200).
	HTTPStatus int

	// Code is the application-level result code (0 = success).
	Code int
	Msg  string

	Fields []string
	Items  [][]any
}

// HandlerFunc computes a response from a decoded request.
type HandlerFunc func(req Request) Response

// MockProvider simulates the upstream fundamentals API for testing.
// One POST endpoint, dispatch by api_name, scriptable per-api handlers.
type MockProvider struct {
	Server *httptest.Server

	mu         sync.Mutex
	handlers   map[string]HandlerFunc
	callCounts map[string]int
	tokenCalls map[string]int
}

// NewMockProvider creates a mock upstream server.
func NewMockProvider() *MockProvider {
	m := &MockProvider{
		handlers:   make(map[string]HandlerFunc),
		callCounts: make(map[string]int),
		tokenCalls: make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handleRequest))
	return m
}

// URL returns the mock server's endpoint URL.
func (m *MockProvider) URL() string {
	return m.Server.URL
}

// Close shuts down the mock server.
func (m *MockProvider) Close() {
	m.Server.Close()
}

// Handle registers a handler for an api_name.
func (m *MockProvider) Handle(apiName string, fn HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[apiName] = fn
}

// SetTable registers a static successful columnar response for an api_name.
func (m *MockProvider) SetTable(apiName string, fields []string, items [][]any) {
	m.Handle(apiName, func(Request) Response {
		return Response{Fields: fields, Items: items}
	})
}

// SetError registers a static application-level error for an api_name.
func (m *MockProvider) SetError(apiName string, code int, msg string) {
	m.Handle(apiName, func(Request) Response {
		return Response{Code: code, Msg: msg}
	})
}

// CallCount returns how many calls an api_name has received.
func (m *MockProvider) CallCount(apiName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[apiName]
}

// TokenCalls returns how many calls were made with the given credential.
func (m *MockProvider) TokenCalls(secret string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokenCalls[secret]
}

func (m *MockProvider) handleRequest(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request envelope", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.callCounts[req.APIName]++
	m.tokenCalls[req.Token]++
	handler := m.handlers[req.APIName]
	m.mu.Unlock()

	resp := Response{Code: -1, Msg: "no handler for " + req.APIName}
	if handler != nil {
		resp = handler(req)
	}

	if resp.HTTPStatus != 0 && resp.HTTPStatus != http.StatusOK {
		w.WriteHeader(resp.HTTPStatus)
		return
	}

	fields := resp.Fields
	if fields == nil {
		fields = []string{}
	}
	items := resp.Items
	if items == nil {
		items = [][]any{}
	}

	body := map[string]any{
		"code": resp.Code,
		"msg":  resp.Msg,
		"data": map[string]any{
			"fields": fields,
			"items":  items,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
	}
}

// Sequence returns a handler that plays the given responses in call order,
// repeating the last one once the script runs out.
func Sequence(responses ...Response) HandlerFunc {
	var mu sync.Mutex
	i := 0
	return func(Request) Response {
		mu.Lock()
		defer mu.Unlock()
		resp := responses[len(responses)-1]
		if i < len(responses) {
			resp = responses[i]
		}
		i++
		return resp
	}
}

// QuotaResponse mimics the upstream's quota-exhaustion message.
func QuotaResponse() Response {
	return Response{Code: -2, Msg: "抱歉，您每分钟最多访问该接口500次，超出访问频率限制"}
}

// ServerErrorResponse mimics a 5xx at the HTTP layer.
func ServerErrorResponse() Response {
	return Response{HTTPStatus: http.StatusInternalServerError}
}

// TableResponse builds a successful columnar response.
func TableResponse(fields []string, items [][]any) Response {
	return Response{Fields: fields, Items: items}
}
