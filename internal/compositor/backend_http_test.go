package compositor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// httpRPCHandler is a minimal JSON-RPC-2.0-compliant peer: it echoes the
// request id verbatim (string, as real servers do) rather than assuming
// the stdio backend's int64 convention. GET requests are treated as the
// SSE stream and just close immediately.
func httpRPCHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		w.WriteHeader(http.StatusOK)
		return
	}
	var req struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	var result json.RawMessage
	switch req.Method {
	case methodInitialize:
		result = json.RawMessage(`{"server_name":"fake","server_version":"1.0"}`)
	case methodCallTool:
		result = json.RawMessage(`{"content":[{"type":"text","text":"pong"}]}`)
	default:
		result = json.RawMessage(`{}`)
	}

	resp := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  json.RawMessage `json:"result"`
	}{JSONRPC: "2.0", ID: req.ID, Result: result}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// A compliant peer that echoes a string request id must still decode
// cleanly end to end: Initialize and CallTool both round-trip through a
// real net/http server.
func TestHTTPBackendInitializeAndCallTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(httpRPCHandler))
	defer srv.Close()

	b := NewHTTPBackend(HTTPSpec{Endpoint: srv.URL}, nil)
	ctx := context.Background()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer b.Shutdown(ctx)

	init, err := b.Initialize(ctx)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if init.ServerName != "fake" {
		t.Fatalf("got server name %q, want %q", init.ServerName, "fake")
	}

	res, err := b.CallTool(ctx, "ping", nil)
	if err != nil {
		t.Fatalf("call_tool: %v", err)
	}
	if len(res.Content) != 1 || res.Content[0].Text != "pong" {
		t.Fatalf("unexpected call_tool result: %+v", res)
	}
}
