package compositor

import "encoding/json"

// Wire types for the stdio backend's line-delimited JSON-RPC framing:
// each line is a single JSON object with a correlation-id field, a
// method field, and either a params or result/error field.

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// httpRPCResponse is the HTTP backend's response shape: the HTTP backend
// correlates by one request per response rather than a pending-map, and
// sends string request ids (see HTTPBackend.do), so its id need only
// round-trip opaquely rather than decode as stdio's int64.
type httpRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// The minimum required stdio methods.
const (
	methodInitialize             = "initialize"
	methodListTools               = "list_tools"
	methodCallTool                = "call_tool"
	methodListResources           = "list_resources"
	methodReadResource            = "read_resource"
	methodSubscribe               = "subscribe"
	methodUnsubscribe             = "unsubscribe"
	methodSubscribeListChanges    = "subscribe_list_changes"
	methodUnsubscribeListChanges  = "unsubscribe_list_changes"

	notifyResourceUpdated     = "notification/resource_updated"
	notifyResourceListChanged = "notification/resource_list_changed"
)

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type resourceURIParams struct {
	URI string `json:"uri"`
}

type resourceUpdatedParams struct {
	URI string `json:"uri"`
}
