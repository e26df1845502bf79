package server

import (
	"context"
	"encoding/json"

	"scratchpad/internal/logging"
	"scratchpad/internal/notebook"
)

const (
	protocolVersion = "2024-11-05"
	serverName      = "scratch-notebook"
	serverVersion   = "1.0.0"
)

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// HandleMessage processes one JSON-RPC message on behalf of tenant and
// returns the serialized response, or nil for notifications.
func (s *Service) HandleMessage(ctx context.Context, tenant string, raw []byte) []byte {
	var req rpcRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return marshalResponse(rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: codeParseError, Message: "parse error"},
		})
	}

	switch req.Method {
	case "initialize":
		return marshalResponse(rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: map[string]any{
				"protocolVersion": protocolVersion,
				"capabilities":    map[string]any{"tools": map[string]any{}},
				"serverInfo": map[string]any{
					"name":    serverName,
					"version": serverVersion,
				},
			},
		})
	case "notifications/initialized", "initialized":
		return nil
	case "ping":
		return marshalResponse(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{}})
	case "tools/list":
		return marshalResponse(rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  map[string]any{"tools": Tools},
		})
	case "tools/call":
		var params callParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			return marshalResponse(rpcResponse{
				JSONRPC: "2.0",
				ID:      req.ID,
				Error:   &rpcError{Code: codeInvalidParams, Message: "tools/call requires name and arguments"},
			})
		}
		if params.Arguments == nil {
			params.Arguments = map[string]any{}
		}
		envelope := s.Call(ctx, tenant, params.Name, params.Arguments)
		return marshalResponse(rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  toolResult(envelope),
		})
	default:
		if req.ID == nil {
			// Unknown notification; nothing to answer.
			return nil
		}
		return marshalResponse(rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &rpcError{Code: codeMethodNotFound, Message: "method not found: " + req.Method},
		})
	}
}

// toolResult wraps the tool envelope in MCP content. isError mirrors the
// envelope's ok flag so MCP clients can branch without parsing the text.
func toolResult(envelope map[string]any) map[string]any {
	text, err := json.Marshal(envelope)
	if err != nil {
		text = []byte(`{"ok":false,"error":{"code":"` + notebook.CodeInternal + `","message":"internal error"}}`)
	}
	ok, _ := envelope["ok"].(bool)
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": string(text)}},
		"isError": !ok,
	}
}

func marshalResponse(resp rpcResponse) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		logging.Get(logging.CategoryServer).Error("Failed to marshal response: %v", err)
		return []byte(`{"jsonrpc":"2.0","error":{"code":-32603,"message":"internal error"}}`)
	}
	return data
}
