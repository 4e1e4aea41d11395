package mcp

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the MCP protocol revision this client speaks.
const ProtocolVersion = "2024-11-05"

type (
	rpcRequest struct {
		JSONRPC string `json:"jsonrpc"`
		ID      uint64 `json:"id,omitempty"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}

	rpcResponse struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      uint64          `json:"id"`
		Result  json.RawMessage `json:"result"`
		Error   *rpcError       `json:"error"`
	}

	rpcError struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}

	// ToolInfo describes one tool exported by an MCP server, as returned by
	// tools/list.
	ToolInfo struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		InputSchema map[string]any `json:"inputSchema,omitempty"`
	}

	toolsListResult struct {
		Tools []ToolInfo `json:"tools"`
	}

	toolsCallResult struct {
		Content []contentItem `json:"content"`
		IsError bool          `json:"isError"`
	}

	contentItem struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
)

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// decodeCallResult unwraps a tools/call result. Text content that parses as
// JSON is returned structured; other text comes back as a plain string. A
// result without content is returned as the raw result map.
func decodeCallResult(raw json.RawMessage) (any, bool, error) {
	var result toolsCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, false, fmt.Errorf("decode tool result: %w", err)
	}
	if len(result.Content) == 0 {
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, false, fmt.Errorf("decode tool result: %w", err)
		}
		return out, result.IsError, nil
	}
	text := result.Content[0].Text
	if json.Valid([]byte(text)) {
		var out any
		if err := json.Unmarshal([]byte(text), &out); err == nil {
			return out, result.IsError, nil
		}
	}
	return text, result.IsError, nil
}
