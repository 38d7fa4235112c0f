// Package worker supervises the child processes running the external agent
// CLI (spec §4.3): prompt construction, the line-delimited JSON stdio
// protocol, tool/slow-tool tracking, issue-marker extraction, and
// process-tree termination.
package worker

import "encoding/json"

// frame is the outer shape of every line the child writes to stdout. Only
// Type is required to dispatch; the rest is decoded lazily per type.
type frame struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype"`
	Message json.RawMessage `json:"message"`
}

// contentBlock is one entry of an assistant/user message's content array.
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`          // tool_use id
	Name      string          `json:"name"`         // tool_use name
	Input     json.RawMessage `json:"input"`        // tool_use args
	ToolUseID string          `json:"tool_use_id"`  // tool_result -> originating tool_use
	Content   json.RawMessage `json:"content"`      // tool_result payload, string or array
}

type assistantMessage struct {
	Content []contentBlock `json:"content"`
	Usage   tokenUsage     `json:"usage"`
}

type userMessage struct {
	Content []contentBlock `json:"content"`
}

type tokenUsage struct {
	InputTokens          int `json:"input_tokens"`
	OutputTokens         int `json:"output_tokens"`
	CacheReadInputTokens int `json:"cache_read_input_tokens"`
}

// toolResultText flattens a tool_result content field, which the CLI emits
// as either a bare string or an array of content blocks with text parts.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out := ""
		for _, b := range blocks {
			out += b.Text
		}
		return out
	}
	return ""
}
