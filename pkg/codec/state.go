package codec

// State is a snapshot of one agent turn: the conversation so far, tool
// results, and where the control flow should resume.
type State struct {
	// Messages is the ordered conversation history.
	Messages []Message `cbor:"messages" json:"messages"`
	// ToolResults holds results of tool calls made during the turn.
	ToolResults []ToolResult `cbor:"tool_results,omitempty" json:"tool_results,omitempty"`
	// Position is an opaque control-flow cursor (for example a graph node).
	Position string `cbor:"position,omitempty" json:"position,omitempty"`
	// Extra carries runtime-specific values.
	Extra map[string]any `cbor:"extra,omitempty" json:"extra,omitempty"`
}

// Message is one conversation message.
type Message struct {
	ID        string `cbor:"id" json:"id"`
	Role      string `cbor:"role" json:"role"`
	Content   string `cbor:"content" json:"content"`
	Timestamp string `cbor:"timestamp,omitempty" json:"timestamp,omitempty"`
}

// ToolResult is the outcome of a single tool invocation.
type ToolResult struct {
	CallID string `cbor:"call_id" json:"call_id"`
	Tool   string `cbor:"tool" json:"tool"`
	Output string `cbor:"output,omitempty" json:"output,omitempty"`
	Error  string `cbor:"error,omitempty" json:"error,omitempty"`
}
