// Package debate runs the multi-participant analysis protocol for one
// symbol: analyst reports, a bull/bear investment debate, a research
// manager verdict, a trader plan, a three-way risk debate and the risk
// manager's final decision.
//
// Every collaborator is an explicit interface. The machine never reaches
// into provider SDKs; the llm package adapts those to Model.
package debate

import "context"

// Role identifies a debate participant.
type Role string

const (
	RoleAnalyst         Role = "analyst"
	RoleBull            Role = "bull"
	RoleBear            Role = "bear"
	RoleResearchManager Role = "research_manager"
	RoleTrader          Role = "trader"
	RoleRisky           Role = "risky"
	RoleSafe            Role = "safe"
	RoleNeutral         Role = "neutral"
	RoleRiskManager     Role = "risk_manager"
)

// MessageRole is the author of a conversation message.
type MessageRole string

const (
	MessageUser      MessageRole = "user"
	MessageAssistant MessageRole = "assistant"
	MessageTool      MessageRole = "tool"
)

// Message is one entry of the conversation sent to a Model.
type Message struct {
	Role    MessageRole
	Content string
	// ToolCalls is set on assistant messages that requested tools.
	ToolCalls []ToolCall
	// ToolCallID and ToolName are set on tool result messages.
	ToolCallID string
	ToolName   string
}

// ToolSpec describes a tool a judge may call.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolCall is a tool invocation requested by a model.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// Request is a single model invocation.
type Request struct {
	Role     Role
	System   string
	Messages []Message
	Tools    []ToolSpec
}

// Reply is a model response. A reply may carry text, tool calls or both.
type Reply struct {
	Text      string
	ToolCalls []ToolCall
	// Model is the model that produced the reply, when known.
	Model string
	// PromptTokens and CompletionTokens are provider-reported counts.
	// Zero means unreported; usage accounting then estimates them.
	PromptTokens     int
	CompletionTokens int
}

// Model generates one reply for a request.
type Model interface {
	Generate(ctx context.Context, req Request) (Reply, error)
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, req Request) (Reply, error)

// Generate calls f.
func (f ModelFunc) Generate(ctx context.Context, req Request) (Reply, error) {
	return f(ctx, req)
}

// Toolkit executes the tools offered to judges.
type Toolkit interface {
	Specs() []ToolSpec
	Call(ctx context.Context, name string, args map[string]any) (string, error)
}

// Reports maps analyst name (market, sentiment, news, fundamentals) to its
// report text.
type Reports map[string]string

// NonEmpty returns how many reports carry text.
func (r Reports) NonEmpty() int {
	n := 0
	for _, v := range r {
		if v != "" {
			n++
		}
	}
	return n
}

// AnalysisInput is handed to the analyst stage.
type AnalysisInput struct {
	Symbol   string
	Date     string
	Depth    Depth
	Analysts []string
	// OnReport is called after each analyst finishes, if set.
	OnReport func(name string, done, total int)
}

// Analyst produces the reports the debate is grounded on.
type Analyst interface {
	Analyze(ctx context.Context, in AnalysisInput) (Reports, error)
}
