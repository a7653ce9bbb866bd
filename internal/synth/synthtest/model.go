// Package synthtest provides a scripted chat model for exercising the
// synthesizer without a network.
package synthtest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// RespondFunc produces the reply to one Generate call.
type RespondFunc func(ctx context.Context, msgs []*schema.Message, opts *model.Options) (*schema.Message, error)

// Model is a model.ToolCallingChatModel driven by a RespondFunc. It records
// every call and is safe for concurrent use.
type Model struct {
	respond RespondFunc

	mu    sync.Mutex
	tools []*schema.ToolInfo
	calls []Call
}

// Call is one recorded Generate invocation.
type Call struct {
	Messages []*schema.Message
	Options  *model.Options
}

// NewModel returns a Model answering with respond.
func NewModel(respond RespondFunc) *Model {
	return &Model{respond: respond}
}

// Script returns a Model that replies with the given steps in order. A step
// is a *schema.Message or an error. Calls past the end reuse the last step.
func Script(steps ...any) *Model {
	var (
		mu sync.Mutex
		i  int
	)
	return NewModel(func(context.Context, []*schema.Message, *model.Options) (*schema.Message, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(steps) == 0 {
			return nil, errors.New("synthtest: empty script")
		}
		step := steps[min(i, len(steps)-1)]
		i++
		switch s := step.(type) {
		case *schema.Message:
			return s, nil
		case error:
			return nil, s
		default:
			return nil, errors.New("synthtest: unsupported script step")
		}
	})
}

// Generate records the call and delegates to the RespondFunc.
func (m *Model) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	o := model.GetCommonOptions(&model.Options{}, opts...)
	msgs := make([]*schema.Message, len(input))
	copy(msgs, input)

	m.mu.Lock()
	m.calls = append(m.calls, Call{Messages: msgs, Options: o})
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.respond(ctx, msgs, o)
}

// Stream is not supported.
func (m *Model) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("synthtest: streaming not supported")
}

// WithTools records the bound tools and returns the same Model so calls
// remain observable.
func (m *Model) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tools = tools
	return m, nil
}

// Tools returns the tools bound by WithTools.
func (m *Model) Tools() []*schema.ToolInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tools
}

// Calls returns a copy of the recorded calls.
func (m *Model) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// ToolCall builds an assistant message that calls tool with args encoded as
// JSON.
func ToolCall(tool string, args any) *schema.Message {
	b, err := json.Marshal(args)
	if err != nil {
		panic(err)
	}
	return RawToolCall(tool, string(b))
}

// RawToolCall builds an assistant message that calls tool with the given
// argument text verbatim.
func RawToolCall(tool, arguments string) *schema.Message {
	return schema.AssistantMessage("", []schema.ToolCall{{
		ID:   "call_1",
		Type: "function",
		Function: schema.FunctionCall{
			Name:      tool,
			Arguments: arguments,
		},
	}})
}
