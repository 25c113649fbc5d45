package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mew-space/mew/envelope"
	"github.com/mew-space/mew/participant"
	"github.com/mew-space/mew/telemetry"
)

// Bridge embeds a subordinate MCP stdio server behind a participant
// identity: it performs the initialize/initialized handshake, discovers the
// subordinate's tools/resources/prompts, registers each with the
// participant runtime, and proxies tools/call back to the subordinate.
type Bridge struct {
	client *participant.Client
	sup    *supervisor
	logger telemetry.Logger

	codec *codec
}

// New constructs a Bridge for an already-configured participant client.
func New(client *participant.Client, spec Spec, logger telemetry.Logger) *Bridge {
	if logger == nil {
		logger, _, _ = telemetry.Noop()
	}
	return &Bridge{client: client, sup: newSupervisor(spec, logger), logger: logger}
}

// Run spawns the subordinate and supervises it until ctx is cancelled,
// restarting on crash. It blocks.
func (b *Bridge) Run(ctx context.Context) error {
	return b.sup.restartLoop(ctx, b.handshake, b.onReady, b.onCrash)
}

// handshake performs `initialize` then the `initialized` notification,
// immediately after spawn.
func (b *Bridge) handshake(ctx context.Context, c *codec) error {
	params := map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]any{"name": "mew-bridge", "version": "1"},
		"capabilities":    map[string]any{},
	}
	if _, err := c.call(ctx, "initialize", params); err != nil {
		return fmt.Errorf("initialize handshake: %w", err)
	}
	if err := c.notify("notifications/initialized", map[string]any{}); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

// onReady runs discovery and (re-)registers every tool/resource/prompt with
// the participant runtime, proxying execution to the subordinate.
func (b *Bridge) onReady(c *codec) {
	b.codec = c
	ctx := context.Background()

	if tools, err := b.listTools(ctx, c); err == nil {
		for _, t := range tools {
			name := t.Name
			_ = b.client.RegisterTool(name, t.InputSchema, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
				return b.callTool(ctx, name, args)
			})
		}
	}
	if resources, err := b.listNamed(ctx, c, "resources/list", "resources"); err == nil {
		for _, name := range resources {
			n := name
			_ = b.client.RegisterResource(n, nil, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
				return c.call(ctx, "resources/read", map[string]any{"uri": n})
			})
		}
	}
	if prompts, err := b.listNamed(ctx, c, "prompts/list", "prompts"); err == nil {
		for _, name := range prompts {
			n := name
			_ = b.client.RegisterPrompt(n, nil, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
				return c.call(ctx, "prompts/get", map[string]any{"name": n})
			})
		}
	}
}

// onCrash emits a broadcast system/error informing the space of the
// subordinate crash. Pending tool calls already in flight
// through callTool observe the codec's read error and fail with it rather
// than hanging; the caller receives it like any other executor error, with
// nothing marking it as retriable.
func (b *Bridge) onCrash(err error) {
	payload, _ := json.Marshal(map[string]any{"kind": "subordinate_crashed", "message": err.Error()})
	_ = b.client.Send(context.Background(), &envelope.Envelope{
		Kind:    envelope.KindSystemError,
		Payload: payload,
	})
}

func (b *Bridge) listTools(ctx context.Context, c *codec) ([]participant.ToolDescriptor, error) {
	raw, err := c.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var body struct {
		Tools []participant.ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	return body.Tools, nil
}

// listNamed is shared by resources/list and prompts/list, both of which
// return `{"<field>": [{"name"|"uri": "..."}]}` shaped results.
func (b *Bridge) listNamed(ctx context.Context, c *codec, method, field string) ([]string, error) {
	raw, err := c.call(ctx, method, map[string]any{})
	if err != nil {
		return nil, err
	}
	var body map[string][]struct {
		Name string `json:"name"`
		URI  string `json:"uri"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	var names []string
	for _, item := range body[field] {
		if item.Name != "" {
			names = append(names, item.Name)
		} else if item.URI != "" {
			names = append(names, item.URI)
		}
	}
	return names, nil
}

// callTool proxies a tools/call invocation to the subordinate. A JSON-RPC
// error from the subordinate comes back as a Go error, which the participant
// runtime answers with code -32000 and the error's text; the subordinate's
// own error code and data are not passed through.
func (b *Bridge) callTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	result, err := b.codec.call(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return nil, err
	}
	return result, nil
}
