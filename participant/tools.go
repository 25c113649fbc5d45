package participant

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/mew-space/mew/envelope"
)

// ToolExecutor runs one tool call and returns its JSON-RPC result (or an
// error, translated to a JSON-RPC error object in the response envelope).
type ToolExecutor func(ctx context.Context, arguments json.RawMessage) (json.RawMessage, error)

type registeredTool struct {
	schema   *jsonschema.Schema
	executor ToolExecutor
}

// toolRegistry is the participant-side tools map: tool
// name -> executor handle. RegisterResource and RegisterPrompt share the
// same shape under their own method namespaces (resources/read,
// prompts/get).
type toolRegistry struct {
	mu        sync.RWMutex
	tools     map[string]registeredTool
	resources map[string]registeredTool
	prompts   map[string]registeredTool
}

func newToolRegistry() *toolRegistry {
	return &toolRegistry{
		tools:     make(map[string]registeredTool),
		resources: make(map[string]registeredTool),
		prompts:   make(map[string]registeredTool),
	}
}

func compileSchema(name string, schemaDoc json.RawMessage) (*jsonschema.Schema, error) {
	if len(schemaDoc) == 0 {
		return nil, nil
	}
	compiler := jsonschema.NewCompiler()
	var doc any
	if err := json.Unmarshal(schemaDoc, &doc); err != nil {
		return nil, fmt.Errorf("decoding schema for %q: %w", name, err)
	}
	res := "mem://" + name + ".json"
	if err := compiler.AddResource(res, doc); err != nil {
		return nil, fmt.Errorf("compiling schema for %q: %w", name, err)
	}
	return compiler.Compile(res)
}

// RegisterTool registers an executor for tools/call requests naming name.
func (c *Client) RegisterTool(name string, inputSchema json.RawMessage, executor ToolExecutor) error {
	schema, err := compileSchema(name, inputSchema)
	if err != nil {
		return err
	}
	c.tools.mu.Lock()
	c.tools.tools[name] = registeredTool{schema: schema, executor: executor}
	c.tools.mu.Unlock()
	return nil
}

// RegisterResource registers an executor for resources/read requests naming
// name.
func (c *Client) RegisterResource(name string, inputSchema json.RawMessage, executor ToolExecutor) error {
	schema, err := compileSchema(name, inputSchema)
	if err != nil {
		return err
	}
	c.tools.mu.Lock()
	c.tools.resources[name] = registeredTool{schema: schema, executor: executor}
	c.tools.mu.Unlock()
	return nil
}

// RegisterPrompt registers an executor for prompts/get requests naming name.
func (c *Client) RegisterPrompt(name string, inputSchema json.RawMessage, executor ToolExecutor) error {
	schema, err := compileSchema(name, inputSchema)
	if err != nil {
		return err
	}
	c.tools.mu.Lock()
	c.tools.prompts[name] = registeredTool{schema: schema, executor: executor}
	c.tools.mu.Unlock()
	return nil
}

type rpcRequestPayload struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// handleIncomingRequest implements the runtime's automatic tool-invocation
// behavior: an mcp/request addressed to this participant with
// method=tools/call (or resources/read, prompts/get) and a registered name
// is executed, and an mcp/response is emitted referencing the request.
func (c *Client) handleIncomingRequest(ctx context.Context, e *envelope.Envelope) {
	if !addressedToSelf(e, c.Identity) {
		return
	}
	var req rpcRequestPayload
	if err := json.Unmarshal(e.Payload, &req); err != nil {
		return
	}

	kind, ok := methodKind(req.Method)
	if !ok {
		return
	}

	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		c.respondError(ctx, e, req.ID, -32602, "invalid params")
		return
	}

	tool, ok := c.tools.lookup(kind, params.Name)
	if !ok {
		c.respondError(ctx, e, req.ID, -32601, fmt.Sprintf("%s not found: %s", req.Method, params.Name))
		return
	}
	if tool.schema != nil {
		var args any
		if err := json.Unmarshal(params.Arguments, &args); err == nil {
			if err := tool.schema.Validate(args); err != nil {
				c.respondError(ctx, e, req.ID, -32602, err.Error())
				return
			}
		}
	}

	result, err := tool.executor(ctx, params.Arguments)
	if err != nil {
		c.respondError(ctx, e, req.ID, -32000, err.Error())
		return
	}
	c.respondResult(ctx, e, req.ID, result)
}

// toolKind distinguishes which of the three registries a JSON-RPC method
// targets.
type toolKind int

const (
	kindTool toolKind = iota
	kindResource
	kindPrompt
)

// methodKind maps a JSON-RPC method name to the registry responsible for it.
func methodKind(method string) (toolKind, bool) {
	switch method {
	case "tools/call":
		return kindTool, true
	case "resources/read":
		return kindResource, true
	case "prompts/get":
		return kindPrompt, true
	default:
		return 0, false
	}
}

// lookup fetches a registered handle by kind and name.
func (r *toolRegistry) lookup(kind toolKind, name string) (registeredTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case kindResource:
		t, ok := r.resources[name]
		return t, ok
	case kindPrompt:
		t, ok := r.prompts[name]
		return t, ok
	default:
		t, ok := r.tools[name]
		return t, ok
	}
}

func addressedToSelf(e *envelope.Envelope, identity string) bool {
	if e.IsBroadcast() {
		return false
	}
	for _, to := range e.To {
		if to == identity {
			return true
		}
	}
	return false
}

func (c *Client) respondResult(ctx context.Context, cause *envelope.Envelope, rpcID json.RawMessage, result json.RawMessage) {
	payload, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      json.RawMessage(rpcID),
		"result":  result,
	})
	resp := &envelope.Envelope{
		Kind:          envelope.KindMCPResponse,
		To:            []string{cause.From},
		CorrelationID: []string{cause.ID},
		Payload:       payload,
	}
	_ = c.Send(ctx, resp)
}

func (c *Client) respondError(ctx context.Context, cause *envelope.Envelope, rpcID json.RawMessage, code int, message string) {
	payload, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      json.RawMessage(rpcID),
		"error":   map[string]any{"code": code, "message": message},
	})
	resp := &envelope.Envelope{
		Kind:          envelope.KindMCPResponse,
		To:            []string{cause.From},
		CorrelationID: []string{cause.ID},
		Payload:       payload,
	}
	_ = c.Send(ctx, resp)
}
