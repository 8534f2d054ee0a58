// Package mcp provides the MCP (Model Context Protocol) server for sigraph.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sigraph-io/sigraph/internal/engine"
	"github.com/sigraph-io/sigraph/internal/isg"
	"github.com/sigraph-io/sigraph/internal/query"
)

// Server represents the MCP server.
type Server struct {
	eng    *engine.Engine
	svc    *query.Service
	server *mcp.Server
}

// Tool represents an MCP tool.
type Tool struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
}

// Resource represents an MCP resource.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
}

// NewServer creates a new MCP server over an engine.
func NewServer(eng *engine.Engine) *Server {
	s := &Server{
		eng: eng,
		svc: query.NewService(eng),
	}

	s.server = mcp.NewServer(&mcp.Implementation{
		Name:    "sigraph",
		Version: "0.1.0",
	}, nil)

	return s
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []Tool {
	return []Tool{
		{
			Name:        "sig_search",
			Description: "Resolve a partial key (name, path fragment, or fuzzy tokens) to ranked entity candidates.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"key":   {Type: "string", Description: "Short name, qualified path, or fuzzy query"},
					"limit": {Type: "integer", Description: "Maximum number of candidates"},
				},
				Required: []string{"key"},
			},
		},
		{
			Name:        "sig_callers",
			Description: "List the direct callers of a function, with confidence tags for inferred method-call matches.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"key": {Type: "string", Description: "Function name, qualified path, or signature hash"},
				},
				Required: []string{"key"},
			},
		},
		{
			Name:        "sig_implementers",
			Description: "List the trait impls registered against a trait.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"key": {Type: "string", Description: "Trait name or qualified path"},
				},
				Required: []string{"key"},
			},
		},
		{
			Name:        "sig_blast",
			Description: "Blast radius analysis: every entity transitively reachable from the given one, with depth tags.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"key":   {Type: "string", Description: "Entity name, qualified path, or signature hash"},
					"depth": {Type: "integer", Description: "Maximum traversal depth"},
				},
				Required: []string{"key"},
			},
		},
		{
			Name:        "sig_cycles",
			Description: "Detect module dependency cycles.",
			InputSchema: &jsonschema.Schema{
				Type:       "object",
				Properties: map[string]*jsonschema.Schema{},
			},
		},
		{
			Name:        "sig_context",
			Description: "Export a cited context bundle for an entity: definition, containment, callers, callees, implementers, used types.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"key": {Type: "string", Description: "Entity name, qualified path, or signature hash"},
				},
				Required: []string{"key"},
			},
		},
		{
			Name:        "sig_unreferenced",
			Description: "List entities with no resolved incoming references.",
			InputSchema: &jsonschema.Schema{
				Type:       "object",
				Properties: map[string]*jsonschema.Schema{},
			},
		},
	}
}

// ListResources returns all registered resources.
func (s *Server) ListResources() []Resource {
	return []Resource{
		{
			URI:         "sigraph://overview",
			Name:        "Graph Overview",
			Description: "Entity, edge, and pending-reference counts for the indexed workspace",
			MimeType:    "text/plain",
		},
		{
			URI:         "sigraph://schema",
			Name:        "Graph Schema",
			Description: "Entity and edge kinds the interface signature graph models",
			MimeType:    "text/plain",
		},
	}
}

// CallTool executes a tool with the given arguments.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	key, _ := args["key"].(string)

	switch name {
	case "sig_search":
		limit, _ := args["limit"].(float64)
		if limit == 0 {
			limit = 10
		}
		return s.handleSearch(key, int(limit))
	case "sig_callers":
		res, err := s.svc.Callers(ctx, key)
		if err != nil {
			return "", err
		}
		return formatResult("Callers of", res), nil
	case "sig_implementers":
		res, err := s.svc.Implementers(ctx, key)
		if err != nil {
			return "", err
		}
		return formatResult("Implementers of", res), nil
	case "sig_blast":
		depth, _ := args["depth"].(float64)
		res, err := s.svc.BlastRadius(ctx, key, query.BlastOptions{MaxDepth: int(depth)})
		if err != nil {
			return "", err
		}
		return formatResult("Blast radius of", res), nil
	case "sig_cycles":
		return s.handleCycles(ctx)
	case "sig_context":
		bundle, err := s.svc.Context(ctx, key)
		if err != nil {
			return "", err
		}
		return bundle.Markdown(), nil
	case "sig_unreferenced":
		res, err := s.svc.Unreferenced(ctx)
		if err != nil {
			return "", err
		}
		return formatResult("Unreferenced entities", res), nil
	default:
		return "", fmt.Errorf("unknown tool: %s", name)
	}
}

// ReadResource reads a resource by URI.
func (s *Server) ReadResource(ctx context.Context, uri string) (string, error) {
	switch uri {
	case "sigraph://overview":
		return s.getOverview(), nil
	case "sigraph://schema":
		return getSchema(), nil
	default:
		return "", fmt.Errorf("unknown resource: %s", uri)
	}
}

// Run starts the MCP server with stdio transport.
func (s *Server) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	if stdin == nil || stdout == nil {
		return fmt.Errorf("stdin and stdout must not be nil")
	}

	reader := bufio.NewReader(stdin)
	encoder := json.NewEncoder(stdout)
	// Note: Do NOT use SetIndent - MCP protocol requires compact JSON (one line per message)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		var req map[string]any
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}

		resp := s.handleRequest(ctx, req)
		if err := encoder.Encode(resp); err != nil {
			return err
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, req map[string]any) map[string]any {
	method, _ := req["method"].(string)
	id := req["id"]

	switch method {
	case "initialize":
		return s.handleInitialize(id)
	case "tools/list":
		return s.handleToolsList(id)
	case "tools/call":
		return s.handleToolsCall(ctx, id, req)
	case "resources/list":
		return s.handleResourcesList(id)
	case "resources/read":
		return s.handleResourcesRead(ctx, id, req)
	default:
		return errorResponse(id, -32601, "Method not found: "+method)
	}
}

func (s *Server) handleInitialize(id any) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo": map[string]any{
				"name":    "sigraph",
				"version": "0.1.0",
			},
			"capabilities": map[string]any{
				"tools": map[string]any{
					"listChanged": false,
				},
				"resources": map[string]any{
					"listChanged": false,
				},
			},
		},
	}
}

func (s *Server) handleToolsList(id any) map[string]any {
	tools := s.ListTools()
	toolList := make([]map[string]any, len(tools))
	for i, tool := range tools {
		schema, _ := json.Marshal(tool.InputSchema)
		var schemaMap map[string]any
		json.Unmarshal(schema, &schemaMap)

		toolList[i] = map[string]any{
			"name":        tool.Name,
			"description": tool.Description,
			"inputSchema": schemaMap,
		}
	}

	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"tools": toolList,
		},
	}
}

func (s *Server) handleToolsCall(ctx context.Context, id any, req map[string]any) map[string]any {
	params, _ := req["params"].(map[string]any)
	if params == nil {
		return errorResponse(id, -32602, "Invalid params")
	}

	name, _ := params["name"].(string)
	args, _ := params["arguments"].(map[string]any)

	result, err := s.CallTool(ctx, name, args)
	if err != nil {
		return errorResponse(id, -32000, err.Error())
	}

	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"content": []map[string]any{
				{
					"type": "text",
					"text": result,
				},
			},
		},
	}
}

func (s *Server) handleResourcesList(id any) map[string]any {
	resources := s.ListResources()
	resourceList := make([]map[string]any, len(resources))
	for i, res := range resources {
		resourceList[i] = map[string]any{
			"uri":         res.URI,
			"name":        res.Name,
			"description": res.Description,
			"mimeType":    res.MimeType,
		}
	}

	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"resources": resourceList,
		},
	}
}

func (s *Server) handleResourcesRead(ctx context.Context, id any, req map[string]any) map[string]any {
	params, _ := req["params"].(map[string]any)
	if params == nil {
		return errorResponse(id, -32602, "Invalid params")
	}

	uri, _ := params["uri"].(string)

	content, err := s.ReadResource(ctx, uri)
	if err != nil {
		return errorResponse(id, -32000, err.Error())
	}

	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"contents": []map[string]any{
				{
					"uri":      uri,
					"mimeType": "text/plain",
					"text":     content,
				},
			},
		},
	}
}

// Tool handlers.

func (s *Server) handleSearch(key string, limit int) (string, error) {
	if key == "" {
		return "No key provided", nil
	}

	candidates := s.svc.Lookup(key, limit)
	if len(candidates) == 0 {
		return "No results found", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Candidates for %q:\n\n", key)
	for i, c := range candidates {
		fmt.Fprintf(&sb, "%d. %s (%s)\n   id: %s  file: %s  score: %.1f\n",
			i+1, c.QualifiedPath, c.Kind, c.ID, c.FilePath, c.Score)
	}
	return sb.String(), nil
}

func (s *Server) handleCycles(ctx context.Context) (string, error) {
	res, err := s.svc.Cycles(ctx)
	if err != nil {
		return "", err
	}
	if len(res.Cycles) == 0 {
		return "No module dependency cycles detected", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d module dependency cycle(s):\n\n", len(res.Cycles))
	for i, cyc := range res.Cycles {
		paths := make([]string, 0, len(cyc.Members)+1)
		for _, m := range cyc.Members {
			paths = append(paths, m.QualifiedPath)
		}
		paths = append(paths, cyc.Members[0].QualifiedPath)
		fmt.Fprintf(&sb, "%d. %s\n", i+1, strings.Join(paths, " -> "))
	}
	appendCaveats(&sb, res.Complete, res.Warnings)
	return sb.String(), nil
}

func formatResult(header string, res *query.Result) string {
	var sb strings.Builder
	if res.Root != nil {
		fmt.Fprintf(&sb, "%s %s:\n\n", header, res.Root.QualifiedPath)
	} else {
		fmt.Fprintf(&sb, "%s:\n\n", header)
	}

	if len(res.Nodes) == 0 {
		sb.WriteString("(none)\n")
	}
	for i, n := range res.Nodes {
		line := fmt.Sprintf("%d. %s (%s) %s:%d", i+1, n.QualifiedPath, n.Kind, n.FilePath, n.Span.Start)
		if n.Depth > 1 {
			line += fmt.Sprintf("  depth=%d", n.Depth)
		}
		if n.Confidence == isg.ConfidenceInferred {
			line += "  [inferred]"
		}
		sb.WriteString(line + "\n")
	}

	if res.Truncated {
		sb.WriteString("\n(truncated)\n")
	}
	appendCaveats(&sb, res.Complete, res.Warnings)
	return sb.String()
}

func appendCaveats(sb *strings.Builder, complete bool, warnings []isg.Warning) {
	if complete {
		return
	}
	sb.WriteString("\nCaveats (result is partial):\n")
	for _, w := range warnings {
		fmt.Fprintf(sb, "- %s: %s\n", w.Kind, w.Detail)
	}
}

func (s *Server) getOverview() string {
	stats := s.eng.Stats()
	var sb strings.Builder
	sb.WriteString("Sigraph workspace overview\n\n")
	fmt.Fprintf(&sb, "Files indexed:      %d\n", stats["files"])
	fmt.Fprintf(&sb, "Entities:           %d\n", stats["entities"])
	fmt.Fprintf(&sb, "Edges:              %d\n", stats["edges"])
	fmt.Fprintf(&sb, "Pending references: %d\n", stats["pending_edges"])
	fmt.Fprintf(&sb, "Discovery entries:  %d\n", stats["discovery_entries"])
	return sb.String()
}

func getSchema() string {
	return `Interface signature graph schema

Entity kinds:
  function, struct, enum, trait, trait_impl, module, constant

Edge kinds:
  calls              function -> function
  contains           module/type -> member
  implements         trait_impl -> trait
  uses               entity -> type or item it references
  depends_on_module  module -> module (from use declarations)

Identity:
  Every entity is keyed by its signature hash: a deterministic 64-bit
  digest of kind, qualified path, and normalized signature shape. Edits
  that keep a signature keep its hash.

Confidence:
  exact     statically resolved path
  inferred  name-only match (e.g. method calls through dynamic dispatch)
`
}

func errorResponse(id any, code int, message string) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
}
