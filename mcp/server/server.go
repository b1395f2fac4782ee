// Package server gates MCP tools behind toll payments. Tools registered
// through AddPayableTool answer unpaid tools/call requests with a JSON-RPC
// payment-required error carrying the challenge; paid calls are verified
// before the tool runs and settled before its result is delivered, exactly
// like an HTTP route behind the middleware.
package server

import (
	"fmt"
	"net/http"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	toll "github.com/tollware/toll-go"
	"github.com/tollware/toll-go/validation"
)

// Server wraps an MCP server with the payment gate. Free tools pass through
// untouched; payable tools are challenged, verified and settled per call.
type Server struct {
	mcp    *mcpserver.MCPServer
	config *Config
}

// NewServer builds a payment-gated MCP server. The configuration is
// validated eagerly; a missing facilitator URL fails here, not per request.
func NewServer(name, version string, config *Config) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("%w: configuration is required", toll.ErrConfig)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	if config.PaidTools == nil {
		config.PaidTools = make(map[string][]toll.PaymentRequirements)
	}

	return &Server{
		mcp:    mcpserver.NewMCPServer(name, version),
		config: config,
	}, nil
}

// AddTool registers a free tool, passing straight through to the MCP server.
func (s *Server) AddTool(tool mcpproto.Tool, handler mcpserver.ToolHandlerFunc) {
	s.mcp.AddTool(tool, handler)
}

// AddPayableTool registers a tool that must be paid for per call. Options
// without a resource are stamped with the tool's resource identifier; every
// option is then validated so the server never issues a challenge a buyer
// cannot act on.
func (s *Server) AddPayableTool(tool mcpproto.Tool, handler mcpserver.ToolHandlerFunc, accepts ...toll.PaymentRequirements) error {
	if len(accepts) == 0 {
		return fmt.Errorf("%w: payable tool %q needs at least one payment option", toll.ErrConfig, tool.Name)
	}

	stamped := make([]toll.PaymentRequirements, len(accepts))
	for i, req := range accepts {
		if req.Resource == "" {
			req.Resource = ToolResource(tool.Name)
		}
		if err := validation.ValidateRequirements(req); err != nil {
			return fmt.Errorf("payable tool %q option %d: %w", tool.Name, i, err)
		}
		stamped[i] = req
	}

	s.config.PaidTools[tool.Name] = stamped
	s.mcp.AddTool(tool, handler)
	return nil
}

// ToolResource returns the resource identifier payments for a tool are
// bound to and settled against.
func ToolResource(name string) string {
	return "mcp://tools/" + name
}

// Handler returns the HTTP handler serving the MCP streamable endpoint with
// the payment gate in front of it.
func (s *Server) Handler() http.Handler {
	return newHandler(mcpserver.NewStreamableHTTPServer(s.mcp), s.config)
}

// Start serves the gated MCP endpoint on addr until the listener fails.
func (s *Server) Start(addr string) error {
	return http.ListenAndServe(addr, s.Handler())
}

// MCP exposes the underlying MCP server for registrations the gate does not
// mediate, such as resources and prompts.
func (s *Server) MCP() *mcpserver.MCPServer {
	return s.mcp
}
