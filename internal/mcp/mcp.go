// Package mcp implements the Model Context Protocol server for Hatchery.
//
// The MCP server exposes trial submission, inspection and cancellation as
// MCP tools and resources, so MCP-compatible agents can drive evolution
// trials without speaking the REST API. Every call runs as the identity the
// HTTP auth middleware put in the request context.
package mcp

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/hatchery/internal/model"
)

// Trials is the slice of the trial coordinator the MCP tools call.
type Trials interface {
	Submit(ctx context.Context, id model.Identity, req model.CreateTrialRequest) (model.Trial, error)
	Get(ctx context.Context, id model.Identity, trialID uuid.UUID) (model.Trial, error)
	List(ctx context.Context, id model.Identity, f model.TrialFilter) ([]model.Trial, int, error)
	Metrics(ctx context.Context, id model.Identity, trialID uuid.UUID) ([]model.GenerationMetric, error)
	Cancel(ctx context.Context, id model.Identity, trialID uuid.UUID) (model.Trial, error)
}

// Server wraps the MCP server with Hatchery's trial coordinator.
type Server struct {
	mcpServer *mcpserver.MCPServer
	trials    Trials
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools and
// prompts.
func New(trials Trials, logger *slog.Logger, version string) *Server {
	s := &Server{
		trials: trials,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"hatchery",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

const serverInstructions = `Hatchery runs evolution trials: a population of agents is evolved for a
fixed number of generations against a token budget.

Submit a trial with hatchery_create_trial, then poll hatchery_get_trial or
hatchery_trial_metrics to follow it. A trial ends as completed, failed or
cancelled. Failed trials carry a failure_reason such as budget_exceeded or
service_unavailable:agent-service. hatchery_cancel_trial stops a trial at its
next generation boundary.`
