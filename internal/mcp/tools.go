package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/hatchery/internal/ctxutil"
	"github.com/ashita-ai/hatchery/internal/model"
)

func (s *Server) registerTools() {
	// hatchery_create_trial: submit a new evolution trial.
	s.mcpServer.AddTool(
		mcplib.NewTool("hatchery_create_trial",
			mcplib.WithDescription(`Submit a new evolution trial.

The trial starts pending and is driven generation by generation in the
background. Each generation calls the Agent Service and charges the tokens it
used against token_budget; the trial fails with budget_exceeded before any
generation that would overrun it.

Returns the created trial. Use hatchery_get_trial with its id to follow it.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithNumber("population_size",
				mcplib.Description("Number of agents in the population"),
				mcplib.Required(),
				mcplib.Min(1),
				mcplib.Max(model.MaxPopulationSize),
			),
			mcplib.WithNumber("generations",
				mcplib.Description("Number of generations to evolve"),
				mcplib.Required(),
				mcplib.Min(1),
				mcplib.Max(model.MaxGenerations),
			),
			mcplib.WithNumber("token_budget",
				mcplib.Description("Total tokens the trial may consume across all generations"),
				mcplib.Required(),
				mcplib.Min(1),
			),
			mcplib.WithNumber("mutation_rate",
				mcplib.Description("Probability of mutation per offspring (0.0-1.0)"),
				mcplib.Min(0),
				mcplib.Max(1),
				mcplib.DefaultNumber(model.DefaultMutation),
			),
			mcplib.WithString("ca_rules",
				mcplib.Description("Cellular automaton rule set passed through to the Agent Service"),
			),
			mcplib.WithString("workflow_dag_id",
				mcplib.Description("Workflow DAG to trigger with the final population when the trial completes"),
			),
		),
		s.handleCreateTrial,
	)

	// hatchery_get_trial: one trial snapshot.
	s.mcpServer.AddTool(
		mcplib.NewTool("hatchery_get_trial",
			mcplib.WithDescription("Get the current state of a trial: status, generation progress, tokens used and best fitness."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("trial_id", mcplib.Description("Trial UUID"), mcplib.Required()),
		),
		s.handleGetTrial,
	)

	// hatchery_list_trials: trials visible to the caller.
	s.mcpServer.AddTool(
		mcplib.NewTool("hatchery_list_trials",
			mcplib.WithDescription("List trials, newest first. Non-admin callers only see their own trials."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("status",
				mcplib.Description("Filter by status"),
				mcplib.Enum(
					string(model.TrialStatusPending),
					string(model.TrialStatusRunning),
					string(model.TrialStatusCompleted),
					string(model.TrialStatusFailed),
					string(model.TrialStatusCancelled),
				),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleListTrials,
	)

	// hatchery_trial_metrics: per-generation metrics.
	s.mcpServer.AddTool(
		mcplib.NewTool("hatchery_trial_metrics",
			mcplib.WithDescription("Get per-generation fitness, diversity and token usage for a trial, in generation order."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("trial_id", mcplib.Description("Trial UUID"), mcplib.Required()),
		),
		s.handleTrialMetrics,
	)

	// hatchery_cancel_trial: cooperative cancellation.
	s.mcpServer.AddTool(
		mcplib.NewTool("hatchery_cancel_trial",
			mcplib.WithDescription(`Request cancellation of a trial.

The trial stops at its next generation boundary; the generation in flight is
allowed to finish. Only the trial owner or an admin may cancel. Cancelling a
finished trial is an error.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("trial_id", mcplib.Description("Trial UUID"), mcplib.Required()),
		),
		s.handleCancelTrial,
	)
}

func (s *Server) handleCreateTrial(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, ok := ctxutil.IdentityFromContext(ctx)
	if !ok {
		return errorResult("authentication required"), nil
	}

	req := model.CreateTrialRequest{
		PopulationSize: request.GetInt("population_size", 0),
		Generations:    request.GetInt("generations", 0),
		TokenBudget:    int64(request.GetFloat("token_budget", 0)),
		CARules:        request.GetString("ca_rules", ""),
	}
	if args := request.GetArguments(); args["mutation_rate"] != nil {
		rate := request.GetFloat("mutation_rate", model.DefaultMutation)
		req.MutationRate = &rate
	}
	if dag := request.GetString("workflow_dag_id", ""); dag != "" {
		req.WorkflowDAGID = &dag
	}

	t, err := s.trials.Submit(ctx, id, req)
	if err != nil {
		return s.domainErrorResult("create trial", err), nil
	}
	return jsonResult(t)
}

func (s *Server) handleGetTrial(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, ok := ctxutil.IdentityFromContext(ctx)
	if !ok {
		return errorResult("authentication required"), nil
	}
	trialID, err := parseTrialID(request)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	t, err := s.trials.Get(ctx, id, trialID)
	if err != nil {
		return s.domainErrorResult("get trial", err), nil
	}
	return jsonResult(t)
}

func (s *Server) handleListTrials(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, ok := ctxutil.IdentityFromContext(ctx)
	if !ok {
		return errorResult("authentication required"), nil
	}

	limit := request.GetInt("limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}
	f := model.TrialFilter{Limit: limit}
	if st := request.GetString("status", ""); st != "" {
		status := model.TrialStatus(st)
		f.Status = &status
	}

	list, total, err := s.trials.List(ctx, id, f)
	if err != nil {
		return s.domainErrorResult("list trials", err), nil
	}
	if list == nil {
		list = []model.Trial{}
	}
	return jsonResult(map[string]any{
		"trials": list,
		"total":  total,
	})
}

func (s *Server) handleTrialMetrics(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, ok := ctxutil.IdentityFromContext(ctx)
	if !ok {
		return errorResult("authentication required"), nil
	}
	trialID, err := parseTrialID(request)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	metrics, err := s.trials.Metrics(ctx, id, trialID)
	if err != nil {
		return s.domainErrorResult("trial metrics", err), nil
	}
	if metrics == nil {
		metrics = []model.GenerationMetric{}
	}
	return jsonResult(map[string]any{
		"trial_id": trialID,
		"metrics":  metrics,
	})
}

func (s *Server) handleCancelTrial(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, ok := ctxutil.IdentityFromContext(ctx)
	if !ok {
		return errorResult("authentication required"), nil
	}
	trialID, err := parseTrialID(request)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	t, err := s.trials.Cancel(ctx, id, trialID)
	if err != nil {
		return s.domainErrorResult("cancel trial", err), nil
	}
	return jsonResult(map[string]any{
		"trial":            t,
		"cancel_requested": true,
	})
}

func parseTrialID(request mcplib.CallToolRequest) (uuid.UUID, error) {
	raw := request.GetString("trial_id", "")
	if raw == "" {
		return uuid.Nil, fmt.Errorf("trial_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid trial_id: %s", raw)
	}
	return id, nil
}

// domainErrorResult turns a coordinator error into a tool error the agent can
// act on. Unexpected errors are logged and reported generically.
func (s *Server) domainErrorResult(op string, err error) *mcplib.CallToolResult {
	var (
		validation *model.ValidationError
		authErr    *model.AuthError
	)
	switch {
	case errors.As(err, &validation):
		return errorResult(validation.Error())
	case errors.As(err, &authErr):
		return errorResult(authErr.Message)
	case errors.Is(err, model.ErrNotFound):
		return errorResult("trial not found")
	case errors.Is(err, model.ErrTerminalState):
		return errorResult("trial is already in a terminal state")
	}
	s.logger.Error("mcp: "+op+" failed", "error", err)
	return errorResult(op + " failed")
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
