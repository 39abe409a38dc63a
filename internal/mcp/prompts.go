package mcp

import (
	"context"
	"fmt"
	"strconv"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// plan-trial: walks the agent through sizing a trial before submitting it.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("plan-trial",
			mcplib.WithPromptDescription("Size an evolution trial against a token budget before submitting it"),
			mcplib.WithArgument("token_budget",
				mcplib.ArgumentDescription("Total tokens available for the trial"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("goal",
				mcplib.ArgumentDescription("What the evolved population should be good at"),
			),
		),
		s.handlePlanTrialPrompt,
	)

	// review-trial: summarizes a finished trial.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("review-trial",
			mcplib.WithPromptDescription("Review the outcome of a finished trial and suggest the next one"),
			mcplib.WithArgument("trial_id",
				mcplib.ArgumentDescription("The trial to review"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleReviewTrialPrompt,
	)
}

func (s *Server) handlePlanTrialPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	raw := request.Params.Arguments["token_budget"]
	budget, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || budget <= 0 {
		return nil, fmt.Errorf("token_budget must be a positive integer")
	}
	goal := request.Params.Arguments["goal"]
	if goal == "" {
		goal = "the task at hand"
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Plan a trial within %d tokens", budget),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Plan an evolution trial for %s with a budget of %d tokens.

1. CALL hatchery_list_trials with status="completed" to see earlier trials.
   Use hatchery_trial_metrics on the closest one to estimate tokens per
   generation.

2. CHOOSE generations so that generations x tokens-per-generation stays
   under %d. A trial that would overrun fails with budget_exceeded before
   the generation that crosses the budget, so leave headroom.

3. CHOOSE population_size. Larger populations cost more tokens per
   generation but keep diversity up.

4. SUBMIT with hatchery_create_trial and report the trial id.`, goal, budget, budget),
				},
			},
		},
	}, nil
}

func (s *Server) handleReviewTrialPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	trialID := request.Params.Arguments["trial_id"]
	if trialID == "" {
		return nil, fmt.Errorf("trial_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: "Review trial " + trialID,
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Review trial %s.

CALL hatchery_get_trial with trial_id="%s", then hatchery_trial_metrics.

Report:
- The final status, and the failure_reason if it failed
- Best fitness and how it moved across generations
- Whether diversity collapsed (diversity_index trending toward zero)
- Tokens used against the budget

Then suggest parameters for a follow-up trial.`, trialID, trialID),
				},
			},
		},
	}, nil
}
