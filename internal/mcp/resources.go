package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/hatchery/internal/ctxutil"
	"github.com/ashita-ai/hatchery/internal/model"
)

const (
	uriActiveTrials = "hatchery://trials/active"
	uriTrialPrefix  = "hatchery://trials/"
)

func (s *Server) registerResources() {
	// hatchery://trials/active: the caller's running trials.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriActiveTrials,
			"Active Trials",
			mcplib.WithResourceDescription("Running trials visible to the caller"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleActiveTrials,
	)

	// hatchery://trials/{id}: one trial with its metrics.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			uriTrialPrefix+"{id}",
			"Trial",
			mcplib.WithTemplateDescription("A trial snapshot with its per-generation metrics"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleTrialResource,
	)
}

func (s *Server) handleActiveTrials(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	id, ok := ctxutil.IdentityFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("mcp: authentication required")
	}
	running := model.TrialStatusRunning
	list, _, err := s.trials.List(ctx, id, model.TrialFilter{Status: &running, Limit: 50})
	if err != nil {
		return nil, fmt.Errorf("mcp: active trials: %w", err)
	}
	if list == nil {
		list = []model.Trial{}
	}
	return jsonContents(uriActiveTrials, list)
}

func (s *Server) handleTrialResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	id, ok := ctxutil.IdentityFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("mcp: authentication required")
	}
	uri := request.Params.URI
	raw, found := strings.CutPrefix(uri, uriTrialPrefix)
	if !found {
		return nil, fmt.Errorf("mcp: invalid trial URI: %s", uri)
	}
	trialID, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("mcp: invalid trial URI: %s", uri)
	}

	t, err := s.trials.Get(ctx, id, trialID)
	if err != nil {
		return nil, fmt.Errorf("mcp: trial %s: %w", trialID, err)
	}
	metrics, err := s.trials.Metrics(ctx, id, trialID)
	if err != nil {
		return nil, fmt.Errorf("mcp: trial %s metrics: %w", trialID, err)
	}
	if metrics == nil {
		metrics = []model.GenerationMetric{}
	}
	return jsonContents(uri, map[string]any{
		"trial":   t,
		"metrics": metrics,
	})
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal resource: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
