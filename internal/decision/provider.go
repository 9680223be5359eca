package decision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/agent"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/llmutil"
)

// Provider is the LLM-backed agent.DecisionProvider. It keeps no memory between calls: every
// request carries the history window it should consider, so one Provider serves all sessions.
type Provider struct {
	client  schemas.LLMClient
	limiter *rate.Limiter
	logger  *zap.Logger

	tier             schemas.ModelTier
	temperature      float64
	maxTokens        int
	maxElements      int
	htmlPreviewLimit int
}

var _ agent.DecisionProvider = (*Provider)(nil)

// NewProvider creates a Provider over client using the agent section of the configuration.
func NewProvider(client schemas.LLMClient, cfg config.AgentConfig, logger *zap.Logger) *Provider {
	limit := rate.Inf
	if cfg.LLM.RateLimit > 0 {
		limit = rate.Limit(cfg.LLM.RateLimit)
	}
	burst := cfg.LLM.RateBurst
	if burst <= 0 {
		burst = 1
	}

	return &Provider{
		client:           client,
		limiter:          rate.NewLimiter(limit, burst),
		logger:           logger.Named("decision"),
		tier:             schemas.ParseModelTier(cfg.LLM.DecisionTier),
		temperature:      float64(cfg.LLM.Temperature),
		maxTokens:        cfg.LLM.MaxTokens,
		maxElements:      cfg.MaxElements,
		htmlPreviewLimit: cfg.HTMLPreviewLimit,
	}
}

// Decide asks the model for the next action. Failures come back as ERROR actions.
func (p *Provider) Decide(ctx context.Context, req agent.DecisionRequest) agent.Action {
	if req.Snapshot == nil || req.Role == "" || req.Goal == "" {
		p.logger.Error("Invalid decision request: missing snapshot, role or goal.")
		return agent.ErrorAction(agent.StatusInvalidInput, "missing required parameters")
	}

	if err := p.limiter.Wait(ctx); err != nil {
		status := agent.StatusTimeout
		if errors.Is(ctx.Err(), context.Canceled) {
			status = agent.StatusError
		}
		p.logger.Warn("Rate limiter wait aborted.", zap.Error(err))
		return agent.ErrorAction(status, fmt.Sprintf("rate limit wait aborted: %v", err))
	}

	userPrompt, err := buildUserPrompt(req.Snapshot, req.History, p.maxElements, p.htmlPreviewLimit)
	if err != nil {
		p.logger.Error("Failed to build the decision prompt.", zap.Error(err))
		return agent.ErrorAction(agent.StatusError, err.Error())
	}

	genReq := schemas.GenerationRequest{
		SystemPrompt: buildSystemPrompt(req.Role, req.Goal),
		UserPrompt:   userPrompt,
		Tier:         p.tier,
		Options: schemas.GenerationOptions{
			Temperature:     p.temperature,
			ForceJSONFormat: true,
			MaxTokens:       p.maxTokens,
		},
	}

	start := time.Now()
	raw, err := p.client.Generate(ctx, genReq)
	if err != nil {
		status := ClassifyError(err)
		p.logger.Error("LLM request failed.", zap.String("status", string(status)), zap.Error(err))
		return agent.ErrorAction(status, fmt.Sprintf("LLM request failed: %v", err))
	}

	parsed, err := llmutil.ParseJSONResponse[rawDecision](raw)
	if err != nil {
		p.logger.Error("Failed to parse LLM response.", zap.Error(err))
		return agent.ErrorAction(ClassifyError(err), "invalid JSON in LLM response")
	}

	action := parsed.toAction()
	p.logger.Info("Successfully determined next action.",
		zap.String("type", string(action.Kind)),
		zap.Int("progress", action.Progress),
		zap.Duration("duration", time.Since(start)),
	)
	return action
}
