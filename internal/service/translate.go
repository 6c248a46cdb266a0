package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/shizue/internal/adapter/llm"
	"github.com/xiaot623/gogo/shizue/internal/domain"
	"github.com/xiaot623/gogo/shizue/internal/policy"
)

// TranslateRequest is a one-shot translation of page or caption text.
type TranslateRequest struct {
	Text     string
	Language string // target language; the configured language when empty
}

// TranslateText translates req.Text with the translation model.
func (s *Service) TranslateText(ctx context.Context, req TranslateRequest) (string, error) {
	if strings.TrimSpace(req.Text) == "" {
		return "", errors.New("text is required")
	}

	snap, err := s.settings.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	language := snap.Language
	if req.Language != "" {
		language = req.Language
	}

	decision, err := s.policy.Evaluate(ctx, policy.Input{
		Provider:       snap.Provider,
		Model:          snap.TranslationModel,
		HasAPIKey:      snap.HasAPIKey(),
		RequiresAPIKey: s.gateway.RequiresAPIKey(snap.Provider),
		ActionType:     string(domain.ActionTranslate),
	})
	if err != nil {
		return "", err
	}
	if !decision.Allow {
		return "", fmt.Errorf("%w: %s", ErrNotConfigured, decision.Reason)
	}

	llmReq := &llm.Request{
		Provider:    snap.Provider,
		Model:       snap.TranslationModel,
		APIKey:      snap.APIKey,
		Temperature: float32(snap.Temperature),
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: translatePrompt(language)},
			{Role: llm.RoleUser, Content: req.Text},
		},
	}
	log := s.log.WithFields(logrus.Fields{"provider": llmReq.Provider, "model": llmReq.Model})

	resp, err := s.gateway.Complete(ctx, llmReq)
	if err != nil {
		return "", fmt.Errorf("translation failed: %w", err)
	}
	usage := resp.Usage
	if usage == nil {
		usage = llm.EstimateUsage(llmReq.Messages, resp.Content)
	}
	s.recordUsage(context.WithoutCancel(ctx), log, llmReq.Provider, llmReq.Model, usage)

	return resp.Content, nil
}
