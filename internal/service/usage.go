package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/shizue/internal/adapter/llm"
	"github.com/xiaot623/gogo/shizue/internal/domain"
	"github.com/xiaot623/gogo/shizue/internal/settings"
)

// UsageReport sums the token ledger for a day.
type UsageReport struct {
	Date         string              `json:"date"`
	InputTokens  int                 `json:"inputTokens"`
	OutputTokens int                 `json:"outputTokens"`
	TotalTokens  int                 `json:"totalTokens"`
	RequestCount int                 `json:"requestCount"`
	Records      []domain.TokenUsage `json:"records"`
}

func (s *Service) recordUsage(ctx context.Context, log logrus.FieldLogger, provider, model string, usage *llm.Usage) {
	now := time.Now()
	err := s.store.RecordTokenUsage(ctx, &domain.TokenUsage{
		UsageID:      uuid.New().String(),
		Date:         now.Format(domain.UsageDateLayout),
		Model:        model,
		Provider:     provider,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
		TotalTokens:  usage.TotalTokens,
		RequestCount: 1,
		CreatedAt:    now,
	})
	if err != nil {
		log.WithError(err).Warn("failed to record token usage")
	}
}

// TokenUsage returns the ledger for date (YYYY-MM-DD). An empty date means today.
func (s *Service) TokenUsage(ctx context.Context, date string) (*UsageReport, error) {
	if date == "" {
		date = time.Now().Format(domain.UsageDateLayout)
	} else if _, err := time.Parse(domain.UsageDateLayout, date); err != nil {
		return nil, err
	}

	rows, err := s.store.ListTokenUsage(ctx, date)
	if err != nil {
		return nil, err
	}
	report := &UsageReport{Date: date, Records: rows}
	for _, r := range rows {
		report.InputTokens += r.InputTokens
		report.OutputTokens += r.OutputTokens
		report.TotalTokens += r.TotalTokens
		report.RequestCount += r.RequestCount
	}
	if report.Records == nil {
		report.Records = []domain.TokenUsage{}
	}
	return report, nil
}

// GetSettings returns the effective settings with credentials masked.
func (s *Service) GetSettings(ctx context.Context) (map[string]string, error) {
	values, err := s.settings.Values(ctx)
	if err != nil {
		return nil, err
	}
	return settings.Redacted(values), nil
}

// UpdateSettings validates and stores changes. Sessions already running keep
// the snapshot they started with.
func (s *Service) UpdateSettings(ctx context.Context, changes map[string]string) error {
	return s.settings.Update(ctx, changes)
}
