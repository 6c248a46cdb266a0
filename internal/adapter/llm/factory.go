package llm

import (
	"time"

	"github.com/sirupsen/logrus"
)

// NewGateway returns the mock gateway when mock is true, otherwise a live
// gateway for OpenAI and Gemini.
func NewGateway(mock bool, openAIBaseURL, geminiBaseURL string, timeout time.Duration, log logrus.FieldLogger) Gateway {
	if mock {
		log.Info("SHIZUE_MODE=MOCK detected, using mock model gateway")
		return NewMockGateway()
	}
	return NewOpenAIGateway(map[string]string{
		ProviderOpenAI: openAIBaseURL,
		ProviderGemini: geminiBaseURL,
	}, timeout)
}
