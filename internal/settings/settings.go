// Package settings resolves the per-session generation settings.
package settings

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/xiaot623/gogo/shizue/internal/config"
)

// Setting keys stored in the settings table.
const (
	KeyProvider         = "provider"
	KeyOpenAIAPIKey     = "openai_api_key"
	KeyGeminiAPIKey     = "gemini_api_key"
	KeyChatModel        = "chat_model"
	KeyTranslationModel = "translation_model"
	KeyLanguage         = "language"
	KeyTemperature      = "temperature"
)

// ErrInvalidSetting is returned by Update for unknown keys and bad values.
var ErrInvalidSetting = errors.New("invalid setting")

var knownKeys = map[string]bool{
	KeyProvider:         true,
	KeyOpenAIAPIKey:     true,
	KeyGeminiAPIKey:     true,
	KeyChatModel:        true,
	KeyTranslationModel: true,
	KeyLanguage:         true,
	KeyTemperature:      true,
}

// Snapshot is an immutable view of the settings taken at session start.
type Snapshot struct {
	Provider         string  `json:"provider"`
	APIKey           string  `json:"-"`
	ChatModel        string  `json:"chatModel"`
	TranslationModel string  `json:"translationModel"`
	Language         string  `json:"language"`
	Temperature      float64 `json:"temperature"`
}

// HasAPIKey reports whether a credential is configured for the provider.
func (s Snapshot) HasAPIKey() bool {
	return s.APIKey != ""
}

// Provider supplies settings snapshots.
type Provider interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Store is the subset of the repository used for settings.
type Store interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	ListSettings(ctx context.Context) (map[string]string, error)
}

// StoreProvider reads settings persisted in the store, falling back to the
// process configuration for anything unset.
type StoreProvider struct {
	store    Store
	defaults *config.Config
}

// NewStoreProvider creates a StoreProvider.
func NewStoreProvider(store Store, defaults *config.Config) *StoreProvider {
	return &StoreProvider{store: store, defaults: defaults}
}

// Snapshot implements Provider.
func (p *StoreProvider) Snapshot(ctx context.Context) (Snapshot, error) {
	values, err := p.Values(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		Provider:         strings.ToLower(values[KeyProvider]),
		ChatModel:        values[KeyChatModel],
		TranslationModel: values[KeyTranslationModel],
		Language:         values[KeyLanguage],
	}
	switch snap.Provider {
	case "openai":
		snap.APIKey = values[KeyOpenAIAPIKey]
	case "gemini":
		snap.APIKey = values[KeyGeminiAPIKey]
	}
	if t, err := strconv.ParseFloat(values[KeyTemperature], 64); err == nil {
		snap.Temperature = t
	} else {
		snap.Temperature = p.defaults.Temperature
	}
	return snap, nil
}

// Values returns every known setting with defaults applied.
func (p *StoreProvider) Values(ctx context.Context) (map[string]string, error) {
	stored, err := p.store.ListSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	values := map[string]string{
		KeyProvider:         p.defaults.Provider,
		KeyOpenAIAPIKey:     p.defaults.OpenAIAPIKey,
		KeyGeminiAPIKey:     p.defaults.GeminiAPIKey,
		KeyChatModel:        p.defaults.ChatModel,
		KeyTranslationModel: p.defaults.TranslationModel,
		KeyLanguage:         p.defaults.Language,
		KeyTemperature:      strconv.FormatFloat(p.defaults.Temperature, 'f', -1, 64),
	}
	for k, v := range stored {
		if knownKeys[k] {
			values[k] = v
		}
	}
	return values, nil
}

// Update validates and persists the given settings. Nothing is written when
// any key or value is rejected.
func (p *StoreProvider) Update(ctx context.Context, changes map[string]string) error {
	keys := make([]string, 0, len(changes))
	for k, v := range changes {
		if !knownKeys[k] {
			return fmt.Errorf("%w: unknown setting %q", ErrInvalidSetting, k)
		}
		if k == KeyTemperature {
			t, err := strconv.ParseFloat(v, 64)
			if err != nil || t < 0 || t > 2 {
				return fmt.Errorf("%w: temperature must be a number between 0 and 2, got %q", ErrInvalidSetting, v)
			}
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := p.store.SetSetting(ctx, k, changes[k]); err != nil {
			return fmt.Errorf("failed to save setting %s: %w", k, err)
		}
	}
	return nil
}

// Redacted returns values with credentials masked for display.
func Redacted(values map[string]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if (k == KeyOpenAIAPIKey || k == KeyGeminiAPIKey) && v != "" {
			if len(v) > 4 {
				v = "****" + v[len(v)-4:]
			} else {
				v = "****"
			}
		}
		out[k] = v
	}
	return out
}

