package service

import (
	"fmt"
	"strings"

	"github.com/xiaot623/gogo/shizue/internal/adapter/llm"
	"github.com/xiaot623/gogo/shizue/internal/domain"
)

const greeting = "Hello! How can I help you today?"

func chatPrompt(language string) string {
	return fmt.Sprintf("You are Shizue, a friendly and knowledgeable assistant built into the browser. "+
		"Answer clearly and concisely, use Markdown where it helps readability, "+
		"and always reply in %s unless the user explicitly asks for another language.", language)
}

func translatePrompt(language string) string {
	return fmt.Sprintf("You are a professional translator. Translate the text the user sends into %s. "+
		"Preserve meaning, tone and formatting. Reply with the translation only, without notes or quotes.", language)
}

// buildModelInput maps the stored history onto model messages. Stored system
// rows and empty messages are dropped.
func buildModelInput(history []domain.Message, language string, action domain.ActionType) []llm.Message {
	if strings.TrimSpace(language) == "" {
		language = "English"
	}

	var input []llm.Message
	if action == domain.ActionTranslate {
		input = append(input, llm.Message{Role: llm.RoleSystem, Content: translatePrompt(language)})
	} else {
		input = append(input,
			llm.Message{Role: llm.RoleSystem, Content: chatPrompt(language)},
			llm.Message{Role: llm.RoleAssistant, Content: greeting},
		)
	}

	for _, m := range history {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case domain.RoleHuman:
			input = append(input, llm.Message{Role: llm.RoleUser, Content: m.Content})
		case domain.RoleAI:
			input = append(input, llm.Message{Role: llm.RoleAssistant, Content: m.Content})
		}
	}
	return input
}

const maxTitleRunes = 50

// threadTitle derives a thread title from its first human message.
func threadTitle(content string) string {
	line := strings.TrimSpace(content)
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if line == "" {
		return "New chat"
	}
	runes := []rune(line)
	if len(runes) > maxTitleRunes {
		return string(runes[:maxTitleRunes])
	}
	return line
}
