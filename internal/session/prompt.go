package session

import "strings"

// DefaultSystemPrompt is used by the ChatML fallback.
const DefaultSystemPrompt = "You are a helpful assistant."

// FormatPrompt wraps a single user message for a chat model. Jinja templates
// are not evaluated; the family is recognised from markers in the template or
// the architecture, and an empty template leaves the message untouched.
func FormatPrompt(template, architecture, message string) string {
	switch {
	case strings.Contains(template, "<start_of_turn>") || strings.HasPrefix(architecture, "gemma"):
		return "<start_of_turn>user\n" + message + "<end_of_turn>\n<start_of_turn>model\n"
	case template == "":
		return message
	case strings.Contains(template, "{%") || strings.Contains(template, "{{messages}}"):
		return chatML(message)
	case strings.Contains(template, "<|user|>") && strings.Contains(template, "<|assistant|>"):
		return strings.NewReplacer(
			"{{user_message}}", message,
			"{{query}}", message,
			"{{question}}", message,
		).Replace(template)
	default:
		return chatML(message)
	}
}

func chatML(message string) string {
	return "<|im_start|>system\n" + DefaultSystemPrompt + "\n<|im_end|>\n" +
		"<|im_start|>user\n" + message + "\n<|im_end|>\n" +
		"<|im_start|>assistant\n"
}
