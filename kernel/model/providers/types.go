package providers

import "strings"

// APIType defines protocol dialect used by a completion upstream.
type APIType string

const (
	APIOpenAI           APIType = "openai"
	APIOpenAICompatible APIType = "openai_compatible"
	APIDeepSeek         APIType = "deepseek"
	APIOllama           APIType = "ollama"
)

const (
	defaultOpenAIBaseURL   = "https://api.openai.com/v1"
	defaultDeepSeekBaseURL = "https://api.deepseek.com/v1"
	defaultOllamaBaseURL   = "http://localhost:11434/v1"
)

// NormalizeAPI maps user input to a known dialect. Empty input means
// openai_compatible; unknown input is returned as-is so callers can reject it.
func NormalizeAPI(raw string) APIType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(APIOpenAICompatible), "openai-compatible":
		return APIOpenAICompatible
	case string(APIOpenAI):
		return APIOpenAI
	case string(APIDeepSeek):
		return APIDeepSeek
	case string(APIOllama):
		return APIOllama
	default:
		return APIType(strings.ToLower(strings.TrimSpace(raw)))
	}
}

// DefaultBaseURL returns the well-known base URL of a dialect, or "".
func DefaultBaseURL(api APIType) string {
	switch api {
	case APIOpenAI:
		return defaultOpenAIBaseURL
	case APIDeepSeek:
		return defaultDeepSeekBaseURL
	case APIOllama:
		return defaultOllamaBaseURL
	default:
		return ""
	}
}
