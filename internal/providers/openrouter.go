package providers

const (
	openrouterDefaultBase  = "https://openrouter.ai/api/v1"
	openrouterDefaultModel = "openai/gpt-4o-mini"
)

// OpenRouterProvider wraps OpenAIProvider with OpenRouter's base URL
// and the attribution headers its API asks clients to send.
type OpenRouterProvider struct {
	*OpenAIProvider
}

func NewOpenRouterProvider(apiKey, baseURL, model string) *OpenRouterProvider {
	if baseURL == "" {
		baseURL = openrouterDefaultBase
	}
	if model == "" {
		model = openrouterDefaultModel
	}
	inner := NewOpenAIProvider("openrouter", apiKey, baseURL, model)
	inner.SetHeader("HTTP-Referer", "https://github.com/uratmangun/arbitrum-vibekit-sub004")
	inner.SetHeader("X-Title", "vibekit")
	return &OpenRouterProvider{OpenAIProvider: inner}
}

func (p *OpenRouterProvider) Name() string { return "openrouter" }
