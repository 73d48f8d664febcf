package reasoner

import "strings"

// ProviderInfo describes a provider the runtime knows how to reach.
type ProviderInfo struct {
	Name         string   `json:"name"`
	DisplayName  string   `json:"display_name"`
	DefaultModel string   `json:"default_model"`
	APIKeyEnv    string   `json:"api_key_env"`
	BaseURL      string   `json:"base_url,omitempty"`
	Aliases      []string `json:"aliases,omitempty"`
}

// Providers is the built-in provider catalog. The first entry is the
// default provider.
var Providers = []ProviderInfo{
	{
		Name: "deepseek", DisplayName: "DeepSeek",
		DefaultModel: "deepseek-chat", APIKeyEnv: "DEEPSEEK_API_KEY",
		BaseURL: "https://api.deepseek.com",
	},
	{
		Name: "openai", DisplayName: "OpenAI",
		DefaultModel: "gpt-4o-mini", APIKeyEnv: "OPENAI_API_KEY",
	},
	{
		Name: "anthropic", DisplayName: "Anthropic",
		DefaultModel: "claude-sonnet-4-5", APIKeyEnv: "ANTHROPIC_API_KEY",
		Aliases: []string{"claude"},
	},
	{
		Name: "google", DisplayName: "Gemini",
		DefaultModel: "gemini-2.5-flash", APIKeyEnv: "GEMINI_API_KEY",
		Aliases: []string{"gemini"},
	},
	{
		Name: "ollama", DisplayName: "Ollama",
		DefaultModel: "llama3.1",
	},
}

// LookupProvider returns the catalog entry for a provider name or alias,
// or nil if unknown. Matching is case-insensitive.
func LookupProvider(name string) *ProviderInfo {
	name = strings.ToLower(strings.TrimSpace(name))
	for i := range Providers {
		if Providers[i].Name == name {
			return &Providers[i]
		}
		for _, alias := range Providers[i].Aliases {
			if alias == name {
				return &Providers[i]
			}
		}
	}
	return nil
}

// DefaultModel returns the default model for a provider, or "" if the
// provider is unknown.
func DefaultModel(provider string) string {
	if info := LookupProvider(provider); info != nil {
		return info.DefaultModel
	}
	return ""
}

// ProviderNames lists the canonical names in catalog order.
func ProviderNames() []string {
	names := make([]string, len(Providers))
	for i, p := range Providers {
		names[i] = p.Name
	}
	return names
}
