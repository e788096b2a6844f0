package llm

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Provider names accepted by New.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Options selects and configures a provider.
type Options struct {
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
	Timeout  time.Duration
	Limiter  *rate.Limiter
	Retry    RetryConfig
}

// New builds the Completer for opts.Provider.
func New(opts Options) (Completer, error) {
	var client *http.Client
	if opts.Timeout > 0 {
		client = &http.Client{Timeout: opts.Timeout}
	}

	switch strings.ToLower(strings.TrimSpace(opts.Provider)) {
	case ProviderOpenAI, "":
		return NewOpenAI(OpenAIOptions{
			APIKey:     opts.APIKey,
			Model:      opts.Model,
			BaseURL:    opts.BaseURL,
			HTTPClient: client,
			Limiter:    opts.Limiter,
			Retry:      opts.Retry,
		})
	case ProviderGemini:
		return NewGemini(GeminiOptions{
			APIKey:     opts.APIKey,
			Model:      opts.Model,
			BaseURL:    opts.BaseURL,
			HTTPClient: client,
			Limiter:    opts.Limiter,
			Retry:      opts.Retry,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", opts.Provider)
	}
}
