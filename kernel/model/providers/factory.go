package providers

import (
	"net/http"
	"strings"

	"github.com/OnslaughtSnail/parley/kernel/model"
	"github.com/pkg/errors"
)

// Factory builds completion clients for per-request endpoints. Every dialect
// speaks the OpenAI chat/completions shape; they differ in default base URL
// and model discovery.
type Factory struct {
	// Client overrides the HTTP client. The default one has no timeout; the
	// context passed to Generate bounds each call.
	Client *http.Client
}

// NewFactory returns a factory with default HTTP clients.
func NewFactory() *Factory {
	return &Factory{}
}

// New creates one completion client for ep.
func (f *Factory) New(ep model.Endpoint) (model.LLM, error) {
	api := NormalizeAPI(ep.API)
	if !supportedAPI(api) {
		return nil, errors.Errorf("providers: unsupported api type %q", ep.API)
	}
	if strings.TrimSpace(ep.Model) == "" {
		return nil, errors.New("providers: model is required")
	}
	if strings.TrimSpace(ep.BaseURL) == "" && DefaultBaseURL(api) == "" {
		return nil, errors.New("providers: base url is required")
	}
	var client *http.Client
	if f != nil {
		client = f.Client
	}
	return newOpenAICompat(api, ep, client), nil
}

// New creates one completion client with a default factory.
func New(ep model.Endpoint) (model.LLM, error) {
	return NewFactory().New(ep)
}

// SupportedAPIs lists dialect names accepted by New.
func SupportedAPIs() []string {
	return []string{string(APIOpenAI), string(APIOpenAICompatible), string(APIDeepSeek), string(APIOllama)}
}

func supportedAPI(api APIType) bool {
	switch api {
	case APIOpenAI, APIOpenAICompatible, APIDeepSeek, APIOllama:
		return true
	default:
		return false
	}
}
