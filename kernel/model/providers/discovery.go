package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/OnslaughtSnail/parley/kernel/model"
	"github.com/pkg/errors"
)

const discoveryTimeout = 45 * time.Second

// RemoteModel describes one model discovered from an upstream list API.
type RemoteModel struct {
	Name                string `json:"name"`
	OwnedBy             string `json:"ownedBy,omitempty"`
	ContextWindowTokens int    `json:"contextWindowTokens,omitempty"`
	SizeBytes           int64  `json:"sizeBytes,omitempty"`
}

// DiscoverModels queries the list-models API of the endpoint's dialect.
// Ollama is asked through its native /api/tags route; every other dialect
// through GET {base}/models.
func DiscoverModels(ctx context.Context, ep model.Endpoint) ([]RemoteModel, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	api := NormalizeAPI(ep.API)
	if !supportedAPI(api) {
		return nil, errors.Errorf("providers: unsupported api type %q for list_models", ep.API)
	}
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = discoveryTimeout
	}
	client := &http.Client{Timeout: timeout}
	base := strings.TrimRight(strings.TrimSpace(ep.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL(api)
	}
	if base == "" {
		return nil, errors.New("providers: base url is required")
	}
	if api == APIOllama {
		return discoverOllamaModels(ctx, client, ep, base)
	}
	return discoverOpenAIModels(ctx, client, ep, base)
}

func discoverOpenAIModels(ctx context.Context, client *http.Client, ep model.Endpoint, base string) ([]RemoteModel, error) {
	var payload struct {
		Data []struct {
			ID              string `json:"id"`
			OwnedBy         string `json:"owned_by"`
			ContextWindow   any    `json:"context_window"`
			ContextLength   any    `json:"context_length"`
			InputTokenLimit any    `json:"input_token_limit"`
		} `json:"data"`
	}
	if err := getJSON(ctx, client, ep, base+"/models", &payload); err != nil {
		return nil, err
	}
	models := make([]RemoteModel, 0, len(payload.Data))
	for _, item := range payload.Data {
		models = append(models, RemoteModel{
			Name:    item.ID,
			OwnedBy: strings.TrimSpace(item.OwnedBy),
			ContextWindowTokens: firstPositiveInt(
				toInt(item.ContextWindow),
				toInt(item.ContextLength),
				toInt(item.InputTokenLimit),
			),
		})
	}
	return normalizeRemoteModels(models), nil
}

func discoverOllamaModels(ctx context.Context, client *http.Client, ep model.Endpoint, base string) ([]RemoteModel, error) {
	host := strings.TrimSuffix(base, "/v1")
	var payload struct {
		Models []struct {
			Name  string `json:"name"`
			Model string `json:"model"`
			Size  int64  `json:"size"`
		} `json:"models"`
	}
	if err := getJSON(ctx, client, ep, host+"/api/tags", &payload); err != nil {
		return nil, err
	}
	models := make([]RemoteModel, 0, len(payload.Models))
	for _, item := range payload.Models {
		name := item.Name
		if strings.TrimSpace(name) == "" {
			name = item.Model
		}
		models = append(models, RemoteModel{Name: name, OwnedBy: "ollama", SizeBytes: item.Size})
	}
	return normalizeRemoteModels(models), nil
}

func getJSON(ctx context.Context, client *http.Client, ep model.Endpoint, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return model.Upstream(err)
	}
	if token := strings.TrimSpace(ep.APIKey); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return model.Upstream(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return model.Upstream(errors.Wrap(err, "malformed list response"))
	}
	return nil
}

func normalizeRemoteModels(in []RemoteModel) []RemoteModel {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]RemoteModel, len(in))
	for _, item := range in {
		name := strings.TrimSpace(item.Name)
		if name == "" {
			continue
		}
		item.Name = name
		existing, ok := seen[name]
		if !ok {
			seen[name] = item
			continue
		}
		if existing.ContextWindowTokens <= 0 && item.ContextWindowTokens > 0 {
			existing.ContextWindowTokens = item.ContextWindowTokens
		}
		if existing.OwnedBy == "" {
			existing.OwnedBy = item.OwnedBy
		}
		seen[name] = existing
	}
	out := make([]RemoteModel, 0, len(seen))
	for _, item := range seen {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

func toInt(raw any) int {
	switch value := raw.(type) {
	case int:
		return value
	case int64:
		return int(value)
	case float64:
		return int(value)
	case json.Number:
		i, _ := value.Int64()
		return int(i)
	case string:
		i, _ := strconv.Atoi(strings.TrimSpace(value))
		return i
	default:
		return 0
	}
}

func firstPositiveInt(values ...int) int {
	for _, value := range values {
		if value > 0 {
			return value
		}
	}
	return 0
}
