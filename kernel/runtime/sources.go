package runtime

import (
	"context"
	"strings"

	"github.com/OnslaughtSnail/parley/kernel/model"
	"github.com/OnslaughtSnail/parley/kernel/model/providers"
	"github.com/OnslaughtSnail/parley/kernel/session"
)

// PutSource creates or updates an upstream source.
func (r *Runtime) PutSource(ctx context.Context, src session.Source) (*session.Source, error) {
	src.ID = strings.TrimSpace(src.ID)
	if src.ID == "" {
		src.ID = session.NewID()
	}
	src.API = string(providers.NormalizeAPI(src.API))
	supported := false
	for _, api := range providers.SupportedAPIs() {
		if api == src.API {
			supported = true
			break
		}
	}
	if !supported {
		return nil, NewCodedError(ErrorCodeInvalidArgument, "runtime: unsupported api %q", src.API)
	}
	if strings.TrimSpace(src.BaseURL) == "" {
		src.BaseURL = providers.DefaultBaseURL(providers.APIType(src.API))
	}
	if strings.TrimSpace(src.BaseURL) == "" {
		return nil, NewCodedError(ErrorCodeInvalidArgument, "runtime: base url is required for api %q", src.API)
	}
	if strings.TrimSpace(src.Name) == "" {
		src.Name = src.ID
	}
	if err := r.catalog.PutSource(ctx, &src); err != nil {
		return nil, classify(err, "runtime: put source %s", src.ID)
	}
	return r.GetSource(ctx, src.ID)
}

// GetSource returns one upstream source.
func (r *Runtime) GetSource(ctx context.Context, id string) (*session.Source, error) {
	src, err := r.catalog.GetSource(ctx, id)
	if err != nil {
		return nil, classify(err, "runtime: get source %s", id)
	}
	return src, nil
}

// ListSources returns every configured upstream source.
func (r *Runtime) ListSources(ctx context.Context) ([]*session.Source, error) {
	out, err := r.catalog.ListSources(ctx)
	if err != nil {
		return nil, classify(err, "runtime: list sources")
	}
	return out, nil
}

// DeleteSource removes a source and its models.
func (r *Runtime) DeleteSource(ctx context.Context, id string) error {
	if err := r.catalog.DeleteSource(ctx, id); err != nil {
		return classify(err, "runtime: delete source %s", id)
	}
	return nil
}

// ListModels returns the stored models of a source.
func (r *Runtime) ListModels(ctx context.Context, sourceID string) ([]session.ModelRecord, error) {
	out, err := r.catalog.ListModels(ctx, sourceID)
	if err != nil {
		return nil, classify(err, "runtime: list models %s", sourceID)
	}
	return out, nil
}

// ResolveEndpoint builds the upstream parameters for modelName on sourceID.
// An empty modelName selects the first enabled stored model.
func (r *Runtime) ResolveEndpoint(ctx context.Context, sourceID, modelName string) (model.Endpoint, error) {
	src, err := r.GetSource(ctx, sourceID)
	if err != nil {
		return model.Endpoint{}, err
	}
	if !src.Enabled {
		return model.Endpoint{}, NewCodedError(ErrorCodeInvalidArgument, "runtime: source %s is disabled", src.ID)
	}
	modelName = strings.TrimSpace(modelName)
	if modelName == "" {
		models, err := r.ListModels(ctx, src.ID)
		if err != nil {
			return model.Endpoint{}, err
		}
		for _, m := range models {
			if m.Enabled {
				modelName = m.Name
				break
			}
		}
	}
	if modelName == "" {
		return model.Endpoint{}, NewCodedError(ErrorCodeInvalidArgument, "runtime: no model selected for source %s", src.ID)
	}
	return model.Endpoint{
		API:     src.API,
		BaseURL: src.BaseURL,
		APIKey:  src.APIKey,
		Model:   modelName,
	}, nil
}

// DiscoverModels asks the upstream of sourceID which models it serves.
func (r *Runtime) DiscoverModels(ctx context.Context, sourceID string) ([]providers.RemoteModel, error) {
	src, err := r.GetSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	models, err := r.discover(ctx, model.Endpoint{API: src.API, BaseURL: src.BaseURL, APIKey: src.APIKey})
	if err != nil {
		return nil, WrapCodedError(ErrorCodeUpstream, err, "runtime: discover models for %s", src.ID)
	}
	return models, nil
}

// SyncModels replaces the stored models of sourceID with the discovered ones.
// Previously disabled models stay disabled.
func (r *Runtime) SyncModels(ctx context.Context, sourceID string) ([]session.ModelRecord, error) {
	remote, err := r.DiscoverModels(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	existing, err := r.ListModels(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	disabled := make(map[string]bool, len(existing))
	for _, m := range existing {
		if !m.Enabled {
			disabled[m.Name] = true
		}
	}
	records := make([]session.ModelRecord, 0, len(remote))
	for _, m := range remote {
		records = append(records, session.ModelRecord{
			SourceID:            sourceID,
			Name:                m.Name,
			Enabled:             !disabled[m.Name],
			ContextWindowTokens: m.ContextWindowTokens,
		})
	}
	if err := r.catalog.ReplaceModels(ctx, sourceID, records); err != nil {
		return nil, classify(err, "runtime: store models %s", sourceID)
	}
	r.logger.Info().Str("source_id", sourceID).Int("models", len(records)).Msg("models synced")
	return r.ListModels(ctx, sourceID)
}
