package logging

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

// watermillAdapter forwards watermill logs to zerolog.
type watermillAdapter struct {
	logger zerolog.Logger
}

// NewWatermill wraps logger as a watermill.LoggerAdapter.
func NewWatermill(logger zerolog.Logger) watermill.LoggerAdapter {
	return &watermillAdapter{logger: logger.With().Str("component", "watermill").Logger()}
}

func (a *watermillAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.logger.Error().Err(err).Fields(map[string]any(fields)).Msg(msg)
}

func (a *watermillAdapter) Info(msg string, fields watermill.LogFields) {
	a.logger.Info().Fields(map[string]any(fields)).Msg(msg)
}

func (a *watermillAdapter) Debug(msg string, fields watermill.LogFields) {
	a.logger.Debug().Fields(map[string]any(fields)).Msg(msg)
}

func (a *watermillAdapter) Trace(msg string, fields watermill.LogFields) {
	a.logger.Trace().Fields(map[string]any(fields)).Msg(msg)
}

func (a *watermillAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillAdapter{logger: a.logger.With().Fields(map[string]any(fields)).Logger()}
}
