package llm

import (
	"go.uber.org/zap"
)

const (
	// EnvOmniMode is the environment variable name for mode selection.
	EnvOmniMode = "OMNI_MODE"
	// ModeMock indicates mock mode should be used.
	ModeMock = "MOCK"
)

// NewCompleter creates a Completer for the given mode. If mode is MOCK, it
// returns a MockClient whose empty replies make analysis use its fallbacks;
// otherwise it returns a real Client.
func NewCompleter(mode, apiKey string, logger *zap.Logger) Completer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mode == ModeMock {
		logger.Info("mock mode detected, using mock llm client", zap.String("env", EnvOmniMode))
		return NewMockClient("")
	}
	if apiKey == "" {
		logger.Warn("ANTHROPIC_API_KEY not set, session titles and models use fallbacks")
	}
	return NewClient(apiKey)
}
