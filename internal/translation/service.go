package translation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/parlance/backend/internal/models"
)

// Translator is the capability the task pipeline depends on.
type Translator interface {
	Translate(ctx context.Context, text string, dir models.Direction) (string, error)
}

// Service adapts a Provider to Translator. Every failure comes back as *Error.
type Service struct {
	provider Provider
	logger   *slog.Logger
}

// NewService resolves the named provider (empty means the registry default).
func NewService(registry *Registry, name string, logger *slog.Logger) (*Service, error) {
	provider, err := registry.Provider(name)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{provider: provider, logger: logger}, nil
}

func (s *Service) Translate(ctx context.Context, text string, dir models.Direction) (string, error) {
	if !dir.Valid() {
		return "", &Error{Reason: fmt.Sprintf("unsupported direction %q", dir)}
	}
	resp, err := s.provider.Translate(ctx, TranslateRequest{
		Text:       text,
		SourceLang: dir.Source(),
		TargetLang: dir.Target(),
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", &Error{Reason: ctxErr.Error(), Err: ctxErr}
		}
		return "", &Error{Reason: err.Error(), Err: err}
	}
	out := strings.TrimSpace(resp.Text)
	if out == "" {
		return "", &Error{Reason: "empty translation"}
	}
	s.logger.Debug("translated", "provider", resp.ProviderName, "direction", dir, "latency_ms", resp.LatencyMs)
	return out, nil
}
