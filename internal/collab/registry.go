package collab

import (
	"log/slog"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/logging"
	"conveyor/internal/stage"
)

// NewRegistry binds a handler to every pipeline stage: an HTTPHandler when
// collaborators.endpoints names the stage, Passthrough otherwise. HTTP
// handlers share one limiter.
func NewRegistry(cfg *config.Config, logger *slog.Logger) *stage.Registry {
	if logger == nil {
		logger = logging.NewNop()
	}
	limiter := NewLimiter(cfg.Collaborators.RatePerSecond, cfg.Collaborators.Burst)
	timeout := time.Duration(cfg.Collaborators.TimeoutSeconds) * time.Second

	reg := stage.NewRegistry()
	for _, name := range cfg.Pipeline.Stages {
		endpoint := cfg.Collaborators.Endpoints[name]
		if endpoint == "" {
			reg.Register(name, Passthrough{})
			logger.Debug("stage uses passthrough handler", logging.Stage(name))
			continue
		}
		reg.Register(name, NewHTTPHandler(name, endpoint, timeout,
			WithLimiter(limiter),
			WithToken(cfg.Collaborators.Token),
			WithLogger(logging.NewComponentLogger(logger, "collab")),
		))
		logger.Debug("stage uses http collaborator",
			logging.Stage(name),
			logging.String("endpoint", endpoint),
		)
	}
	return reg
}
