package server

import (
	"github.com/scrollward/scrollward/internal/app"
	"github.com/scrollward/scrollward/internal/logging"
)

// Config holds server construction options.
type Config struct {
	// ListenAddr is the HTTP listen address for the API surface.
	ListenAddr string

	// AppConfig configures the orchestrator built by the server. Nil means
	// defaults.
	AppConfig *app.Config

	// Logger may be nil, in which case a stdout logger is used.
	Logger logging.Logger
}
