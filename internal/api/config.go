package api

import "github.com/FocuswithJustin/RecallRecover/core/pipeline"

// Config holds server configuration.
type Config struct {
	Addr string
	// BaseDir confines job paths. Relative paths in a job request are
	// resolved against it. Empty means no confinement.
	BaseDir string
	// Defaults seeds every job's RecoveryConfig.
	Defaults       pipeline.RecoveryConfig
	AllowedOrigins []string // CORS and websocket origins (empty = allow all)
}
