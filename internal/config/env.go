package config

import (
	"log/slog"

	"github.com/joho/godotenv"

	"github.com/openwind/constraintbuilder/internal/logfields"
)

// envFiles are tried in order; values already present in the process
// environment are never overridden.
var envFiles = []string{".env", ".env.local"}

func loadEnvFiles() {
	for _, path := range envFiles {
		if err := godotenv.Load(path); err == nil {
			slog.Debug("Loaded environment variables", logfields.Path(path))
		}
	}
}
