package config

import (
	"os"
	"strconv"

	"github.com/jabolina/spacy/pkg/spacy/definition"
)

// Default ports from spec.md §6.
const (
	DefaultNodePort         = 32000
	DefaultPluginCallbackPort = 32002
	LatestProtocolVersion   = 1
)

// BaseConfiguration holds everything a node needs that is not discovered at
// runtime: ports, protocol version and logging. Mirrors the teacher's
// BaseConfiguration (pkg/mcast/protocol.go callers), generalized to the
// ports spec.md names. Persisted state is intentionally absent (spec.md
// §6); the environment-driven knobs are the log level, per spec.md §6,
// the two fixed ports so multiple nodes can run side by side in tests
// without colliding on 32000/32002, and the plugin accept timeout.
type BaseConfiguration struct {
	NodePort            int
	PluginCallbackPort  int
	Version             int32
	Logger              definition.Logger
	ScanInterval        string
	AcceptTimeoutMillis int
}

// DefaultConfiguration reads SPACY_NODE_PORT, SPACY_PLUGIN_PORT,
// SPACY_PLUGIN_ACCEPT_TIMEOUT_MS and SPACY_LOG_LEVEL from the environment,
// falling back to the spec's default ports, a 2000 ms accept timeout and
// an info-level logger.
func DefaultConfiguration(component string) *BaseConfiguration {
	logger := definition.NewLogger(component)
	if level := os.Getenv("SPACY_LOG_LEVEL"); level == "debug" {
		logger.ToggleDebug(true)
	}

	return &BaseConfiguration{
		NodePort:            intFromEnv("SPACY_NODE_PORT", DefaultNodePort),
		PluginCallbackPort:  intFromEnv("SPACY_PLUGIN_PORT", DefaultPluginCallbackPort),
		Version:             LatestProtocolVersion,
		Logger:              logger,
		AcceptTimeoutMillis: intFromEnv("SPACY_PLUGIN_ACCEPT_TIMEOUT_MS", 2000),
	}
}

func intFromEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
