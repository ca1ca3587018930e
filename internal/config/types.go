package config

import "strings"

// Environment identifies the runtime environment.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// SinkKind names the default subscription type a producer hands out.
type SinkKind string

const (
	// SinkQueue delivers every value in order.
	SinkQueue SinkKind = "queue"
	// SinkMostRecent keeps only the latest value.
	SinkMostRecent SinkKind = "mostrecent"
)

func normalizeSinkKind(kind SinkKind) SinkKind {
	k := strings.ToLower(strings.TrimSpace(string(kind)))
	k = strings.NewReplacer("-", "", "_", "").Replace(k)
	return SinkKind(k)
}
