package main

import (
	"os"
	"strings"
)

// serverConfig is the transport process's own knobs — separate from
// config.Config (the engine's admission/retry/quality tunables, loaded via
// config.FromEnv()) the way the teacher keeps app.Config (JWT/token TTLs)
// distinct from the services it wires.
type serverConfig struct {
	Port    string
	LogMode string

	PostgresDSN string
	SqliteDSN   string // used instead of Postgres when set, for local/dev runs

	RedisAddr          string
	UseRedisBus        bool
	UseRedisImageCache bool

	AIProvider string // "openai" | "anthropic" | "fake"

	VersionBackend string // "gorm" | "neo4j"
	Neo4jURI       string
	Neo4jUser      string
	Neo4jPassword  string
	Neo4jDatabase  string

	TemporalEnabled bool
}

func loadServerConfig() serverConfig {
	return serverConfig{
		Port:    getEnv("PORT", "8080"),
		LogMode: getEnv("LOG_MODE", "development"),

		PostgresDSN: strings.TrimSpace(os.Getenv("PANELFORGE_POSTGRES_DSN")),
		SqliteDSN:   strings.TrimSpace(os.Getenv("PANELFORGE_SQLITE_DSN")),

		RedisAddr:          strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		UseRedisBus:        envBool("PANELFORGE_BUS_REDIS_FORWARD", false),
		UseRedisImageCache: envBool("PANELFORGE_IMAGE_CACHE_REDIS", false),

		AIProvider: getEnv("PANELFORGE_AI_PROVIDER", "fake"),

		VersionBackend: getEnv("PANELFORGE_VERSION_BACKEND", "gorm"),
		Neo4jURI:       getEnv("NEO4J_URI", "neo4j://localhost:7687"),
		Neo4jUser:      getEnv("NEO4J_USER", "neo4j"),
		Neo4jPassword:  os.Getenv("NEO4J_PASSWORD"),
		Neo4jDatabase:  getEnv("NEO4J_DATABASE", "neo4j"),

		TemporalEnabled: envBool("PANELFORGE_TEMPORAL_ENABLED", false),
	}
}

func getEnv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}
