package temporalx

import (
	"os"
	"strings"
)

// Config is the deployment-time knobs for the optional Temporal-backed C6
// alternate (spec.md §9: "the scheduler's state machine shape must admit a
// durable-workflow backend as well as the in-process one").
type Config struct {
	Address   string
	Namespace string
	TaskQueue string

	ClientCertPath string
	ClientKeyPath  string
	ClientCAPath   string
}

// LoadConfig reads Temporal's connection settings from the environment. An
// empty Address means Temporal is not configured; NewClient treats that as
// "disabled" rather than an error, since the in-process scheduler.Engine
// remains the default C6 backend.
func LoadConfig() Config {
	return Config{
		Address:   strings.TrimSpace(os.Getenv("TEMPORAL_ADDRESS")),
		Namespace: orDefault(strings.TrimSpace(os.Getenv("TEMPORAL_NAMESPACE")), "panelforge"),
		TaskQueue: orDefault(strings.TrimSpace(os.Getenv("TEMPORAL_TASK_QUEUE")), "panelforge"),

		ClientCertPath: strings.TrimSpace(os.Getenv("TEMPORAL_CLIENT_CERT_PATH")),
		ClientKeyPath:  strings.TrimSpace(os.Getenv("TEMPORAL_CLIENT_KEY_PATH")),
		ClientCAPath:   strings.TrimSpace(os.Getenv("TEMPORAL_CLIENT_CA_PATH")),
	}
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
