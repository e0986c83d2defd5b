package engine

import (
	"os"
	"strconv"

	"github.com/wehubfusion/Daedalus/pkg/enablement"
)

// EnvConfig is the engine's environment-derived configuration. Every value
// has a default so a bare process starts with an in-memory store and
// reporting disabled.
type EnvConfig struct {
	// SQLitePath is the delta log database path. Empty selects the
	// in-memory store. DAEDALUS_SQLITE_PATH.
	SQLitePath string

	// OrJoinMaxStates bounds the OR-join reachability search.
	// DAEDALUS_ORJOIN_MAX_STATES.
	OrJoinMaxStates int

	// NATSURL enables the dispatch layer when non-empty. DAEDALUS_NATS_URL.
	NATSURL string

	// BlobConnectionString and BlobContainer enable case archival when both
	// are set. DAEDALUS_BLOB_CONNECTION_STRING, DAEDALUS_BLOB_CONTAINER.
	BlobConnectionString string
	BlobContainer        string

	// ArchivePrune deletes a case's delta log after successful archival.
	// DAEDALUS_ARCHIVE_PRUNE.
	ArchivePrune bool

	// SentryDSN enables anomaly reporting. DAEDALUS_SENTRY_DSN.
	SentryDSN string

	// OTLPEndpoint enables tracing export. DAEDALUS_OTLP_ENDPOINT.
	OTLPEndpoint string

	// Environment names the deployment environment. DAEDALUS_ENVIRONMENT.
	Environment string
}

// LoadEnvConfig reads the engine configuration from the environment.
func LoadEnvConfig() *EnvConfig {
	cfg := &EnvConfig{
		SQLitePath:           os.Getenv("DAEDALUS_SQLITE_PATH"),
		OrJoinMaxStates:      enablement.DefaultMaxStates,
		NATSURL:              os.Getenv("DAEDALUS_NATS_URL"),
		BlobConnectionString: os.Getenv("DAEDALUS_BLOB_CONNECTION_STRING"),
		BlobContainer:        os.Getenv("DAEDALUS_BLOB_CONTAINER"),
		SentryDSN:            os.Getenv("DAEDALUS_SENTRY_DSN"),
		OTLPEndpoint:         os.Getenv("DAEDALUS_OTLP_ENDPOINT"),
		Environment:          os.Getenv("DAEDALUS_ENVIRONMENT"),
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if v := os.Getenv("DAEDALUS_ORJOIN_MAX_STATES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.OrJoinMaxStates = n
		}
	}
	if v := os.Getenv("DAEDALUS_ARCHIVE_PRUNE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ArchivePrune = b
		}
	}
	return cfg
}
