package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

var ErrUnsupportedDSN = errors.New("unsupported dsn")

// Open selects a repository implementation from the scheme of dsn. MongoDB
// URIs open a MongoChatRepository, anything else that looks like a postgres
// connection string opens a PgChatRepository.
func Open(ctx context.Context, dsn string, logger zerolog.Logger) (ChatRepository, error) {
	switch backend(dsn) {
	case backendMongo:
		return NewMongoChatRepository(ctx, dsn, logger)
	case backendPostgres:
		return NewPgChatRepository(dsn, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDSN, redact(dsn))
	}
}

const (
	backendUnknown = iota
	backendPostgres
	backendMongo
)

func backend(dsn string) int {
	switch {
	case strings.HasPrefix(dsn, "mongodb://"), strings.HasPrefix(dsn, "mongodb+srv://"):
		return backendMongo
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"),
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname="):
		return backendPostgres
	default:
		return backendUnknown
	}
}

// redact drops everything after the scheme so credentials never reach logs.
func redact(dsn string) string {
	if i := strings.Index(dsn, "://"); i >= 0 {
		return dsn[:i+3] + "..."
	}
	return "..."
}
