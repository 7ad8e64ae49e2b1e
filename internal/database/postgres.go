package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PgChatRepository struct {
	conn *sql.DB
	dsn  string
	log  zerolog.Logger
}

func NewPgChatRepository(dsn string, logger zerolog.Logger) (*PgChatRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	return &PgChatRepository{
		conn: db,
		dsn:  dsn,
		log:  logger.With().Str("module", "database.postgres").Logger(),
	}, nil
}

func (db *PgChatRepository) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// EnsureIndexes applies the embedded schema migrations. It opens its own
// connection because closing a migrate instance closes the database handle
// it was given. migrate does not take a context, so ctx is unused.
func (db *PgChatRepository) EnsureIndexes(_ context.Context) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	migrateConn, err := sql.Open("postgres", db.dsn)
	if err != nil {
		return fmt.Errorf("migration connection: %w", err)
	}

	driver, err := postgres.WithInstance(migrateConn, &postgres.Config{})
	if err != nil {
		migrateConn.Close()
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		migrateConn.Close()
		return fmt.Errorf("new migrate: %w", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			db.log.Warn().AnErr("source", srcErr).AnErr("database", dbErr).Msg("close migrate")
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, dirty, _ := m.Version()
	db.log.Info().Uint("version", version).Bool("dirty", dirty).Msg("schema up to date")
	return nil
}

func (db *PgChatRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
