package postgresql

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func (c *Config) migrateURL() string {
	return fmt.Sprintf("pgx://%s:%s@%s:%s/%s?sslmode=%s",
		c.Username,
		c.Password,
		c.Hostname,
		c.Port,
		c.Name,
		c.SSLMode)
}

// MigrateUp applies all pending schema migrations from the embedded
// sources. Running against an up-to-date schema is a no-op.
func MigrateUp(databaseConfig *Config) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, databaseConfig.migrateURL())
	if err != nil {
		return fmt.Errorf("initializing migrations: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}
