package migrations

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
)

// Dialects with a bundled schema.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

const initialSchemaFile = "001_initial_schema.sql"

//go:embed sql
var bundled embed.FS

var (
	// MigrationsDir can be overridden in tests or by the application.
	// Files found under MigrationsDir/<dialect>/ take precedence over the
	// bundled schema.
	MigrationsDir = getDefaultMigrationsDir()
)

func getDefaultMigrationsDir() string {
	if dir := os.Getenv("CHATRELAY_MIGRATIONS_DIR"); dir != "" {
		return dir
	}
	return "scripts/migrations"
}

// GetInitialSchema returns the initial database schema for dialect.
func GetInitialSchema(dialect string) (string, error) {
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return "", fmt.Errorf("unsupported dialect %q", dialect)
	}

	searchPaths := []string{
		filepath.Join(MigrationsDir, dialect, initialSchemaFile),
		filepath.Join("..", "..", MigrationsDir, dialect, initialSchemaFile),
		filepath.Join("..", MigrationsDir, dialect, initialSchemaFile),
	}
	for _, path := range searchPaths {
		if content, err := os.ReadFile(path); err == nil { // #nosec G304 - operator-controlled migrations dir
			return string(content), nil
		}
	}

	content, err := bundled.ReadFile("sql/" + dialect + "/" + initialSchemaFile)
	if err != nil {
		return "", fmt.Errorf("could not find schema for %s: %w", dialect, err)
	}
	return string(content), nil
}
