package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"chatrelay/internal/database"
	"chatrelay/internal/migrations"
	"chatrelay/internal/models"

	"github.com/sirupsen/logrus"
)

func main() {
	driver := flag.String("driver", "sqlite3", "Database driver (sqlite3 or postgres)")
	dbPath := flag.String("db", "./chatrelay.db", "Path to the sqlite database file")
	dsn := flag.String("dsn", os.Getenv("CHATRELAY_DATABASE_DSN"), "Postgres connection string")
	printOnly := flag.Bool("print", false, "Print the schema for the driver instead of applying it")
	flag.Parse()

	logger := logrus.New()
	cfg := models.DatabaseConfig{Driver: *driver, Path: *dbPath, DSN: *dsn}

	if *printOnly {
		if err := printSchema(os.Stdout, cfg.Driver); err != nil {
			logger.Fatalf("Failed to read schema: %v", err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := apply(ctx, cfg, logger); err != nil {
		logger.Fatalf("Migration failed: %v", err)
	}
}

func dialectFor(driver string) string {
	if driver == "postgres" {
		return migrations.DialectPostgres
	}
	return migrations.DialectSQLite
}

func printSchema(w io.Writer, driver string) error {
	schema, err := migrations.GetInitialSchema(dialectFor(driver))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, schema)
	return err
}

// apply opens the repository, which creates any missing tables and
// indexes, and reports what is already stored.
func apply(ctx context.Context, cfg models.DatabaseConfig, logger *logrus.Logger) error {
	db, err := database.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close database")
		}
	}()

	counts, err := db.CountByStatus(ctx)
	if err != nil {
		return err
	}

	fields := logrus.Fields{"dialect": db.Dialect()}
	for _, c := range counts {
		fields[string(c.Status)] = c.Count
	}
	logger.WithFields(fields).Info("Schema is up to date")
	return nil
}
