// main is the application's entrypoint.
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/zag2art/sharedb/internal/backend"
	"github.com/zag2art/sharedb/internal/server"
)

func main() {
	// Wait until the heap triples before sweeping, trading RAM for fewer
	// latency spikes during bursts of concurrent submits.
	debug.SetGCPercent(200)

	_ = godotenv.Load()

	var (
		dbPath      = pflag.String("db", envOr("DB_PATH", "./data/sharedb.db"), "path to the SQLite database file")
		host        = pflag.String("host", envOr("HOST", "localhost"), "address to listen on")
		port        = pflag.Uint16("port", 17050, "port to listen on")
		sqlLogging  = pflag.Bool("sql-log", os.Getenv("IS_SQL_LOGGING_ENABLED") == "1", "log every SQL statement at debug level")
		logLevelStr = pflag.String("log-level", envOr("LOG_LEVEL", "info"), "zerolog level: debug, info, warn, error")
	)
	pflag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if lvl, err := zerolog.ParseLevel(*logLevelStr); err == nil {
		logger = logger.Level(lvl)
	}

	backend.SQLLoggingEnabled = *sqlLogging
	backend.SetSQLLogger(logger)

	db, err := backend.OpenDB(*dbPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()

	be := backend.New(db, logger)
	be.Start()
	defer be.Close()

	srv := server.New(be, logger)
	addr := fmt.Sprintf("%s:%d", *host, *port)
	if err := srv.ListenAndServe(addr); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
