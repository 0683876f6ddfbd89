/*
main.go - Server process entry point

PURPOSE:
  Boots the central Server Sync API (§6): opens the server store, wires
  the HTTP handlers and router, starts the background dependency-queue
  scheduler, and serves until interrupted.

STARTUP SEQUENCE:
  1. Parse flags (cobra)
  2. Initialize logging
  3. Open the server store
  4. Start the dependency scheduler
  5. Configure the router
  6. Serve with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections, drain in-flight ones (30s timeout)
  2. Stop the dependency scheduler
  3. Close the database
  4. Exit

SEE ALSO:
  - server/router.go: route table
  - server/dependency_scheduler.go: background retry loop
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldsync/posync/logging"
	"github.com/fieldsync/posync/server"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "posync-server",
	Short: "Central sync server for the offline-first point-of-sale engine",
	RunE:  runServer,
}

func init() {
	rootCmd.Flags().Int("port", 8080, "HTTP server port")
	rootCmd.Flags().String("db", "posync-server.db", "SQLite database path (use ':memory:' for ephemeral)")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "emit logs as JSON")
	rootCmd.Flags().Duration("dependency-check-interval", 30*time.Second, "how often to retry the dependency queue")
}

func runServer(cmd *cobra.Command, args []string) error {
	port, _ := cmd.Flags().GetInt("port")
	dbPath, _ := cmd.Flags().GetString("db")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	checkInterval, _ := cmd.Flags().GetDuration("dependency-check-interval")

	logging.Init(logging.Config{
		Level:      logging.Level(logLevel),
		JSONOutput: logJSON,
	})
	log := logging.WithComponent("server.main")

	store, err := server.New(dbPath)
	if err != nil {
		return fmt.Errorf("open server store: %w", err)
	}
	defer store.Close()

	scheduler := server.NewDependencyScheduler(store)
	scheduler.CheckInterval = checkInterval
	scheduler.Start()
	defer scheduler.Stop()

	handler := server.NewHandler(store)
	router := server.NewRouter(handler)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", port).Msg("sync server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server failed")
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}
