/*
main.go - Device process entry point

PURPOSE:
  Boots one point-of-sale terminal: opens (or initializes) the local
  store, registers the device on first run, and runs the background
  sync scheduler (§4.7, §6.5) alongside a small set of CLI
  subcommands for day-to-day terminal operations and manual sync
  control.

CONFIGURATION (§6.5):
  Recognized options, flag or environment (flag wins):
    --server-url    / POSYNC_SERVER_URL     (default http://localhost:3001)
    --store-path    / POSYNC_STORE_PATH     (default ./posync-device.db)
    --batch-size    / POSYNC_BATCH_SIZE     (default 500)
    --max-retries   / POSYNC_MAX_RETRIES    (default 10)
    --request-timeout / POSYNC_REQUEST_TIMEOUT (default 30s)

SEE ALSO:
  - syncclient/orchestrator.go, syncclient/scheduler.go
  - domain/pos: the mutation operations the subcommands call
*/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldsync/posync/domain/pos"
	"github.com/fieldsync/posync/logging"
	"github.com/fieldsync/posync/store/sqlite"
	"github.com/fieldsync/posync/syncclient"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "posync-device",
	Short: "Offline-first point-of-sale terminal",
}

func init() {
	rootCmd.PersistentFlags().String("server-url", envOr("POSYNC_SERVER_URL", "http://localhost:3001"), "sync server base URL")
	rootCmd.PersistentFlags().String("store-path", envOr("POSYNC_STORE_PATH", "./posync-device.db"), "local store path (':memory:' for ephemeral)")
	batchSize, maxRetries, requestTimeout := 500, 10, 30*time.Second
	if n, err := strconv.Atoi(os.Getenv("POSYNC_BATCH_SIZE")); err == nil {
		batchSize = n
	}
	if n, err := strconv.Atoi(os.Getenv("POSYNC_MAX_RETRIES")); err == nil {
		maxRetries = n
	}
	if d, err := time.ParseDuration(os.Getenv("POSYNC_REQUEST_TIMEOUT")); err == nil {
		requestTimeout = d
	}
	rootCmd.PersistentFlags().Int("batch-size", batchSize, "rows per table per sync phase")
	rootCmd.PersistentFlags().Int("max-retries", maxRetries, "dependency queue max retries")
	rootCmd.PersistentFlags().Duration("request-timeout", requestTimeout, "per-request HTTP deadline")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit logs as JSON")
	rootCmd.PersistentFlags().String("device-label", "terminal", "human label for this device, used only on first registration")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(partyCmd)
	partyCmd.AddCommand(partyCreateCmd)
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func initLogging(cmd *cobra.Command) {
	level, _ := cmd.Flags().GetString("log-level")
	jsonOut, _ := cmd.Flags().GetBool("log-json")
	logging.Init(logging.Config{Level: logging.Level(level), JSONOutput: jsonOut})
}

// openStoreAndDevice opens the local store and loads the cached device
// identity, registering a new device if this is a first run (§9 Global
// state: the device id is read once and never mutated thereafter).
func openStoreAndDevice(cmd *cobra.Command) (*sqlite.Store, pos.Device, error) {
	storePath, _ := cmd.Flags().GetString("store-path")
	label, _ := cmd.Flags().GetString("device-label")

	store, err := sqlite.New(storePath)
	if err != nil {
		return nil, pos.Device{}, fmt.Errorf("open local store: %w", err)
	}

	ctx := context.Background()
	device, ok, err := pos.CurrentDevice(ctx, store)
	if err != nil {
		store.Close()
		return nil, pos.Device{}, fmt.Errorf("load device identity: %w", err)
	}
	if !ok {
		device, err = pos.RegisterDevice(ctx, store, label, time.Now().UTC())
		if err != nil {
			store.Close()
			return nil, pos.Device{}, fmt.Errorf("register device: %w", err)
		}
		logging.WithComponent("device.main").Info().Str("device_id", string(device.DeviceID)).Msg("registered new device")
	}
	return store, device, nil
}

func buildOrchestrator(cmd *cobra.Command, store *sqlite.Store, device pos.Device) *syncclient.Orchestrator {
	serverURL, _ := cmd.Flags().GetString("server-url")
	batchSize, _ := cmd.Flags().GetInt("batch-size")
	maxRetries, _ := cmd.Flags().GetInt("max-retries")
	timeout, _ := cmd.Flags().GetDuration("request-timeout")

	transport := syncclient.NewTransport(serverURL, device.DeviceID)
	transport.Timeout = timeout

	orchestrator := syncclient.NewOrchestrator(store, transport, pos.Schema())
	orchestrator.BatchSize = batchSize
	orchestrator.Queue.MaxRetries = maxRetries
	return orchestrator
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the device as a long-lived process with background sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)
		log := logging.WithComponent("device.main")

		store, device, err := openStoreAndDevice(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		orchestrator := buildOrchestrator(cmd, store, device)
		scheduler := syncclient.NewScheduler(orchestrator)
		scheduler.Start()
		defer scheduler.Stop()

		log.Info().Str("device_id", string(device.DeviceID)).Msg("device running")

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		log.Info().Msg("shutting down")
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one full sync pass (upload pending, then download new) and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)

		store, device, err := openStoreAndDevice(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		orchestrator := buildOrchestrator(cmd, store, device)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		summary, err := orchestrator.FullSync(ctx)
		if err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		fmt.Printf("upload: synced=%d queued=%d failed=%d\n", summary.Upload.Synced, summary.Upload.Queued, summary.Upload.Failed)
		fmt.Printf("download: applied=%d enqueued=%d\n", summary.Download.Applied, summary.Download.Enqueued)
		for _, e := range append(summary.Upload.Errors, summary.Download.Errors...) {
			fmt.Printf("  error: %s\n", e.Error())
		}
		return nil
	},
}

var partyCmd = &cobra.Command{
	Use:   "party",
	Short: "Manage parties (customers, vendors, staff)",
}

var partyCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new party",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)
		kind, _ := cmd.Flags().GetString("kind")
		contact, _ := cmd.Flags().GetString("contact")
		notes, _ := cmd.Flags().GetString("notes")

		store, device, err := openStoreAndDevice(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		party, err := pos.CreateParty(ctx, store, device.DeviceID, time.Now().UTC(), args[0], kind, contact, notes)
		if err != nil {
			return fmt.Errorf("create party: %w", err)
		}
		fmt.Printf("created party %s (%s)\n", party.ID, party.Name)
		return nil
	},
}

func init() {
	partyCreateCmd.Flags().String("kind", "customer", "customer, vendor, or staff")
	partyCreateCmd.Flags().String("contact", "", "contact info")
	partyCreateCmd.Flags().String("notes", "", "free-form notes")
}
