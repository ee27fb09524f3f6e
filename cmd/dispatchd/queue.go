package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/evermail/dispatch/internal/config"
	"github.com/evermail/dispatch/internal/ledger"
	"github.com/evermail/dispatch/internal/queue"
	"github.com/evermail/dispatch/internal/store"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Queue management commands",
	Long:  "Inspect and manage the dispatch queue directly against the store",
}

var queueListLimit int

func init() {
	queueListCmd.Flags().IntVarP(&queueListLimit, "limit", "n", 50, "maximum jobs to list")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueCancelCmd)
	queueCmd.AddCommand(queueFlushCmd)
	queueCmd.AddCommand(queueRecordsCmd)
}

// openQueueStore opens the configured store for direct CLI access.
func openQueueStore() (*sql.DB, queue.Store, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	db, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open store: %w", err)
	}

	jobStore, err := queue.NewSQLStore(db, cfg.Store.Driver)
	if err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("failed to init job store: %w", err)
	}

	return db, jobStore, cfg, nil
}

var queueListCmd = &cobra.Command{
	Use:   "list [state]",
	Short: "List jobs, optionally filtered by state",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, jobStore, _, err := openQueueStore()
		if err != nil {
			return err
		}
		defer db.Close()

		state := queue.State("")
		if len(args) > 0 {
			state = queue.State(args[0])
		}

		jobs, err := jobStore.List(context.Background(), state, queueListLimit)
		if err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tACCOUNT\tKIND\tSTATE\tATTEMPTS\tNEXT ELIGIBLE\tCREATED")
		for _, j := range jobs {
			next := "-"
			if !j.NextEligible.IsZero() && !j.State.Terminal() {
				next = j.NextEligible.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				j.ID, j.AccountID, j.Kind, j.State, j.Attempts, next,
				j.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue depth by state",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, jobStore, _, err := openQueueStore()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := jobStore.Stats(context.Background())
		if err != nil {
			return fmt.Errorf("failed to read queue stats: %w", err)
		}

		fmt.Printf("Queued:       %d\n", stats.Queued)
		fmt.Printf("Rate-delayed: %d\n", stats.RateDelayed)
		fmt.Printf("In-flight:    %d\n", stats.InFlight)
		fmt.Printf("Retrying:     %d\n", stats.Retrying)
		fmt.Printf("Sent:         %d\n", stats.Sent)
		fmt.Printf("Failed:       %d\n", stats.Failed)
		fmt.Printf("Cancelled:    %d\n", stats.Cancelled)
		return nil
	},
}

var queueCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, jobStore, _, err := openQueueStore()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := jobStore.Cancel(context.Background(), args[0]); err != nil {
			return fmt.Errorf("failed to cancel job %s: %w", args[0], err)
		}

		fmt.Printf("Job %s cancelled\n", args[0])
		return nil
	},
}

var queueFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Make all deferred jobs eligible for delivery now",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, jobStore, _, err := openQueueStore()
		if err != nil {
			return err
		}
		defer db.Close()

		n, err := jobStore.Flush(context.Background())
		if err != nil {
			return fmt.Errorf("failed to flush queue: %w", err)
		}

		fmt.Printf("Flushed %d deferred jobs\n", n)
		return nil
	},
}

var queueRecordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Show recent delivery records",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, cfg, err := openQueueStore()
		if err != nil {
			return err
		}
		defer db.Close()

		led, err := ledger.NewSQLLedger(db, cfg.Store.Driver)
		if err != nil {
			return fmt.Errorf("failed to init delivery ledger: %w", err)
		}

		recs, err := led.List(context.Background(), queueListLimit)
		if err != nil {
			return fmt.Errorf("failed to list delivery records: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "JOB\tOUTCOME\tPROVIDER MSG\tREASON\tRECORDED")
		for _, rec := range recs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				rec.JobID, rec.FinalState, rec.ProviderMessageID, rec.Reason,
				rec.RecordedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}
