// cmd/usage.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aceteam-ai/tally/internal/logging"
	"github.com/aceteam-ai/tally/internal/usage"
)

var (
	usagePipeline string
	usageLimit    int
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Inspect and ship the local attempt ledger",
	Long: `Every processing attempt a worker makes is recorded in a local SQLite
ledger: outcome, duration, model and token counts. Workers ship new records to
the usage queue in the background; these commands read the ledger directly.`,
}

var usageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent attempts",
	Example: `  tally usage list
  tally usage list --pipeline ocr --limit 50`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			color.NoColor = true
		}
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := usage.OpenStore(cfg.Usage.DBPath)
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := store.Recent(usagePipeline, usageLimit)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No attempts recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer w.Flush()
		fmt.Fprintln(w, labelColor.Sprint("STARTED\tPIPELINE\tTASK\tATTEMPT\tSTATUS\tITEMS\tDURATION\tTOKENS\tERROR"))
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d\t%s\t%d\t%s\n",
				r.StartedAt.Local().Format("2006-01-02 15:04:05"),
				r.Pipeline,
				r.TaskID,
				r.Attempt,
				colorizeStatus(r.Status, r.Status),
				r.Items,
				(time.Duration(r.DurationMs) * time.Millisecond).String(),
				r.PromptTokens+r.CompletionTokens,
				truncate(r.ErrorMessage, 60),
			)
		}
		return nil
	},
}

var usageSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Ship unsynced records to the usage queue now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Usage.Queue == "" {
			return fmt.Errorf("usage.queue is not configured")
		}
		store, err := usage.OpenStore(cfg.Usage.DBPath)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()
		conn, err := dialBroker(ctx, cfg)
		if err != nil {
			return err
		}
		defer conn.Close()

		syncer := usage.NewSyncer(usage.SyncerConfig{
			Store:     store,
			PublishFn: usagePublisher(conn, cfg.Usage.Queue),
			LogFn:     logging.LogFn(logger),
		})

		total, err := syncer.Flush(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Synced %d records to %s\n", total, cfg.Usage.Queue)
		return nil
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	rootCmd.AddCommand(usageCmd)
	usageCmd.AddCommand(usageListCmd, usageSyncCmd)

	usageListCmd.Flags().StringVar(&usagePipeline, "pipeline", "", "Only show attempts of this pipeline")
	usageListCmd.Flags().IntVar(&usageLimit, "limit", 20, "Number of attempts to show")
	usageListCmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colorized output")
}
