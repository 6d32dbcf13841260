// cmd/status.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/cobra"

	"github.com/aceteam-ai/tally/internal/config"
	"github.com/aceteam-ai/tally/internal/usage"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	goodColor   = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	badColor    = color.New(color.FgRed)
	labelColor  = color.New(color.Bold)
	noColor     bool // Flag to disable color
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"st", "info"},
	Short:   "Shows queue depths, the usage ledger and host vitals",
	Long: `Provides an overview of a tally deployment from this host: the depth of
every pipeline's task, result and dead letter queue, attempt counts from the
local usage ledger and the host's CPU, memory and disk usage.`,
	Example: `  # View status with colors
  tally status

  # View status without colors (for scripts/logging)
  tally status --no-color`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Handle the --no-color flag
		if noColor {
			color.NoColor = true
		}

		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer w.Flush()

		headerColor.Fprintf(w, "--- tally status (%s) ---\n", Version)

		headerColor.Fprintf(w, "\nQUEUES (%s)\n", cfg.Broker.Kind)
		printQueueInfo(cmd.Context(), w, cfg)

		headerColor.Fprintln(w, "\nUSAGE LEDGER")
		printUsageInfo(w, cfg.Usage)

		headerColor.Fprintln(w, "\nSYSTEM VITALS")
		printMemInfo(w)
		printCPUInfo(w)
		printDiskInfo(w)
		return nil
	},
}

func printQueueInfo(ctx context.Context, w *tabwriter.Writer, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := dialBroker(ctx, cfg)
	if err != nil {
		fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Connection"), badColor.Sprintf("OFFLINE (%v)", err))
		return
	}
	defer conn.Close()
	fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Connection"), goodColor.Sprint("ONLINE"))

	for _, name := range []string{config.PipelineOCR, config.PipelineAdvice, config.PipelineBudget} {
		q, _ := cfg.Pipelines.Queues(name)
		fmt.Fprintf(w, "  %s:\n", labelColor.Sprint(name))
		printDepth(ctx, w, conn, "tasks", q.Tasks, 100)
		printDepth(ctx, w, conn, "results", q.Results, 1000)
		if q.DeadLetter != "" {
			printDepth(ctx, w, conn, "dead letter", q.DeadLetter, 1)
		}
	}
}

// printDepth prints a queue's depth, highlighted once it reaches warnAt.
func printDepth(ctx context.Context, w *tabwriter.Writer, conn brokerConn, label, queue string, warnAt int64) {
	n, err := conn.Depth(ctx, queue)
	if err != nil {
		fmt.Fprintf(w, "    - %s (%s):\t%s\n", label, queue, warnColor.Sprint("not declared"))
		return
	}
	depth := goodColor.Sprint(n)
	if n >= warnAt {
		depth = warnColor.Sprint(n)
	}
	fmt.Fprintf(w, "    - %s (%s):\t%s\n", label, queue, depth)
}

func printUsageInfo(w *tabwriter.Writer, cfg config.UsageConfig) {
	if cfg.Disabled {
		fmt.Fprintln(w, "  (disabled)")
		return
	}
	store, err := usage.OpenStore(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(w, "  %s\n", badColor.Sprintf("Could not open %s: %v", cfg.DBPath, err))
		return
	}
	defer store.Close()

	counts, err := store.Counts()
	if err != nil {
		fmt.Fprintf(w, "  %s\n", badColor.Sprintf("Could not read ledger: %v", err))
		return
	}
	if len(counts) == 0 {
		fmt.Fprintln(w, "  No attempts recorded.")
		return
	}

	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint(s), colorizeStatus(s, fmt.Sprint(counts[s])))
	}
}

func colorizeStatus(status, s string) string {
	switch status {
	case usage.StatusSuccess:
		return goodColor.Sprint(s)
	case usage.StatusRequeued:
		return warnColor.Sprint(s)
	case usage.StatusRejected:
		return badColor.Sprint(s)
	}
	return s
}

func printMemInfo(w *tabwriter.Writer) {
	v, err := mem.VirtualMemory()
	if err != nil {
		fmt.Fprintf(w, "  Memory:\t%s\n", badColor.Sprintf("Error getting memory info: %v", err))
		return
	}
	percentStr := colorizePercent(v.UsedPercent)
	fmt.Fprintf(w, "  %s:\t%s (%s / %s)\n", labelColor.Sprint("Memory"), percentStr, formatBytes(v.Used), formatBytes(v.Total))
}

func printCPUInfo(w *tabwriter.Writer) {
	percentages, err := cpu.Percent(time.Second, false)
	if err != nil || len(percentages) == 0 {
		fmt.Fprintf(w, "  CPU Usage:\t%s\n", badColor.Sprintf("Error getting CPU info: %v", err))
		return
	}
	percentStr := colorizePercent(percentages[0])
	fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("CPU Usage"), percentStr)
}

func printDiskInfo(w *tabwriter.Writer) {
	d, err := disk.Usage("/")
	if err != nil {
		fmt.Fprintf(w, "  Disk (/):\t%s\n", badColor.Sprintf("Error getting disk info: %v", err))
		return
	}
	percentStr := colorizePercent(d.UsedPercent)
	fmt.Fprintf(w, "  %s:\t%s (%s / %s)\n", labelColor.Sprint("Disk (/)"), percentStr, formatBytes(d.Used), formatBytes(d.Total))
}

func colorizePercent(p float64) string {
	s := fmt.Sprintf("%.1f%%", p)
	if p > 90.0 {
		return badColor.Sprint(s)
	}
	if p > 75.0 {
		return warnColor.Sprint(s)
	}
	return goodColor.Sprint(s)
}

func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colorized output")
}
