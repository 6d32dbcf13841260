// cmd/enqueue.go
package cmd

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aceteam-ai/tally/internal/config"
	"github.com/aceteam-ai/tally/internal/pipeline"
)

var (
	enqueueTaskID     string
	enqueueCategories []string
	enqueueGoal       string
	enqueueStats      string
	enqueueData       string
	enqueuePeriod     int
	enqueueGoals      []string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Publish a task to a pipeline's task queue",
	Long: `Builds a task message, checks it the way a worker would and publishes it
to the configured task queue. Prints the task_id to look for on the results
queue.`,
}

var enqueueOCRCmd = &cobra.Command{
	Use:   "ocr <image>",
	Short: "Enqueue a receipt image",
	Example: `  tally enqueue ocr receipt.jpg
  tally enqueue ocr receipt.png --categories Groceries,Household,Other`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		image, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		body, err := buildOCRMessage(taskID(), image, enqueueCategories)
		if err != nil {
			return err
		}
		return publishTask(cmd.Context(), config.PipelineOCR, body)
	},
}

var enqueueAdviceCmd = &cobra.Command{
	Use:   "advice",
	Short: "Enqueue a savings goal with monthly statistics",
	Example: `  tally enqueue advice --goal "Save 500 a month" --stats @stats.json
  tally enqueue advice --goal '{"target":5000,"months":12}' --stats '{"food":600,"rent":1500}'`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := readArg(enqueueStats)
		if err != nil {
			return err
		}
		body, err := buildAdviceMessage(taskID(), enqueueGoal, stats)
		if err != nil {
			return err
		}
		return publishTask(cmd.Context(), config.PipelineAdvice, body)
	},
}

var enqueueBudgetCmd = &cobra.Command{
	Use:     "budget",
	Short:   "Enqueue financial data for a budget analysis",
	Example: `  tally enqueue budget --data @finances.json --period 3 --goal "Pay off credit cards"`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readArg(enqueueData)
		if err != nil {
			return err
		}
		body, err := buildBudgetMessage(taskID(), data, enqueuePeriod, enqueueGoals)
		if err != nil {
			return err
		}
		return publishTask(cmd.Context(), config.PipelineBudget, body)
	},
}

func taskID() string {
	if enqueueTaskID != "" {
		return enqueueTaskID
	}
	return uuid.New().String()
}

// readArg returns s, or the contents of the file it names when it starts with @.
func readArg(s string) (string, error) {
	if path, ok := strings.CutPrefix(s, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return s, nil
}

// jsonOrString keeps valid JSON as-is and encodes anything else as a string.
func jsonOrString(s string) json.RawMessage {
	s = strings.TrimSpace(s)
	if s != "" && json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	b, _ := json.Marshal(s)
	return b
}

func buildOCRMessage(id string, image []byte, categories []string) ([]byte, error) {
	msg := map[string]any{
		"task_id":   id,
		"image_b64": base64.StdEncoding.EncodeToString(image),
	}
	if len(categories) > 0 {
		msg["categories"] = categories
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if _, err := pipeline.DecodeOCRTask(body); err != nil {
		return nil, err
	}
	return body, nil
}

func buildAdviceMessage(id, goal, stats string) ([]byte, error) {
	body, err := json.Marshal(map[string]any{
		"task_id":       id,
		"goal":          jsonOrString(goal),
		"monthly_stats": jsonOrString(stats),
	})
	if err != nil {
		return nil, err
	}
	if _, err := pipeline.DecodeAdviceTask(body); err != nil {
		return nil, err
	}
	return body, nil
}

func buildBudgetMessage(id, data string, period int, goals []string) ([]byte, error) {
	if !json.Valid([]byte(data)) {
		return nil, fmt.Errorf("%w: financial data is not JSON", pipeline.ErrValidation)
	}
	msg := map[string]any{
		"task_id":            id,
		"financial_data":     json.RawMessage(data),
		"time_period_months": period,
	}
	if len(goals) > 0 {
		msg["goals"] = goals
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if _, err := pipeline.DecodeBudgetTask(body); err != nil {
		return nil, err
	}
	return body, nil
}

func publishTask(ctx context.Context, name string, body []byte) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	queues, _ := cfg.Pipelines.Queues(name)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	conn, err := dialBroker(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	id := pipeline.PeekTaskID(body)
	if err := conn.Publish(ctx, queues.Tasks, id, body); err != nil {
		return err
	}
	fmt.Printf("Enqueued %s task %s on %s\n", name, id, queues.Tasks)
	return nil
}

func init() {
	rootCmd.AddCommand(enqueueCmd)
	enqueueCmd.AddCommand(enqueueOCRCmd, enqueueAdviceCmd, enqueueBudgetCmd)

	enqueueCmd.PersistentFlags().StringVar(&enqueueTaskID, "task-id", "", "Task id (default: a new UUID)")

	enqueueOCRCmd.Flags().StringSliceVar(&enqueueCategories, "categories", nil, "Categories to choose from (default: Groceries, Dining, Transport, Entertainment, Other, Unknown)")

	enqueueAdviceCmd.Flags().StringVar(&enqueueGoal, "goal", "", "Savings goal, as text or JSON")
	enqueueAdviceCmd.Flags().StringVar(&enqueueStats, "stats", "", "Monthly statistics as JSON, or @file")
	enqueueAdviceCmd.MarkFlagRequired("goal")
	enqueueAdviceCmd.MarkFlagRequired("stats")

	enqueueBudgetCmd.Flags().StringVar(&enqueueData, "data", "", "Financial data (income, expenses, savings, debts) as JSON, or @file")
	enqueueBudgetCmd.Flags().IntVar(&enqueuePeriod, "period", 1, "Analysis period in months: 1, 3, 6 or 12")
	enqueueBudgetCmd.Flags().StringSliceVar(&enqueueGoals, "goal", nil, "Financial goal (repeatable)")
	enqueueBudgetCmd.MarkFlagRequired("data")
}
