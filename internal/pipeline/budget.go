package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aceteam-ai/tally/assets"
	"github.com/aceteam-ai/tally/internal/config"
	"github.com/aceteam-ai/tally/internal/inference"
)

const budgetSystemPrompt = "You are an expert financial advisor with deep knowledge of personal finance, budgeting and wealth building. Provide practical, actionable advice."

// Expense names counted as essential spending.
var essentialExpenses = []string{"housing", "utilities", "food", "transportation", "insurance"}

// Metrics are the figures computed from a budget before the model sees it.
// Ratios are percentages of total income and are zero when income is zero.
type Metrics struct {
	TotalIncome                float64 `json:"total_income"`
	TotalExpenses              float64 `json:"total_expenses"`
	NetCashFlow                float64 `json:"net_cash_flow"`
	SavingsRate                float64 `json:"savings_rate"`
	EssentialExpensesRatio     float64 `json:"essential_expenses_ratio"`
	DiscretionaryExpensesRatio float64 `json:"discretionary_expenses_ratio"`
	DebtToIncomeRatio          float64 `json:"debt_to_income_ratio"`
}

func sum(m map[string]float64) float64 {
	var total float64
	for _, v := range m {
		total += v
	}
	return total
}

// ComputeMetrics derives the budget metrics from financial data.
func ComputeMetrics(fd FinancialData) Metrics {
	m := Metrics{
		TotalIncome:   sum(fd.Income),
		TotalExpenses: sum(fd.Expenses),
	}
	m.NetCashFlow = m.TotalIncome - m.TotalExpenses

	var essential float64
	for _, name := range essentialExpenses {
		essential += fd.Expenses[name]
	}
	discretionary := m.TotalExpenses - essential

	if m.TotalIncome > 0 {
		pct := func(v float64) float64 { return v / m.TotalIncome * 100 }
		m.SavingsRate = pct(m.NetCashFlow)
		m.EssentialExpensesRatio = pct(essential)
		m.DiscretionaryExpensesRatio = pct(discretionary)
		m.DebtToIncomeRatio = pct(sum(fd.Debts))
	}
	return m
}

// BudgetProcessor analyses a budget with the model and attaches the computed
// metrics to its answer.
type BudgetProcessor struct {
	client  inference.Client
	model   string
	timeout time.Duration
	now     func() time.Time
	logger  zerolog.Logger
	schema  []byte
	prompt  string
}

func NewBudgetProcessor(deps Deps) (*BudgetProcessor, error) {
	s, prompt, err := stageAssets(deps.Store, assets.StageBudget)
	if err != nil {
		return nil, err
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &BudgetProcessor{
		client:  deps.Client,
		model:   deps.Models.Budget,
		timeout: deps.BudgetTimeout,
		now:     now,
		logger:  deps.Logger.With().Str("pipeline", config.PipelineBudget).Logger(),
		schema:  s,
		prompt:  prompt,
	}, nil
}

func (p *BudgetProcessor) Name() string { return config.PipelineBudget }

func (p *BudgetProcessor) Process(ctx context.Context, body []byte) Outcome {
	usage := Usage{Model: p.model}

	task, err := DecodeBudgetTask(body)
	if err != nil {
		return failed(task.TaskID, err, usage)
	}

	metrics := ComputeMetrics(task.FinancialData)
	goals := task.Goals
	if goals == nil {
		goals = []string{}
	}
	input, err := json.Marshal(struct {
		FinancialData    FinancialData `json:"financial_data"`
		Metrics          Metrics       `json:"metrics"`
		TimePeriodMonths int           `json:"time_period_months"`
		UserGoals        []string      `json:"user_goals"`
		AnalysisDate     string        `json:"analysis_date"`
	}{task.FinancialData, metrics, task.TimePeriodMonths, goals, p.now().Format(time.RFC3339)})
	if err != nil {
		return failed(task.TaskID, fmt.Errorf("%w: %v", ErrValidation, err), usage)
	}

	p.logger.Info().Str("task_id", task.TaskID).Int("months", task.TimePeriodMonths).Msg("starting budget analysis")

	resp, err := p.client.Infer(ctx, inference.Request{
		Model:   p.model,
		System:  budgetSystemPrompt,
		User:    p.prompt + "\n\nFinancial Context:\n" + indentJSON(input),
		Schema:  p.schema,
		Timeout: p.timeout,
	})
	usage.add(resp)
	if err != nil {
		return failed(task.TaskID, fmt.Errorf("budget: %w", err), usage)
	}

	analysis := Item{}
	if err := json.Unmarshal(resp.Content, &analysis); err != nil {
		return failed(task.TaskID, fmt.Errorf("budget: %w: %v", inference.ErrMalformedResponse, err), usage)
	}
	raw, _ := json.Marshal(metrics)
	analysis.Set("financial_metrics", raw)
	encoded, err := json.Marshal(analysis)
	if err != nil {
		return failed(task.TaskID, fmt.Errorf("encode analysis: %w", err), usage)
	}

	result, err := json.Marshal(BudgetResult{TaskID: task.TaskID, Status: StatusSuccess, Analysis: encoded})
	if err != nil {
		return failed(task.TaskID, fmt.Errorf("encode result: %w", err), usage)
	}
	return Outcome{TaskID: task.TaskID, Result: result, Usage: usage}
}
