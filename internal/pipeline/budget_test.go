package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sampleBudget = FinancialData{
	Income:   map[string]float64{"salary": 5000, "freelance": 1000, "investments": 200},
	Expenses: map[string]float64{"housing": 1500, "utilities": 300, "food": 600, "transportation": 400, "entertainment": 300, "shopping": 400, "insurance": 250, "subscriptions": 100},
	Savings:  map[string]float64{"emergency_fund": 5000},
	Debts:    map[string]float64{"student_loans": 20000, "credit_cards": 5000, "car_loan": 10000},
}

func TestComputeMetrics(t *testing.T) {
	m := ComputeMetrics(sampleBudget)

	assert.Equal(t, 6200.0, m.TotalIncome)
	assert.Equal(t, 3850.0, m.TotalExpenses)
	assert.Equal(t, 2350.0, m.NetCashFlow)
	assert.InDelta(t, 37.903, m.SavingsRate, 0.001)
	assert.InDelta(t, 49.193, m.EssentialExpensesRatio, 0.001)
	assert.InDelta(t, 12.903, m.DiscretionaryExpensesRatio, 0.001)
	assert.InDelta(t, 564.516, m.DebtToIncomeRatio, 0.001)
}

func TestComputeMetricsZeroIncome(t *testing.T) {
	m := ComputeMetrics(FinancialData{Income: map[string]float64{}, Expenses: map[string]float64{"food": 100}, Debts: map[string]float64{"card": 50}})
	assert.Equal(t, -100.0, m.NetCashFlow)
	assert.Zero(t, m.SavingsRate)
	assert.Zero(t, m.EssentialExpensesRatio)
	assert.Zero(t, m.DiscretionaryExpensesRatio)
	assert.Zero(t, m.DebtToIncomeRatio)
}

func TestBudgetProcessorSuccess(t *testing.T) {
	client := &scriptedClient{replies: []reply{{content: `{"summary":"Solid","health_score":72,"recommendations":[{"category":"debt","action":"Pay cards first","impact":"high"}]}`}}}
	deps := testDeps(client)
	deps.BudgetTimeout = 30 * time.Minute
	deps.Now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	p, err := NewBudgetProcessor(deps)
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]any{
		"task_id":            "B1",
		"financial_data":     sampleBudget,
		"time_period_months": 3,
		"goals":              []string{"Build emergency fund"},
	})
	out := p.Process(context.Background(), body)
	require.True(t, out.OK(), "unexpected error: %v", out.Err)

	var res struct {
		TaskID   string `json:"task_id"`
		Status   string `json:"status"`
		Analysis struct {
			Summary     string  `json:"summary"`
			HealthScore int     `json:"health_score"`
			Metrics     Metrics `json:"financial_metrics"`
		} `json:"analysis"`
	}
	require.NoError(t, json.Unmarshal(out.Result, &res))
	assert.Equal(t, "B1", res.TaskID)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 72, res.Analysis.HealthScore)
	assert.Equal(t, ComputeMetrics(sampleBudget), res.Analysis.Metrics)

	req := client.requests[0]
	assert.Equal(t, 30*time.Minute, req.Timeout)
	assert.Equal(t, "large", req.Model)
	assert.Contains(t, req.User, `"time_period_months": 3`)
	assert.Contains(t, req.User, `"analysis_date": "2026-01-02T03:04:05Z"`)
	assert.Contains(t, req.User, `"Build emergency fund"`)
}

func TestBudgetProcessorMalformed(t *testing.T) {
	p := newTestProcessor(t, "budget", &scriptedClient{replies: []reply{{content: `[1]`}}})
	body, _ := json.Marshal(map[string]any{"task_id": "B2", "financial_data": sampleBudget})
	out := p.Process(context.Background(), body)
	assert.Error(t, out.Err)
	assert.False(t, out.Permanent())
}

func TestNewUnknownPipeline(t *testing.T) {
	_, err := New("payroll", testDeps(&scriptedClient{}))
	assert.Error(t, err)
}
