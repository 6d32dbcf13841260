package pipeline

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aceteam-ai/tally/internal/schema"
)

var validImage = base64.StdEncoding.EncodeToString([]byte("\x89PNG\r\n\x1a\nreceipt"))

func TestDecodeOCRTask(t *testing.T) {
	task, err := DecodeOCRTask([]byte(`{"task_id":"T1","image_b64":"` + validImage + `","categories":["Groceries","Other"]}`))
	require.NoError(t, err)
	assert.Equal(t, "T1", task.TaskID)
	assert.Equal(t, []byte("\x89PNG\r\n\x1a\nreceipt"), task.Image)
	assert.Equal(t, []string{"Groceries", "Other"}, task.Categories)
}

func TestDecodeOCRTaskCategoriesFallback(t *testing.T) {
	for _, cats := range []string{`"not-a-list"`, `[1,2]`, `[]`, `null`} {
		task, err := DecodeOCRTask([]byte(`{"task_id":"T","image_b64":"` + validImage + `","categories":` + cats + `}`))
		require.NoError(t, err, cats)
		assert.Equal(t, schema.DefaultCategories, task.Categories, cats)
	}

	task, err := DecodeOCRTask([]byte(`{"task_id":"T","image_b64":"` + validImage + `"}`))
	require.NoError(t, err)
	assert.Equal(t, schema.DefaultCategories, task.Categories)
}

func TestDecodeOCRTaskDataURL(t *testing.T) {
	task, err := DecodeOCRTask([]byte(`{"task_id":"T","image_b64":"data:image/png;base64,` + validImage + `"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, task.Image)
}

func TestDecodeOCRTaskInvalid(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		taskID string
	}{
		{"missing image", `{"task_id":"T2"}`, "T2"},
		{"empty image", `{"task_id":"T2","image_b64":""}`, "T2"},
		{"null image", `{"task_id":"T2","image_b64":null}`, "T2"},
		{"image not a string", `{"task_id":"T2","image_b64":42}`, "T2"},
		{"image not base64", `{"task_id":"T2","image_b64":"***"}`, "T2"},
		{"not json", `receipt.png`, ""},
		{"json array", `[1,2]`, ""},
		{"empty body", ``, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := DecodeOCRTask([]byte(tt.body))
			assert.ErrorIs(t, err, ErrValidation)
			require.NotNil(t, task)
			assert.Equal(t, tt.taskID, task.TaskID)
		})
	}
}

func TestDecodeAdviceTask(t *testing.T) {
	task, err := DecodeAdviceTask([]byte(`{"task_id":"A1","goal":{"name":"Car","amount":5000},"monthly_stats":{"Dining":320}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Car","amount":5000}`, string(task.Goal))
	assert.JSONEq(t, `{"Dining":320}`, string(task.MonthlyStats))

	tests := []struct {
		body string
		want string
	}{
		{`{"task_id":"A1","monthly_stats":{"x":1}}`, "missing goal"},
		{`{"task_id":"A1","goal":{"x":1}}`, "missing monthly_stats"},
		{`{"task_id":"A1","goal":{},"monthly_stats":null}`, "missing goal and monthly_stats"},
	}
	for _, tt := range tests {
		_, err := DecodeAdviceTask([]byte(tt.body))
		assert.ErrorIs(t, err, ErrValidation)
		assert.ErrorContains(t, err, tt.want)
	}
}

func TestDecodeBudgetTask(t *testing.T) {
	body := `{"task_id":"B1","financial_data":{"income":{"salary":5000},"expenses":{"housing":1500},"savings":{},"debts":{"car":1000}},"time_period_months":3,"goals":["Save"]}`
	task, err := DecodeBudgetTask([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, 3, task.TimePeriodMonths)
	assert.Equal(t, []string{"Save"}, task.Goals)
	assert.Equal(t, 5000.0, task.FinancialData.Income["salary"])

	task, err = DecodeBudgetTask([]byte(`{"financial_data":{"income":{},"expenses":{},"savings":{},"debts":{}}}`))
	require.NoError(t, err)
	assert.Equal(t, 1, task.TimePeriodMonths)
}

func TestDecodeBudgetTaskInvalid(t *testing.T) {
	tests := map[string]string{
		"missing data":     `{"task_id":"B"}`,
		"missing section":  `{"financial_data":{"income":{},"expenses":{},"savings":{}}}`,
		"income not map":   `{"financial_data":{"income":5,"expenses":{},"savings":{},"debts":{}}}`,
		"expenses null":    `{"financial_data":{"income":{},"expenses":null,"savings":{},"debts":{}}}`,
		"bad period":       `{"financial_data":{"income":{},"expenses":{},"savings":{},"debts":{}},"time_period_months":2}`,
		"goals not a list": `{"financial_data":{"income":{},"expenses":{},"savings":{},"debts":{}},"goals":"rich"}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeBudgetTask([]byte(body))
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestPeekTaskID(t *testing.T) {
	assert.Equal(t, "X", PeekTaskID([]byte(`{"task_id":"X"}`)))
	assert.Equal(t, "", PeekTaskID([]byte(`nope`)))
	assert.Equal(t, "", PeekTaskID([]byte(`{"task_id":12}`)))
}
