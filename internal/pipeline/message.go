package pipeline

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aceteam-ai/tally/internal/schema"
)

// Result statuses.
const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
)

// OCRTask asks for a receipt image to be read and categorized.
type OCRTask struct {
	TaskID     string
	Image      []byte
	Categories []string
}

// AdviceTask asks for advice towards a savings goal.
type AdviceTask struct {
	TaskID       string
	Goal         json.RawMessage
	MonthlyStats json.RawMessage
}

// BudgetTask asks for an analysis of a household budget.
type BudgetTask struct {
	TaskID           string
	FinancialData    FinancialData
	TimePeriodMonths int
	Goals            []string
}

// FinancialData groups named amounts by section.
type FinancialData struct {
	Income   map[string]float64 `json:"income"`
	Expenses map[string]float64 `json:"expenses"`
	Savings  map[string]float64 `json:"savings"`
	Debts    map[string]float64 `json:"debts"`
}

// OCRResult is published for a successful OCR task.
type OCRResult struct {
	TaskID string    `json:"task_id"`
	Status string    `json:"status"`
	Data   *ItemList `json:"data,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// AdviceResult is published for a successful advice task.
type AdviceResult struct {
	TaskID string          `json:"task_id"`
	Status string          `json:"status"`
	Goal   json.RawMessage `json:"goal,omitempty"`
	Advice json.RawMessage `json:"advice,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// BudgetResult is published for a successful budget task.
type BudgetResult struct {
	TaskID   string          `json:"task_id"`
	Status   string          `json:"status"`
	Analysis json.RawMessage `json:"analysis,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// envelope holds the raw fields of any task message.
type envelope map[string]json.RawMessage

func decodeEnvelope(body []byte) (envelope, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: body is not a JSON object", ErrValidation)
	}
	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return env, nil
}

// TaskID returns the task_id of a message, or "" if it has none.
func (e envelope) TaskID() string {
	var id string
	if raw, ok := e["task_id"]; ok {
		_ = json.Unmarshal(raw, &id)
	}
	return id
}

func (e envelope) present(key string) (json.RawMessage, bool) {
	raw, ok := e[key]
	if !ok {
		return nil, false
	}
	switch s := strings.TrimSpace(string(raw)); s {
	case "", "null", `""`, "{}", "[]":
		return nil, false
	}
	return raw, true
}

// PeekTaskID extracts task_id from a message body without validating it.
func PeekTaskID(body []byte) string {
	env, err := decodeEnvelope(body)
	if err != nil {
		return ""
	}
	return env.TaskID()
}

// The Decode functions always return a task, carrying at least the task_id
// that could be read, alongside any validation error.

// DecodeOCRTask parses an OCR task. A missing or undecodable image_b64 is a
// validation error; unusable categories fall back to the default set.
func DecodeOCRTask(body []byte) (*OCRTask, error) {
	env, err := decodeEnvelope(body)
	if err != nil {
		return &OCRTask{}, err
	}
	task := &OCRTask{TaskID: env.TaskID()}

	raw, ok := env.present("image_b64")
	if !ok {
		return task, fmt.Errorf("%w: missing image_b64", ErrValidation)
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return task, fmt.Errorf("%w: image_b64 must be a string", ErrValidation)
	}
	task.Image, err = decodeImage(encoded)
	if err != nil {
		return task, fmt.Errorf("%w: image_b64: %v", ErrValidation, err)
	}

	task.Categories = schema.ResolveCategories(env["categories"])
	return task, nil
}

// decodeImage accepts standard or unpadded base64, optionally as a data URL.
func decodeImage(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		b, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	}
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("empty image")
	}
	return b, nil
}

// DecodeAdviceTask parses an advice task. goal and monthly_stats are
// required and passed to the model as given.
func DecodeAdviceTask(body []byte) (*AdviceTask, error) {
	env, err := decodeEnvelope(body)
	if err != nil {
		return &AdviceTask{}, err
	}
	task := &AdviceTask{TaskID: env.TaskID()}

	var missing []string
	if task.Goal, _ = env.present("goal"); task.Goal == nil {
		missing = append(missing, "goal")
	}
	if task.MonthlyStats, _ = env.present("monthly_stats"); task.MonthlyStats == nil {
		missing = append(missing, "monthly_stats")
	}
	if len(missing) > 0 {
		return task, fmt.Errorf("%w: missing %s", ErrValidation, strings.Join(missing, " and "))
	}
	return task, nil
}

// Time periods accepted by budget tasks, in months.
var validPeriods = map[int]bool{1: true, 3: true, 6: true, 12: true}

// DecodeBudgetTask parses a budget task. All four financial sections are
// required and income and expenses must be objects of numbers.
func DecodeBudgetTask(body []byte) (*BudgetTask, error) {
	env, err := decodeEnvelope(body)
	if err != nil {
		return &BudgetTask{}, err
	}
	task := &BudgetTask{TaskID: env.TaskID(), TimePeriodMonths: 1}

	raw, ok := env["financial_data"]
	if !ok {
		return task, fmt.Errorf("%w: missing financial_data", ErrValidation)
	}
	var sections map[string]json.RawMessage
	if err := json.Unmarshal(raw, &sections); err != nil || sections == nil {
		return task, fmt.Errorf("%w: financial_data must be an object", ErrValidation)
	}
	for _, name := range []string{"income", "expenses", "savings", "debts"} {
		if _, ok := sections[name]; !ok {
			return task, fmt.Errorf("%w: financial_data missing %s", ErrValidation, name)
		}
	}
	if err := json.Unmarshal(raw, &task.FinancialData); err != nil {
		return task, fmt.Errorf("%w: financial_data sections must map names to numbers", ErrValidation)
	}
	if task.FinancialData.Income == nil || task.FinancialData.Expenses == nil {
		return task, fmt.Errorf("%w: income and expenses must be objects", ErrValidation)
	}

	if raw, ok := env.present("time_period_months"); ok {
		var months int
		if err := json.Unmarshal(raw, &months); err != nil || !validPeriods[months] {
			return task, fmt.Errorf("%w: time_period_months must be 1, 3, 6 or 12", ErrValidation)
		}
		task.TimePeriodMonths = months
	}
	if raw, ok := env.present("goals"); ok {
		if err := json.Unmarshal(raw, &task.Goals); err != nil {
			return task, fmt.Errorf("%w: goals must be a list of strings", ErrValidation)
		}
	}
	return task, nil
}
