// cmd/enqueue_test.go
package cmd

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aceteam-ai/tally/internal/pipeline"
)

func TestBuildOCRMessage(t *testing.T) {
	image := []byte("\x89PNG\r\n\x1a\nfake")

	body, err := buildOCRMessage("T1", image, []string{"Groceries", "Other"})
	if err != nil {
		t.Fatalf("buildOCRMessage() error = %v", err)
	}

	var msg struct {
		TaskID     string   `json:"task_id"`
		ImageB64   string   `json:"image_b64"`
		Categories []string `json:"categories"`
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		t.Fatalf("message is not JSON: %v", err)
	}
	if msg.TaskID != "T1" {
		t.Errorf("task_id = %q, want T1", msg.TaskID)
	}
	if msg.ImageB64 != base64.StdEncoding.EncodeToString(image) {
		t.Errorf("image_b64 = %q", msg.ImageB64)
	}
	if len(msg.Categories) != 2 {
		t.Errorf("categories = %v", msg.Categories)
	}

	task, err := pipeline.DecodeOCRTask(body)
	if err != nil || string(task.Image) != string(image) {
		t.Errorf("DecodeOCRTask() = %v, %v", task, err)
	}
}

func TestBuildOCRMessageEmptyImage(t *testing.T) {
	_, err := buildOCRMessage("T1", nil, nil)
	if !errors.Is(err, pipeline.ErrValidation) {
		t.Errorf("error = %v, want ErrValidation", err)
	}
}

func TestBuildAdviceMessage(t *testing.T) {
	tests := []struct {
		name     string
		goal     string
		stats    string
		wantGoal string
		wantErr  bool
	}{
		{"text goal", "Save 500 a month", `{"food":600}`, `"Save 500 a month"`, false},
		{"json goal", `{"target":5000}`, `{"food":600}`, `{"target":5000}`, false},
		{"missing goal", "", `{"food":600}`, "", true},
		{"missing stats", "Save", "", "", true},
		{"empty stats object", "Save", "{}", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := buildAdviceMessage("A1", tt.goal, tt.stats)
			if tt.wantErr {
				if !errors.Is(err, pipeline.ErrValidation) {
					t.Errorf("error = %v, want ErrValidation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("buildAdviceMessage() error = %v", err)
			}
			task, err := pipeline.DecodeAdviceTask(body)
			if err != nil {
				t.Fatalf("DecodeAdviceTask() error = %v", err)
			}
			if string(task.Goal) != tt.wantGoal {
				t.Errorf("goal = %s, want %s", task.Goal, tt.wantGoal)
			}
		})
	}
}

func TestBuildBudgetMessage(t *testing.T) {
	data := `{"income":{"salary":5000},"expenses":{"housing":1500},"savings":{},"debts":{}}`

	body, err := buildBudgetMessage("B1", data, 3, []string{"Pay off cards"})
	if err != nil {
		t.Fatalf("buildBudgetMessage() error = %v", err)
	}
	task, err := pipeline.DecodeBudgetTask(body)
	if err != nil {
		t.Fatalf("DecodeBudgetTask() error = %v", err)
	}
	if task.TimePeriodMonths != 3 || len(task.Goals) != 1 || task.FinancialData.Income["salary"] != 5000 {
		t.Errorf("task = %+v", task)
	}

	if _, err := buildBudgetMessage("B1", "not json", 1, nil); !errors.Is(err, pipeline.ErrValidation) {
		t.Errorf("non-JSON data error = %v, want ErrValidation", err)
	}
	if _, err := buildBudgetMessage("B1", data, 5, nil); !errors.Is(err, pipeline.ErrValidation) {
		t.Errorf("period 5 error = %v, want ErrValidation", err)
	}
}

func TestReadArg(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	if err := os.WriteFile(path, []byte(`{"food":600}`), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := readArg("@" + path)
	if err != nil || got != `{"food":600}` {
		t.Errorf("readArg(@file) = %q, %v", got, err)
	}
	if got, _ := readArg(`{"a":1}`); got != `{"a":1}` {
		t.Errorf("readArg(literal) = %q", got)
	}
	if _, err := readArg("@" + filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("readArg should fail for a missing file")
	}
}

func TestTaskIDDefaultsToUUID(t *testing.T) {
	enqueueTaskID = ""
	a, b := taskID(), taskID()
	if len(a) != 36 || a == b {
		t.Errorf("taskID() = %q, %q, want distinct UUIDs", a, b)
	}

	enqueueTaskID = "fixed"
	defer func() { enqueueTaskID = "" }()
	if got := taskID(); got != "fixed" {
		t.Errorf("taskID() = %q, want fixed", got)
	}
}
