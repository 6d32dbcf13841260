package assets

import (
	"encoding/json"
	"testing"
)

func TestEmbeddedSchemasAreJSON(t *testing.T) {
	for _, stage := range GetAvailableStages() {
		b, err := Schema(stage)
		if err != nil {
			t.Fatalf("Schema(%q): %v", stage, err)
		}
		var v map[string]any
		if err := json.Unmarshal(b, &v); err != nil {
			t.Errorf("schema %q is not valid JSON: %v", stage, err)
		}
	}
}

func TestEveryStageHasPrompt(t *testing.T) {
	stages := GetAvailableStages()
	want := []string{StageAdvice, StageBudget, StageCategorize, StageOCR}
	if len(stages) != len(want) {
		t.Fatalf("GetAvailableStages() = %v, want %v", stages, want)
	}
	for i, s := range want {
		if stages[i] != s {
			t.Errorf("stage[%d] = %q, want %q", i, stages[i], s)
		}
		p, err := Prompt(s)
		if err != nil {
			t.Errorf("Prompt(%q): %v", s, err)
		}
		if p == "" {
			t.Errorf("Prompt(%q) is empty", s)
		}
	}
}

func TestUnknownStage(t *testing.T) {
	if _, err := Schema("nope"); err == nil {
		t.Error("Schema(nope) should fail")
	}
	if _, err := Prompt("nope"); err == nil {
		t.Error("Prompt(nope) should fail")
	}
}
