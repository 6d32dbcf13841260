// assets/embed.go
package assets

import (
	"embed"
	"fmt"
	"sort"
	"strings"
)

//go:embed schemas/*.json
var schemaFS embed.FS

//go:embed prompts/*.txt
var promptFS embed.FS

// Pipeline stages that ship with a default schema and prompt.
const (
	StageOCR        = "ocr"
	StageCategorize = "categorize"
	StageAdvice     = "advice"
	StageBudget     = "budget"
)

// Schema returns the embedded JSON schema for a stage.
func Schema(stage string) ([]byte, error) {
	b, err := schemaFS.ReadFile("schemas/" + stage + ".json")
	if err != nil {
		return nil, fmt.Errorf("no embedded schema for stage %q", stage)
	}
	return b, nil
}

// Prompt returns the embedded prompt text for a stage, trimmed.
func Prompt(stage string) (string, error) {
	b, err := promptFS.ReadFile("prompts/" + stage + ".txt")
	if err != nil {
		return "", fmt.Errorf("no embedded prompt for stage %q", stage)
	}
	return strings.TrimSpace(string(b)), nil
}

// GetAvailableStages returns a sorted list of stages with embedded assets.
func GetAvailableStages() []string {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil
	}
	stages := make([]string, 0, len(entries))
	for _, e := range entries {
		stages = append(stages, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(stages)
	return stages
}
