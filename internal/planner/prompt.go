package planner

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/harrison/aibuddy/internal/models"
)

const (
	// maxRelatedFiles caps how many related file bodies go into a prompt.
	maxRelatedFiles = 5

	// maxExistingFiles caps how many existing paths go into a prompt.
	maxExistingFiles = 50

	// maxRelatedFileBytes truncates each related file body.
	maxRelatedFileBytes = 8000
)

const planFormat = `Respond with a single JSON object:
{
  "steps": [
    {
      "id": "step-1",
      "title": "short title",
      "description": "what and why",
      "type": "create_file | modify_file | delete_file | run_command | test",
      "target": "relative/file/path or shell command",
      "content": "optional literal file content",
      "order": 1,
      "dependencies": ["ids of steps that must complete first"],
      "validation": [{"type": "syntax | type_check | lint | test | custom", "command": "", "errorPattern": "", "successPattern": ""}]
    }
  ],
  "estimatedDuration": "e.g. 15 minutes",
  "risks": ["..."],
  "dependencies": ["external packages to install"]
}`

// planInputs is the project context gathered for a planning prompt.
type planInputs struct {
	existingFiles []string
	manifest      string
}

func buildPlanPrompt(tc *models.TaskContext, in planInputs) string {
	var sb strings.Builder

	sb.WriteString("Create an implementation plan for the following task.\n\n")
	sb.WriteString(fmt.Sprintf("## Task: %s\n\n", tc.Title))
	if tc.Description != "" {
		sb.WriteString(tc.Description + "\n\n")
	}

	if len(tc.AcceptanceCriteria) > 0 {
		sb.WriteString("## Acceptance criteria\n")
		for _, c := range tc.AcceptanceCriteria {
			sb.WriteString("- " + c + "\n")
		}
		sb.WriteString("\n")
	}

	if len(tc.TechStack) > 0 {
		sb.WriteString("## Tech stack\n")
		sb.WriteString(strings.Join(tc.TechStack, ", ") + "\n\n")
	}

	if in.manifest != "" {
		sb.WriteString("## Dependency manifest\n")
		sb.WriteString(in.manifest + "\n\n")
	}

	if len(tc.RelatedFiles) > 0 {
		sb.WriteString("## Related files\n")
		for _, path := range firstN(sortedKeys(tc.RelatedFiles), maxRelatedFiles) {
			content := tc.RelatedFiles[path]
			if len(content) > maxRelatedFileBytes {
				content = truncateUTF8(content, maxRelatedFileBytes) + "\n... (truncated)"
			}
			sb.WriteString(fmt.Sprintf("### %s\n```\n%s\n```\n", path, content))
		}
		sb.WriteString("\n")
	}

	if len(in.existingFiles) > 0 {
		sb.WriteString("## Existing files\n")
		for _, f := range firstN(in.existingFiles, maxExistingFiles) {
			sb.WriteString("- " + f + "\n")
		}
		if len(in.existingFiles) > maxExistingFiles {
			sb.WriteString(fmt.Sprintf("- ... and %d more\n", len(in.existingFiles)-maxExistingFiles))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("File targets are paths relative to the project root. ")
	sb.WriteString("Order steps so that every dependency comes first.\n\n")
	sb.WriteString(planFormat)
	return sb.String()
}

func buildRefinePrompt(tc *models.TaskContext, planJSON, feedback string) string {
	var sb strings.Builder
	sb.WriteString("Revise this implementation plan according to the reviewer feedback.\n\n")
	sb.WriteString(fmt.Sprintf("## Task: %s\n\n", tc.Title))
	if tc.Description != "" {
		sb.WriteString(tc.Description + "\n\n")
	}
	sb.WriteString("## Current plan\n```json\n" + planJSON + "\n```\n\n")
	sb.WriteString("## Feedback\n" + feedback + "\n\n")
	sb.WriteString(planFormat)
	return sb.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func firstN(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
