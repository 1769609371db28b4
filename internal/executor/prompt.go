package executor

import (
	"fmt"
	"strings"

	"github.com/harrison/aibuddy/internal/models"
)

func buildContentPrompt(step models.ImplementationStep, tc *models.TaskContext, path string, original *string) string {
	var sb strings.Builder

	if original == nil {
		sb.WriteString(fmt.Sprintf("Write the complete contents of the new file %s.\n\n", path))
	} else {
		sb.WriteString(fmt.Sprintf("Rewrite the file %s. Return the complete new contents, not a diff.\n\n", path))
	}

	sb.WriteString(fmt.Sprintf("## Step: %s\n", step.Title))
	if step.Description != "" {
		sb.WriteString(step.Description + "\n")
	}
	sb.WriteString("\n")

	if tc != nil {
		sb.WriteString(fmt.Sprintf("## Task: %s\n", tc.Title))
		if tc.Description != "" {
			sb.WriteString(tc.Description + "\n")
		}
		if len(tc.TechStack) > 0 {
			sb.WriteString("\nTech stack: " + strings.Join(tc.TechStack, ", ") + "\n")
		}
		sb.WriteString("\n")
	}

	if original != nil {
		sb.WriteString("## Current contents\n")
		sb.WriteString("```\n")
		sb.WriteString(*original)
		if !strings.HasSuffix(*original, "\n") {
			sb.WriteString("\n")
		}
		sb.WriteString("```\n\n")
	}

	sb.WriteString("Respond with the file contents only, in a single fenced code block.\n")
	return sb.String()
}
