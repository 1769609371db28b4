package models

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TaskContext is the immutable input to a single implementation run.
type TaskContext struct {
	TaskID             string            `yaml:"task_id" json:"taskId"`
	Title              string            `yaml:"title" json:"title"`
	Description        string            `yaml:"description" json:"description"`
	AcceptanceCriteria []string          `yaml:"acceptance_criteria,omitempty" json:"acceptanceCriteria,omitempty"`
	ProjectID          string            `yaml:"project_id" json:"projectId"`
	ProjectPath        string            `yaml:"project_path" json:"projectPath"`
	TechStack          []string          `yaml:"tech_stack,omitempty" json:"techStack,omitempty"`
	ExistingFiles      []string          `yaml:"existing_files,omitempty" json:"existingFiles,omitempty"`
	RelatedFiles       map[string]string `yaml:"related_files,omitempty" json:"relatedFiles,omitempty"`
}

// Validate checks if the task context has all required fields.
func (tc *TaskContext) Validate() error {
	if tc.TaskID == "" {
		return errors.New("task id is required")
	}
	if tc.Title == "" && tc.Description == "" {
		return errors.New("task title or description is required")
	}
	if tc.ProjectPath == "" {
		return errors.New("project path is required")
	}
	return nil
}

// LoadTaskContext reads a TaskContext from a YAML file.
func LoadTaskContext(path string) (*TaskContext, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}

	var tc TaskContext
	if err := yaml.Unmarshal(data, &tc); err != nil {
		return nil, fmt.Errorf("failed to parse task file: %w", err)
	}
	return &tc, nil
}
