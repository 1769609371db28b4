package main

import (
	"testing"

	"github.com/harrison/aibuddy/internal/cmd"
)

func TestRootCommandBuilds(t *testing.T) {
	if cmd.NewRootCommand().Name() != "aibuddy" {
		t.Error("root command should be named aibuddy")
	}
}
