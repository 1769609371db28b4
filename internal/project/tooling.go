// Package project inspects a target project: which commands test, lint and
// type-check it, what its dependency manifest declares, and which files it has.
package project

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Tooling holds the shell commands used for the lint, type_check and test
// validation rules and for the final test pass. Empty means unavailable.
type Tooling struct {
	TestCommand      string
	LintCommand      string
	TypeCheckCommand string
}

// Merge returns t with every non-empty field of overrides applied.
func (t Tooling) Merge(overrides Tooling) Tooling {
	if overrides.TestCommand != "" {
		t.TestCommand = overrides.TestCommand
	}
	if overrides.LintCommand != "" {
		t.LintCommand = overrides.LintCommand
	}
	if overrides.TypeCheckCommand != "" {
		t.TypeCheckCommand = overrides.TypeCheckCommand
	}
	return t
}

// npmPlaceholderTest is the test script `npm init` writes.
const npmPlaceholderTest = "no test specified"

type packageJSON struct {
	Name            string            `json:"name"`
	Version         string            `json:"version"`
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

func readPackageJSON(projectPath string) (*packageJSON, error) {
	data, err := os.ReadFile(filepath.Join(projectPath, "package.json"))
	if err != nil {
		return nil, err
	}
	var pkg packageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, err
	}
	return &pkg, nil
}

// Detect derives tooling from package.json scripts, go.mod or a Makefile,
// in that order, then applies overrides.
func Detect(projectPath string, overrides Tooling) Tooling {
	var detected Tooling

	switch {
	case fileExists(filepath.Join(projectPath, "package.json")):
		detected = detectNode(projectPath)
	case fileExists(filepath.Join(projectPath, "go.mod")):
		detected = Tooling{
			TestCommand:      "go test ./...",
			LintCommand:      "go vet ./...",
			TypeCheckCommand: "go build ./...",
		}
	case fileExists(filepath.Join(projectPath, "Makefile")):
		targets := makeTargets(filepath.Join(projectPath, "Makefile"))
		if targets["test"] {
			detected.TestCommand = "make test"
		}
		if targets["lint"] {
			detected.LintCommand = "make lint"
		}
	}

	return detected.Merge(overrides)
}

func detectNode(projectPath string) Tooling {
	var t Tooling
	pkg, err := readPackageJSON(projectPath)
	if err != nil {
		return t
	}

	if script, ok := pkg.Scripts["test"]; ok && !strings.Contains(script, npmPlaceholderTest) {
		t.TestCommand = "npm test"
	}
	if _, ok := pkg.Scripts["lint"]; ok {
		t.LintCommand = "npm run lint"
	}
	for _, name := range []string{"type-check", "typecheck"} {
		if _, ok := pkg.Scripts[name]; ok {
			t.TypeCheckCommand = "npm run " + name
			break
		}
	}
	return t
}

// makeTargets returns the rule names declared at the start of a line.
func makeTargets(path string) map[string]bool {
	targets := make(map[string]bool)
	f, err := os.Open(path)
	if err != nil {
		return targets
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '\t' || line[0] == '#' {
			continue
		}
		name, _, found := strings.Cut(line, ":")
		if !found || strings.Contains(name, "=") {
			continue
		}
		for _, target := range strings.Fields(name) {
			targets[target] = true
		}
	}
	return targets
}

// HasLocalBinary reports whether node_modules/.bin/<name> exists in the project.
func HasLocalBinary(projectPath, name string) bool {
	return fileExists(filepath.Join(projectPath, "node_modules", ".bin", name))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
