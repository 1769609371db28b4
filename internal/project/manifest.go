package project

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/mod/modfile"
)

// maxManifestDeps caps how many dependencies a summary lists per section.
const maxManifestDeps = 40

// ManifestSummary describes the project's dependency manifests for the
// planning prompt. Returns "" when no manifest is found.
func ManifestSummary(projectPath string) string {
	var parts []string
	if s := nodeSummary(projectPath); s != "" {
		parts = append(parts, s)
	}
	if s := goSummary(projectPath); s != "" {
		parts = append(parts, s)
	}
	if s := pythonSummary(projectPath); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, "\n\n")
}

func nodeSummary(projectPath string) string {
	pkg, err := readPackageJSON(projectPath)
	if err != nil {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("package.json")
	if pkg.Name != "" {
		sb.WriteString(fmt.Sprintf(" (%s", pkg.Name))
		if pkg.Version != "" {
			sb.WriteString("@" + pkg.Version)
		}
		sb.WriteString(")")
	}
	sb.WriteString("\n")
	writeDeps(&sb, "dependencies", pkg.Dependencies)
	writeDeps(&sb, "devDependencies", pkg.DevDependencies)
	if len(pkg.Scripts) > 0 {
		names := make([]string, 0, len(pkg.Scripts))
		for name := range pkg.Scripts {
			names = append(names, name)
		}
		sort.Strings(names)
		sb.WriteString("scripts: " + strings.Join(names, ", ") + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func writeDeps(sb *strings.Builder, label string, deps map[string]string) {
	if len(deps) == 0 {
		return
	}
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]string, 0, len(names))
	for i, name := range names {
		if i == maxManifestDeps {
			entries = append(entries, fmt.Sprintf("... and %d more", len(names)-maxManifestDeps))
			break
		}
		entries = append(entries, name+"@"+deps[name])
	}
	sb.WriteString(label + ": " + strings.Join(entries, ", ") + "\n")
}

func goSummary(projectPath string) string {
	path := filepath.Join(projectPath, "go.mod")
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	f, err := modfile.ParseLax(path, data, nil)
	if err != nil {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("go.mod")
	if f.Module != nil {
		sb.WriteString(" (" + f.Module.Mod.Path + ")")
	}
	sb.WriteString("\n")
	if f.Go != nil {
		sb.WriteString("go: " + f.Go.Version + "\n")
	}

	var direct []string
	for _, req := range f.Require {
		if req.Indirect {
			continue
		}
		if len(direct) == maxManifestDeps {
			direct = append(direct, "...")
			break
		}
		direct = append(direct, req.Mod.Path+" "+req.Mod.Version)
	}
	if len(direct) > 0 {
		sb.WriteString("require: " + strings.Join(direct, ", ") + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// pythonSummary lists requirement specifiers from requirements.txt, in file
// order. Comments and pip options (-r, -e, --index-url) are skipped.
func pythonSummary(projectPath string) string {
	data, err := os.ReadFile(filepath.Join(projectPath, "requirements.txt"))
	if err != nil {
		return ""
	}

	var reqs []string
	for _, line := range strings.Split(string(data), "\n") {
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "-") {
			continue
		}
		if len(reqs) == maxManifestDeps {
			reqs = append(reqs, "...")
			break
		}
		reqs = append(reqs, line)
	}
	if len(reqs) == 0 {
		return "requirements.txt"
	}
	return "requirements.txt\nrequires: " + strings.Join(reqs, ", ")
}
