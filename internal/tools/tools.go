// Package tools checks that the external executables a run depends on exist.
package tools

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"sfmbatch/internal/config"
)

// Logical tool names.
const (
	Colmap = "colmap"
	Magick = "magick"
)

// Status represents the availability of a tool.
type Status struct {
	Name      string `json:"name"`
	Command   string `json:"command"`
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Path      string `json:"path,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Manager resolves tools from configuration.
type Manager struct {
	cfg     *config.Config
	timeout time.Duration
}

// NewManager creates a Manager for cfg.
func NewManager(cfg *config.Config) *Manager {
	return &Manager{cfg: cfg, timeout: 10 * time.Second}
}

// Command returns the executable configured for a logical tool.
func (m *Manager) Command(name string) string {
	switch name {
	case Colmap:
		return m.cfg.ColmapCommand()
	case Magick:
		return m.cfg.MagickCommand()
	default:
		return name
	}
}

// Check verifies a tool resolves and asks it for a version string.
func (m *Manager) Check(ctx context.Context, name string) Status {
	command := m.Command(name)
	st := Status{Name: name, Command: command}

	path, err := exec.LookPath(command)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.Path = path
	st.Available = true

	var args []string
	switch name {
	case Colmap:
		args = []string{"help"}
	case Magick:
		args = []string{"-version"}
	default:
		return st
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, args...).CombinedOutput()
	// colmap prints usage with a non-zero exit; output is enough
	if err != nil && len(out) == 0 {
		st.Available = false
		st.Error = err.Error()
		return st
	}
	st.Version = extractVersion(string(out))
	return st
}

// Required lists the tools a run needs.
func Required(resize bool, engine string) []string {
	names := []string{Colmap}
	if resize && engine != "native" {
		names = append(names, Magick)
	}
	return names
}

// Preflight checks every named tool and reports all missing ones at once.
func (m *Manager) Preflight(ctx context.Context, names []string) ([]Status, error) {
	var statuses []Status
	var missing []string
	for _, name := range names {
		st := m.Check(ctx, name)
		statuses = append(statuses, st)
		if !st.Available {
			missing = append(missing, fmt.Sprintf("%s (%s)", name, st.Command))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return statuses, fmt.Errorf("required tools not available: %s", strings.Join(missing, ", "))
	}
	return statuses, nil
}

func extractVersion(output string) string {
	lines := strings.Split(output, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(strings.ToLower(line), "version") || strings.HasPrefix(line, "COLMAP") {
			return line
		}
	}
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return "unknown"
}
