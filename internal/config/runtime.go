package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// RuntimeMode represents the execution environment
type RuntimeMode string

const (
	// DockerMode indicates running inside a container
	DockerMode RuntimeMode = "docker"
	// NativeMode indicates running on the host system
	NativeMode RuntimeMode = "native"
)

// RuntimeConfig describes where projects live for the current environment
type RuntimeConfig struct {
	Mode         RuntimeMode
	WorkspaceDir string
}

var (
	// Runtime is the global runtime configuration instance
	Runtime *RuntimeConfig
)

func init() {
	Runtime = DetectRuntime()
}

// DetectRuntime picks the workspace for the current environment.
// CATTERM_WORKSPACE_DIR overrides it.
func DetectRuntime() *RuntimeConfig {
	rc := &RuntimeConfig{Mode: detectMode()}

	switch {
	case os.Getenv("CATTERM_WORKSPACE_DIR") != "":
		rc.WorkspaceDir = os.Getenv("CATTERM_WORKSPACE_DIR")
	case rc.Mode == DockerMode:
		rc.WorkspaceDir = "/workspace"
	default:
		homeDir, err := os.UserHomeDir()
		if err != nil {
			homeDir = "."
		}
		rc.WorkspaceDir = filepath.Join(homeDir, ".catterm", "workspace")
	}
	return rc
}

// detectMode determines if we're running in Docker or natively
func detectMode() RuntimeMode {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return DockerMode
	}

	if data, err := os.ReadFile("/proc/1/cgroup"); err == nil {
		if strings.Contains(string(data), "docker") || strings.Contains(string(data), "containerd") {
			return DockerMode
		}
	}

	if os.Getenv("CATTERM_CONTAINER") == "true" {
		return DockerMode
	}

	return NativeMode
}

// ProjectDir resolves the working directory a session for logicalName should
// start in. An explicit path wins when it is an existing directory; otherwise
// the project directory under the workspace is used, created on demand.
func (rc *RuntimeConfig) ProjectDir(logicalName, explicit string) (string, error) {
	if explicit != "" {
		path := explicit
		if !filepath.IsAbs(path) {
			path = filepath.Join(rc.WorkspaceDir, path)
		}
		path = filepath.Clean(path)
		info, err := os.Stat(path)
		if err != nil {
			return "", fmt.Errorf("working directory %s: %w", path, err)
		}
		if !info.IsDir() {
			return "", fmt.Errorf("working directory %s is not a directory", path)
		}
		return path, nil
	}

	name := strings.ReplaceAll(logicalName, "..", "")
	name = strings.Trim(name, "/")
	if name == "" {
		return rc.WorkspaceDir, ensureDir(rc.WorkspaceDir)
	}

	dir := filepath.Join(rc.WorkspaceDir, name)
	if err := ensureDir(dir); err != nil {
		return "", fmt.Errorf("failed to create project directory %s: %w", dir, err)
	}
	return dir, nil
}

// ensureDir creates a directory if it doesn't exist
func ensureDir(path string) error {
	if path == "" {
		return nil
	}
	return os.MkdirAll(path, 0755)
}
