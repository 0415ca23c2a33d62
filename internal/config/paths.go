package config

import (
	"os"
	"path/filepath"
	"strings"
)

const appDirName = ".conversatrait"

// ResolvePath expands a leading ~ and cleans the result. Blank stays blank.
func ResolvePath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	expanded := trimmed
	if resolved, err := expandPath(trimmed); err == nil && strings.TrimSpace(resolved) != "" {
		expanded = resolved
	}
	return filepath.Clean(expanded)
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	if trimmed == "~" {
		return os.UserHomeDir()
	}
	if strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(trimmed, "~/")), nil
	}
	return trimmed, nil
}
