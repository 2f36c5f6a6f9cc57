// Package envfile loads KEY=VALUE environment files, typically mounted into the
// container from a Secret or ConfigMap, and merges them into the environment
// handed to the proxy.
package envfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/stacklok/netbox-mcp-launcher/pkg/logger"
)

// ParseEnvironmentVariables parses KEY=VALUE entries into a map.
// Values may contain '='; keys may not be empty.
func ParseEnvironmentVariables(entries []string) (map[string]string, error) {
	envVars := make(map[string]string, len(entries))
	for _, entry := range entries {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("invalid environment variable format: %s", entry)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("empty environment variable name in: %s", entry)
		}
		envVars[key] = unquote(value)
	}
	return envVars, nil
}

// LoadDirectory reads every non-hidden regular file in dirPath as an env file.
// Later files (in directory order) override earlier ones. A missing directory
// yields an empty map.
func LoadDirectory(dirPath string) (map[string]string, error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debugf("No proxy env files mounted at %s", dirPath)
			return make(map[string]string), nil
		}
		return nil, fmt.Errorf("failed to read env files directory %s: %w", dirPath, err)
	}

	allEnvVars := make(map[string]string)
	processedCount := 0

	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		fileEnvVars, err := LoadFile(filepath.Join(dirPath, entry.Name()))
		if err != nil {
			logger.Warnf("Skipping proxy env file %s: %v", entry.Name(), err)
			continue
		}

		for key, value := range fileEnvVars {
			allEnvVars[key] = value
		}
		processedCount++
	}

	logger.Infow("Loaded proxy env files", "dir", dirPath, "files", processedCount, "variables", len(allEnvVars))
	return allEnvVars, nil
}

// LoadFile reads a single env file.
func LoadFile(path string) (map[string]string, error) {
	content, err := os.ReadFile(path) // #nosec G304 - path comes from the operator-provided env file directory
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var envLines []string
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		if strings.Contains(line, "=") {
			envLines = append(envLines, line)
		}
	}

	if len(envLines) == 0 {
		return make(map[string]string), nil
	}

	envVars, err := ParseEnvironmentVariables(envLines)
	if err != nil {
		return nil, fmt.Errorf("failed to parse environment variables in %s: %w", filepath.Base(path), err)
	}
	return envVars, nil
}

func unquote(value string) string {
	if len(value) >= 2 {
		first, last := value[0], value[len(value)-1]
		if (first == '"' || first == '\'') && first == last {
			return value[1 : len(value)-1]
		}
	}
	return value
}
