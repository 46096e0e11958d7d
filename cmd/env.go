package cmd

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/convohub/internal/config"
)

// ConfigCheckResult describes what a configuration will run with.
type ConfigCheckResult struct {
	Store    string            // "postgres" or "memory"
	Events   string            // "redis" or "log"
	Present  map[string]string // Secret-bearing settings (masked values)
	Warnings []string          // Non-fatal warnings
}

// CheckConfig summarises the deployment cfg describes.
func CheckConfig(cfg *config.Config) *ConfigCheckResult {
	result := &ConfigCheckResult{
		Store:    "memory",
		Events:   "log",
		Present:  make(map[string]string),
		Warnings: []string{},
	}

	if cfg.Database.URL != "" {
		result.Store = "postgres"
		result.Present["database.url"] = maskURL(cfg.Database.URL)
	} else {
		result.Warnings = append(result.Warnings, "database.url is empty; history is kept in memory and lost on exit")
	}
	if cfg.Redis.URL != "" {
		result.Events = "redis"
		result.Present["redis.url"] = maskURL(cfg.Redis.URL)
	}
	if cfg.AI.APIKey != "" {
		result.Present["ai.api_key"] = maskSecret(cfg.AI.APIKey)
	}
	if cfg.AI.Provider == "echo" {
		result.Warnings = append(result.Warnings, "ai.provider is echo; replies are not model generated and resolver merges are unavailable")
	}
	if !cfg.Queue.Enabled && result.Store == "postgres" {
		result.Warnings = append(result.Warnings, "queue is disabled; follow-ups run in-process and are not retried across restarts")
	}
	return result
}

// PrintConfigCheck prints the configuration check results
func PrintConfigCheck(result *ConfigCheckResult) {
	fmt.Println("=== Configuration Check ===")
	fmt.Printf("Store:  %s\n", result.Store)
	fmt.Printf("Events: %s\n", result.Events)
	fmt.Println("")

	if len(result.Present) > 0 {
		fmt.Println("Configured secrets:")
		keys := make([]string, 0, len(result.Present))
		for k := range result.Present {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("   - %s = %s\n", k, result.Present[k])
		}
		fmt.Println("")
	}

	for _, w := range result.Warnings {
		fmt.Printf("Warning: %s\n", w)
	}
	fmt.Println("============================")
}

// maskSecret masks a secret value for display, showing only first and last 2 chars
func maskSecret(value string) string {
	if len(value) <= 8 {
		return "****"
	}
	return value[:2] + "****" + value[len(value)-2:]
}

// maskURL hides the password of a connection URL.
func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "****")
	}
	return u.String()
}

// LoadEnvFile loads environment variables from a file, overwriting existing ones.
func LoadEnvFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if len(value) >= 2 && ((value[0] == '"' && value[len(value)-1] == '"') || (value[0] == '\'' && value[len(value)-1] == '\'')) {
			value = value[1 : len(value)-1]
		}

		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set env var %s: %w", key, err)
		}
	}
	return scanner.Err()
}
