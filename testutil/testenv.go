// Package testutil provides shared environment helpers for E2E tests. It
// depends only on stdlib so that E2E tests (which cannot import internal/)
// can use it.
package testutil

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Environment variables read by the E2E suite.
const (
	EnvAppID          = "DRIVESYNC_E2E_APP_ID"
	EnvAppSecret      = "DRIVESYNC_E2E_APP_SECRET"
	EnvFolder         = "DRIVESYNC_E2E_FOLDER"
	EnvAllowedFolders = "DRIVESYNC_ALLOWED_TEST_FOLDERS"
	EnvBaseURL        = "DRIVESYNC_E2E_BASE_URL"
)

// LoadDotEnv reads KEY=VALUE pairs from a .env file at the given path.
// Missing file is not an error (CI sets env vars directly).
// Existing env vars take precedence over .env values.
func LoadDotEnv(envPath string) {
	f, err := os.Open(envPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), "\"'")

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// RequireEnv returns the value of each named variable, crashing the process
// if any is unset.
func RequireEnv(names ...string) map[string]string {
	out := make(map[string]string, len(names))

	for _, name := range names {
		v := os.Getenv(name)
		if v == "" {
			fmt.Fprintf(os.Stderr, "FATAL: %s not set\n", name)
			fmt.Fprintln(os.Stderr, "Set it in .env or as an environment variable.")
			os.Exit(1)
		}

		out[name] = v
	}

	return out
}

// ValidateAllowlist crashes the process unless folder appears in
// DRIVESYNC_ALLOWED_TEST_FOLDERS. E2E runs create and delete files in the
// folder, so it must be a scratch folder someone explicitly opted in.
func ValidateAllowlist(folder string) {
	allowlist := os.Getenv(EnvAllowedFolders)
	if allowlist == "" {
		fmt.Fprintf(os.Stderr, "FATAL: %s not set\n", EnvAllowedFolders)
		fmt.Fprintf(os.Stderr, "Example: %s=fldcnXXXXXXXX\n", EnvAllowedFolders)
		os.Exit(1)
	}

	for a := range strings.SplitSeq(allowlist, ",") {
		if strings.TrimSpace(a) == folder {
			return
		}
	}

	fmt.Fprintf(os.Stderr, "FATAL: %s=%q is not in %s=%q\n", EnvFolder, folder, EnvAllowedFolders, allowlist)
	os.Exit(1)
}

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}
