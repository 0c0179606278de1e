package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys lists the valid keys of every section.
var knownKeys = map[string][]string{
	"sync": {
		"local_root", "remote_root", "state_dir", "policy", "conflict_policy",
		"clock_skew_tolerance", "initial_strategy", "local_delete_mode", "remote_delete_mode",
		"cleanup_empty_remote_dirs", "cleanup_remote_dirs_recursive", "dedupe_remote", "ignore",
		"check_workers", "transfer_workers", "bandwidth_limit",
	},
	"safety":    {"big_delete_threshold", "big_delete_percentage", "big_delete_min_items", "min_free_space"},
	"retry":     {"max_attempts", "base_delay", "max_delay"},
	"remote":    {"provider", "base_url", "app_id", "app_secret", "access_token", "timeout"},
	"events":    {"enabled", "listen", "path", "verify_token", "encrypt_key", "debounce", "dedup_ttl", "trigger_types"},
	"scheduler": {"poll_interval", "watch_local", "local_debounce"},
	"logging":   {"log_level", "log_format", "log_file"},
}

// knownSections is the sorted list of section names, for deterministic
// suggestions when two candidates have the same edit distance.
var knownSections = func() []string {
	names := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		names = append(names, k)
	}

	slices.Sort(names)

	return names
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	seen := make(map[string]bool)

	for _, key := range md.Undecoded() {
		if len(key) == 0 {
			continue
		}

		section := key[0]
		keys, ok := knownKeys[section]

		if !ok {
			if seen[section] {
				continue
			}

			seen[section] = true

			if home := sectionOf(section); home != "" {
				errs = append(errs, fmt.Errorf("config key %q must be placed in the [%s] section", section, home))
				continue
			}

			errs = append(errs, unknownError("section", section, "", knownSections))

			continue
		}

		if len(key) > 1 {
			id := section + "." + key[1]
			if seen[id] {
				continue
			}

			seen[id] = true
			errs = append(errs, unknownError("key", key[1], section, sortedCopy(keys)))
		}
	}

	return errors.Join(errs...)
}

func unknownError(kind, name, section string, candidates []string) error {
	where := ""
	if section != "" {
		where = fmt.Sprintf(" in [%s]", section)
	}

	if suggestion := closestMatch(name, candidates); suggestion != "" {
		return fmt.Errorf("unknown config %s %q%s, did you mean %q?", kind, name, where, suggestion)
	}

	return fmt.Errorf("unknown config %s %q%s", kind, name, where)
}

// sectionOf returns the section that owns key, or "".
func sectionOf(key string) string {
	for _, section := range knownSections {
		if slices.Contains(knownKeys[section], key) {
			return section
		}
	}

	return ""
}

func sortedCopy(keys []string) []string {
	out := slices.Clone(keys)
	slices.Sort(out)

	return out
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(strings.ToLower(unknown), k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings using a
// single-row table.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(prev[j+1]+1, curr[j]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
