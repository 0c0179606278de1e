package sync

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	ignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFileName is the optional gitignore-style file at the local root
// whose lines extend the configured ignore patterns.
const IgnoreFileName = ".syncignore"

// RecycleFolderName is the remote folder that receives recycled items. It
// is never scanned as part of the remote tree.
const RecycleFolderName = "SyncRecycleBin"

// TrashDirName is the local quarantine directory for trashed files.
const TrashDirName = ".sync_trash"

// defaultExcludedNames are skipped at any depth on both sides.
var defaultExcludedNames = []string{
	".git",
	TrashDirName,
	".sync_quarantine",
	".local_state",
	"__pycache__",
	".nosync",
	IgnoreFileName,
}

// tempSuffixes mark partial or temporary files that must never sync.
var tempSuffixes = []string{".partial", ".tmp", ".swp"}

// Filter decides which paths take part in reconciliation. The same rules
// apply to local and remote paths so both snapshots cover the same set.
type Filter struct {
	names   mapset.Set[string]
	ignore  *ignore.GitIgnore
	pattern int
}

// NewFilter compiles the default exclusions plus patterns from config and
// from the ignore file under localRoot, if present.
func NewFilter(patterns []string, localRoot string) (*Filter, error) {
	lines := append([]string(nil), patterns...)

	fileLines, err := readIgnoreFile(filepath.Join(localRoot, IgnoreFileName))
	if err != nil {
		return nil, err
	}

	lines = append(lines, fileLines...)

	return &Filter{
		names:   mapset.NewThreadUnsafeSet(defaultExcludedNames...),
		ignore:  ignore.CompileIgnoreLines(lines...),
		pattern: len(lines),
	}, nil
}

func readIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("sync: opening %s: %w", path, err)
	}
	defer f.Close()

	var lines []string

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		lines = append(lines, line)
	}

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("sync: reading %s: %w", path, err)
	}

	return lines, nil
}

// Patterns reports how many user patterns were compiled.
func (f *Filter) Patterns() int {
	return f.pattern
}

// Excluded reports whether relPath (slash-separated) is skipped.
func (f *Filter) Excluded(relPath string, isDir bool) bool {
	name := relPath
	if i := strings.LastIndexByte(relPath, '/'); i >= 0 {
		name = relPath[i+1:]
	}

	if f.names.Contains(name) || isTempName(name) {
		return true
	}

	if f.pattern == 0 {
		return false
	}

	if isDir {
		return f.ignore.MatchesPath(relPath + "/")
	}

	return f.ignore.MatchesPath(relPath)
}

// isTempName reports whether a file name looks like an in-progress write.
func isTempName(name string) bool {
	if strings.HasPrefix(name, "~") || strings.HasPrefix(name, ".~lock.") {
		return true
	}

	lower := strings.ToLower(name)
	for _, suffix := range tempSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}

	return false
}
