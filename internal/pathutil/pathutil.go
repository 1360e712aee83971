// Package pathutil normalizes user-supplied filesystem paths such as tool
// locations from configuration.
package pathutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/devtrace/internal/faults"
)

// ErrEmptyPath is returned when an empty path is expanded.
var ErrEmptyPath = errors.New("path is empty")

// homeDir is swapped in tests.
var homeDir = os.UserHomeDir

// Expand normalizes p, expands a leading "~" to the user's home directory
// and returns the absolute result.
func Expand(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", faults.New(faults.KindPathResolution, "expand path", ErrEmptyPath)
	}

	p = filepath.Clean(p)
	if p == "~" || strings.HasPrefix(p, "~"+string(filepath.Separator)) {
		home, err := homeDir()
		if err != nil {
			return "", faults.New(faults.KindPathResolution, "expand path",
				fmt.Errorf("resolve home directory for %q: %w", p, err))
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}

	abs, err := filepath.Abs(p)
	if err != nil {
		return "", faults.New(faults.KindPathResolution, "expand path",
			fmt.Errorf("absolute path for %q: %w", p, err))
	}
	return abs, nil
}

// ExpandCommand expands name only when it looks like a path. Bare command
// names ("adb", "python") are left for $PATH lookup.
func ExpandCommand(name string) (string, error) {
	if name == "" {
		return "", faults.New(faults.KindPathResolution, "expand command", ErrEmptyPath)
	}
	if !strings.ContainsRune(name, filepath.Separator) && !strings.HasPrefix(name, "~") {
		return name, nil
	}
	return Expand(name)
}

// ExtendSearchPath appends addition to a list-style environment value such
// as PYTHONPATH using the OS list separator.
func ExtendSearchPath(current, addition string) string {
	if current == "" {
		return addition
	}
	if addition == "" {
		return current
	}
	return current + string(filepath.ListSeparator) + addition
}
