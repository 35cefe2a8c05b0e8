package suite

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

var versionAssign = regexp.MustCompile(`(?m)^\s*__version__\s*=\s*["']([^"']+)["']`)

// ReadVersion returns the project version recorded in path. The file holds
// either a `__version__ = "x.y.z"` assignment or the bare version string.
func ReadVersion(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading version file: %w", err)
	}
	return parseVersion(string(data))
}

func parseVersion(content string) (string, error) {
	if m := versionAssign.FindStringSubmatch(content); m != nil {
		return m[1], nil
	}
	v := strings.TrimSpace(content)
	if v == "" || strings.ContainsAny(v, " \t\n=") {
		return "", errors.New("no version found in version file")
	}
	return v, nil
}
