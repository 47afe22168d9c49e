package classifier

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// DefaultLabels is the class map used when no labels file is configured.
// Index 0 is the normal class.
var DefaultLabels = []string{"NonViolence", "Violence"}

// LoadLabels reads one class name per line. Blank lines are skipped; at
// least two classes are required.
func LoadLabels(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open labels file: %w", err)
	}
	defer f.Close()

	var labels []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if l := strings.TrimSpace(scanner.Text()); l != "" {
			labels = append(labels, l)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read labels file: %w", err)
	}
	if len(labels) < 2 {
		return nil, fmt.Errorf("labels file %s: need at least 2 classes, got %d", path, len(labels))
	}
	return labels, nil
}
