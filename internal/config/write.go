package config

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/joeycumines/openoverlay/internal/storage"
)

// SetKeyInFile sets key to value inside section ("" for the global block)
// of the config file at path, creating the file if needed. An existing line
// for the key is replaced in place. Otherwise the line is added at the end of
// the section, and a missing section is appended. Comments and other lines
// are kept as they are.
func SetKeyInFile(path, section, key, value string) error {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config file: %w", err)
	}

	var lines []string
	if len(data) > 0 {
		lines = strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	}

	entry := strings.TrimSpace(key + " " + value)

	var (
		current string
		inside  = section == ""
		// index after the last non-blank line of the target section
		end = -1
	)
	if inside {
		end = 0
	}
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
			current = strings.TrimSpace(strings.Trim(trimmed, "[]"))
			inside = current == section
			if inside {
				end = i + 1
			}
			continue
		}
		if !inside {
			continue
		}
		if trimmed != "" {
			end = i + 1
		}
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if name, _, _ := strings.Cut(trimmed, " "); name == key {
			lines[i] = entry
			return storage.AtomicWriteFile(path, joinLines(lines), 0o644)
		}
	}

	switch {
	case end >= 0:
		lines = slices.Insert(lines, end, entry)
	default:
		if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) != "" {
			lines = append(lines, "")
		}
		lines = append(lines, "["+section+"]", entry)
	}
	return storage.AtomicWriteFile(path, joinLines(lines), 0o644)
}

func joinLines(lines []string) []byte {
	return []byte(strings.Join(lines, "\n") + "\n")
}
