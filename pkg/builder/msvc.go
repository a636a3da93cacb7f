package builder

import (
	"bufio"
	"bytes"
	"strings"
)

// defaultShowIncludesPrefix is cl.exe's default /showIncludes marker;
// it is not configurable at this layer (manifest-level `msvc_deps_prefix`
// overrides are out of scope at this layer).
const defaultShowIncludesPrefix = "Note: including file:"

// filterShowIncludes strips /showIncludes lines out of a command's
// combined output, returning the cleaned, user-visible output and the
// set of header paths it discovered, deduplicated and in first-seen
// order, per the deps-type "msvc" handling.
func filterShowIncludes(output []byte) (cleaned []byte, includes []string) {
	seen := make(map[string]bool)
	var out bytes.Buffer
	sc := bufio.NewScanner(bytes.NewReader(output))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimRight(line, "\r")
		if path, ok := stripShowIncludesPrefix(trimmed); ok {
			path = strings.TrimSpace(path)
			if !seen[path] {
				seen[path] = true
				includes = append(includes, path)
			}
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return out.Bytes(), includes
}

func stripShowIncludesPrefix(line string) (string, bool) {
	if !strings.HasPrefix(line, defaultShowIncludesPrefix) {
		return "", false
	}
	return line[len(defaultShowIncludesPrefix):], true
}
