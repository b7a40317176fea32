package taskfile

import (
	"regexp"
	"strconv"
	"strings"
)

var tokenPattern = regexp.MustCompile(`@([^@\s]+)@`)

// tokenNames returns every "@...@" token body (without the surrounding
// "@" characters) found in text.
func tokenNames(text string) []string {
	matches := tokenPattern.FindAllStringSubmatch(text, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1])
	}
	return names
}

// taskFieldRefs returns the task ids referenced by "@N_field@"-shaped
// tokens in text (e.g. "12_stdout", "12_all_success").
func taskFieldRefs(text string) []int {
	var ids []int
	for _, name := range tokenNames(text) {
		idx := strings.IndexByte(name, '_')
		if idx <= 0 {
			continue
		}
		id, err := strconv.Atoi(name[:idx])
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// globalTokensIn returns tokens in text shaped like a global variable
// name (upper-snake-case, no leading "N_" task-field prefix).
func globalTokensIn(text string) []string {
	var names []string
	for _, name := range tokenNames(text) {
		if globalNamePattern.MatchString(name) {
			names = append(names, name)
		}
	}
	return names
}
