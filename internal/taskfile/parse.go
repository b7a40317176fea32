package taskfile

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/tasker-run/tasker/internal/model"
)

// FileArg is one file-defined CLI argument: a line of the form "--flag"
// or "--flag=value" appearing before any global-variable assignment
// in the leading region. cmd/tasker merges these under explicit command-line
// flags, which always win.
type FileArg struct {
	Name     string
	Value    string
	HasValue bool
}

var (
	globalNamePattern = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)
	taskHeaderPattern = regexp.MustCompile(`^task=(-?\d+)\s*$`)
)

// Parse reads a task file and produces a typed TaskList, its global
// variable table, its file-defined CLI arguments, and a Diagnostics
// report covering L1 syntax findings. A non-nil error is returned only
// for I/O failures (file missing, unreadable, not valid UTF-8 to the
// extent os.ReadFile surfaces that) — malformed task-file content is
// always reported as a Diagnostics finding, never a Go error, so callers
// can print every problem in one pass instead of stopping at the first.
func Parse(path string) (*model.TaskList, model.GlobalVariables, []FileArg, *Diagnostics, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("taskfile: read %s: %w", path, err)
	}
	return ParseBytes(data)
}

// ParseBytes parses already-read task-file content; Parse is a thin
// os.ReadFile wrapper around it so tests can exercise the grammar
// without touching the filesystem.
func ParseBytes(data []byte) (*model.TaskList, model.GlobalVariables, []FileArg, *Diagnostics, error) {
	diags := &Diagnostics{}
	lines := splitLines(string(data))

	args, globals, taskStart := parseLeadingRegion(lines, diags)
	tasks := parseTasks(lines, taskStart, diags)

	list, err := model.NewTaskList(tasks)
	if err != nil {
		diags.Add(Finding{Layer: LayerSyntax, Severity: SeverityError, Code: "duplicate_task_id", Message: err.Error()})
		list, _ = model.NewTaskList(dedupeTasks(tasks))
	}

	return list, globals, args, diags, nil
}

// splitLines splits on LF only; the grammar mandates LF line endings, so
// a stray CR is left on the line and will simply fail whatever pattern
// expects to match the rest of it, which is an acceptable way to surface
// a non-conforming file.
func splitLines(s string) []string {
	return strings.Split(s, "\n")
}

// parseLeadingRegion consumes every line before the first "task=" header:
// comments and blanks are skipped, "--"-prefixed lines become FileArgs
// (only while no global has been seen yet), and "NAME=VALUE" lines become
// global variables. It returns the index of the first task header line
// (len(lines) if the file has none).
func parseLeadingRegion(lines []string, diags *Diagnostics) ([]FileArg, model.GlobalVariables, int) {
	var args []FileArg
	globals := model.GlobalVariables{}
	seenGlobal := false

	for i, raw := range lines {
		lineNo := i + 1
		line := raw

		if isBlankOrComment(line) {
			continue
		}
		if taskHeaderPattern.MatchString(line) {
			return args, globals, i
		}

		if strings.HasPrefix(line, "--") {
			if seenGlobal {
				diags.Add(Finding{Layer: LayerSyntax, Severity: SeverityError, Line: lineNo,
					Code: "arg_after_global", Message: "file-defined CLI arguments must appear before any global variable assignment"})
				continue
			}
			args = append(args, parseFileArg(line))
			continue
		}

		if err := rejectTrailingComment(line); err != nil {
			diags.Add(Finding{Layer: LayerSyntax, Severity: SeverityError, Line: lineNo, Code: "trailing_comment", Message: err.Error()})
			continue
		}

		name, value, ok := splitKV(line)
		if !ok || !globalNamePattern.MatchString(name) {
			diags.Add(Finding{Layer: LayerSyntax, Severity: SeverityError, Line: lineNo,
				Code: "unrecognized_leading_line", Message: fmt.Sprintf("unrecognized line in leading region: %q", line)})
			continue
		}

		if model.ReservedFieldKeywords[name] {
			diags.Add(Finding{Layer: LayerSyntax, Severity: SeverityError, Line: lineNo,
				Code: "reserved_global_name", Message: fmt.Sprintf("global variable name %q collides with a task field keyword", name)})
			continue
		}

		globals[name] = value
		seenGlobal = true
	}

	return args, globals, len(lines)
}

func parseFileArg(line string) FileArg {
	body := strings.TrimPrefix(line, "--")
	if idx := strings.IndexByte(body, '='); idx >= 0 {
		return FileArg{Name: body[:idx], Value: body[idx+1:], HasValue: true}
	}
	return FileArg{Name: body}
}

// parseTasks walks the task region starting at taskStart, splitting it
// into per-task line blocks at each "task=" header and converting each
// block into a model.Task.
func parseTasks(lines []string, taskStart int, diags *Diagnostics) []*model.Task {
	var tasks []*model.Task
	seenIDs := map[int]bool{}

	i := taskStart
	for i < len(lines) {
		m := taskHeaderPattern.FindStringSubmatch(lines[i])
		if m == nil {
			i++
			continue
		}
		headerLine := i + 1
		id, err := strconv.Atoi(m[1])
		if err != nil || id < 0 {
			diags.Add(Finding{Layer: LayerSyntax, Severity: SeverityError, Line: headerLine,
				Code: "invalid_task_id", Message: fmt.Sprintf("task id must be a non-negative integer, got %q", m[1])})
			i++
			continue
		}
		if seenIDs[id] {
			diags.Add(Finding{Layer: LayerSyntax, Severity: SeverityError, Line: headerLine, TaskID: id, HasTask: true,
				Code: "duplicate_task_id", Message: fmt.Sprintf("task id %d declared more than once", id)})
		}
		seenIDs[id] = true

		j := i + 1
		for j < len(lines) && !taskHeaderPattern.MatchString(lines[j]) {
			j++
		}

		task := parseTaskBlock(id, headerLine, lines[i+1:j], diags)
		tasks = append(tasks, task)
		i = j
	}

	return tasks
}

// dedupeTasks keeps the first occurrence of each id so that a file with
// duplicate headers (already flagged as an L1 error) still produces a
// constructible TaskList for the rest of the diagnostics pipeline to run
// against.
func dedupeTasks(tasks []*model.Task) []*model.Task {
	seen := map[int]bool{}
	var out []*model.Task
	for _, t := range tasks {
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		out = append(out, t)
	}
	return out
}

func isBlankOrComment(line string) bool {
	trimmed := strings.TrimSpace(line)
	return trimmed == "" || strings.HasPrefix(trimmed, "#")
}

// rejectTrailingComment flags the "key=value # comment" shape the grammar
// forbids: a '#' preceded by whitespace anywhere after the start of the
// line. A '#' glued directly onto a value (no preceding space) is left
// alone since it cannot be distinguished from legitimate value content.
func rejectTrailingComment(line string) error {
	for i := 1; i < len(line); i++ {
		if line[i] == '#' && (line[i-1] == ' ' || line[i-1] == '\t') {
			return fmt.Errorf("trailing inline comments are forbidden: %q", line)
		}
	}
	return nil
}

func splitKV(line string) (key, value string, ok bool) {
	idx := strings.IndexByte(line, '=')
	if idx < 0 {
		return "", "", false
	}
	return line[:idx], line[idx+1:], true
}
