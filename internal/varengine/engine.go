// Package varengine implements the Variable Engine (VE): resolution of
// "@NAME@"-style tokens against global variables, per-task result
// fields, and the process environment, with bounded-depth expansion and
// sensitivity masking.
//
// Substitution is applied lazily at the call site that needs the string
// (hostname, command, arguments, condition, success expression) — VE
// never writes an expanded value back into a stored Task.
package varengine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tasker-run/tasker/internal/model"
)

// MaxDepth is the maximum number of nested-token hops expansion follows
// before failing with DepthExceededError (depth exactly 10
// succeeds, depth 11 fails).
const MaxDepth = 10

// InlineCapBytes is the command-line substitution cap: the lesser of the
// platform ARG_MAX and 100 KB. 100 KB is smaller than ARG_MAX on every
// platform TASKER targets, so it is the cap in practice.
const InlineCapBytes = 100 * 1024

var tokenPattern = regexp.MustCompile(`@([^@\s]+)@`)

// UnresolvedError is returned when a token cannot be resolved against any
// of VE's three sources. The engine translates this into a
// task_dependency failure before the referencing task is
// spawned.
type UnresolvedError struct {
	Token string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("varengine: unresolved variable @%s@", e.Token)
}

// DepthExceededError is returned when expansion needs more than MaxDepth
// nested hops to settle, reported as a deterministic cycle
// failure.
type DepthExceededError struct {
	Token string
}

func (e *DepthExceededError) Error() string {
	return fmt.Sprintf("varengine: expansion depth exceeded resolving @%s@ (max %d)", e.Token, MaxDepth)
}

// Engine resolves tokens for one workflow run. It is read-only over its
// three sources — Globals, Results, and Env — so it can be shared freely
// across concurrently executing parallel subtasks.
type Engine struct {
	Globals model.GlobalVariables
	Results map[int]*model.TaskResult
	Env     map[string]string

	// StdoutSplits/StderrSplits carry each task's stdout_split/
	// stderr_split pair so the "@N_stdout_line_k@" accessors split on
	// the configured delimiter (and "@N_stdout_split@" resolves the
	// configured index directly). A missing entry splits on newlines.
	StdoutSplits map[int]*model.SplitSpec
	StderrSplits map[int]*model.SplitSpec
}

// New creates an Engine over the given sources. env may be nil, in which
// case environment lookups always miss.
func New(globals model.GlobalVariables, results map[int]*model.TaskResult, env map[string]string) *Engine {
	return &Engine{Globals: globals, Results: results, Env: env}
}

// Expand resolves every "@...@" token in text and returns the substituted
// string plus whether any inline reference was truncated at the 100 KB
// command-line budget. An unresolved token or a depth overrun returns an
// error and no partial result.
func (e *Engine) Expand(text string) (string, bool, error) {
	truncated := false
	result, err := e.expand(text, 0, &truncated)
	if err != nil {
		return "", false, err
	}
	return result, truncated, nil
}

// ExpandMasked behaves like Expand but renders any masked global's value
// as "***" in the returned string. It is used for logs and diagnostics;
// the real value is never masked in what Expand delivers to a child
// process.
func (e *Engine) ExpandMasked(text string) (string, error) {
	maskedEngine := &maskingEngine{Engine: e}
	truncated := false
	return maskedEngine.expand(text, 0, &truncated)
}

func (e *Engine) expand(text string, depth int, truncated *bool) (string, error) {
	if !tokenPattern.MatchString(text) {
		return text, nil
	}
	if depth > MaxDepth {
		return "", &DepthExceededError{Token: text}
	}

	var firstErr error
	out := tokenPattern.ReplaceAllStringFunc(text, func(tok string) string {
		if firstErr != nil {
			return tok
		}
		name := tok[1 : len(tok)-1]
		value, capInline, err := e.resolve(name)
		if err != nil {
			firstErr = err
			return tok
		}

		if capInline && len(value) > InlineCapBytes {
			value = value[:InlineCapBytes] + "...[truncated]"
			*truncated = true
		}

		if tokenPattern.MatchString(value) {
			expanded, err := e.expand(value, depth+1, truncated)
			if err != nil {
				firstErr = err
				return tok
			}
			return expanded
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// resolve looks up a single token name (without the surrounding "@"
// characters) and reports whether the resolved value is subject to the
// inline command-line cap (true for stdout/stderr content, false for
// everything else — exit codes, counts, and file paths are always small).
func (e *Engine) resolve(name string) (value string, capInline bool, err error) {
	if idx := strings.IndexByte(name, '_'); idx > 0 {
		if id, convErr := strconv.Atoi(name[:idx]); convErr == nil {
			value, capInline, ok := e.resolveTaskField(id, name[idx+1:])
			if ok {
				return value, capInline, nil
			}
			return "", false, &UnresolvedError{Token: name}
		}
	}

	if v, ok := e.Globals[name]; ok {
		return v, false, nil
	}
	if v, ok := e.Env[name]; ok {
		return v, false, nil
	}
	return "", false, &UnresolvedError{Token: name}
}

// resolveTaskField resolves the "<field>" half of an "@N_<field>@" token
// against task id's recorded result. ok is false when id has no result
// (e.g. the task was skipped or has not run yet) or field is not
// recognized, both of which the caller reports as unresolved_variable.
func (e *Engine) resolveTaskField(id int, field string) (value string, capInline bool, ok bool) {
	result, exists := e.Results[id]
	if !exists {
		return "", false, false
	}

	if strings.HasPrefix(field, "stdout_line_") {
		return lineField(result.Stdout, field, "stdout_line_", e.separator(e.StdoutSplits, id))
	}
	if strings.HasPrefix(field, "stderr_line_") {
		return lineField(result.Stderr, field, "stderr_line_", e.separator(e.StderrSplits, id))
	}

	switch field {
	case "stdout_split":
		if spec, ok := e.StdoutSplits[id]; ok && spec != nil {
			return splitField(result.Stdout, spec)
		}
		return "", false, false
	case "stderr_split":
		if spec, ok := e.StderrSplits[id]; ok && spec != nil {
			return splitField(result.Stderr, spec)
		}
		return "", false, false
	}

	switch field {
	case "stdout":
		data, _ := readHandle(result.Stdout)
		return data, true, true
	case "stderr":
		data, _ := readHandle(result.Stderr)
		return data, true, true
	case "stdout_file":
		if result.Stdout == nil {
			return "", false, false
		}
		p, err := result.Stdout.Path()
		return p, false, err == nil
	case "stderr_file":
		if result.Stderr == nil {
			return "", false, false
		}
		p, err := result.Stderr.Path()
		return p, false, err == nil
	case "exit":
		return strconv.Itoa(result.ExitCode), false, true
	case "success":
		return strconv.FormatBool(result.Success), false, true
	}

	if result.Aggregate != nil {
		return resolveAggregateField(result.Aggregate, field)
	}

	return "", false, false
}

func resolveAggregateField(agg *model.AggregateResult, field string) (string, bool, bool) {
	switch field {
	case "all_success":
		return strconv.FormatBool(agg.Failed == 0 && agg.Total > 0), false, true
	case "any_success":
		return strconv.FormatBool(agg.Succeeded > 0), false, true
	case "majority_success":
		return strconv.FormatBool(agg.RatioSucceeded() > 0.5), false, true
	case "min_success":
		return strconv.Itoa(agg.Succeeded), false, true
	case "max_failed":
		return strconv.Itoa(agg.Failed), false, true
	case "succeeded_count":
		return strconv.Itoa(agg.Succeeded), false, true
	case "failed_count":
		return strconv.Itoa(agg.Failed), false, true
	case "total":
		return strconv.Itoa(agg.Total), false, true
	}
	return "", false, false
}

func readHandle(h model.OutputHandle) (string, bool) {
	if h == nil {
		return "", false
	}
	data, truncated := h.ReadAll()
	return string(data), truncated
}

func (e *Engine) separator(splits map[int]*model.SplitSpec, id int) string {
	if spec, ok := splits[id]; ok && spec != nil {
		return spec.Separator()
	}
	return "\n"
}

func lineField(h model.OutputHandle, field, prefix, sep string) (string, bool, bool) {
	if h == nil {
		return "", false, false
	}
	idxStr := strings.TrimPrefix(field, prefix)
	idx, err := strconv.Atoi(idxStr)
	if err != nil || idx < 0 {
		return "", false, false
	}
	data, _ := h.ReadAll()
	fields := strings.Split(strings.TrimRight(string(data), "\n"), sep)
	if idx >= len(fields) {
		return "", false, false
	}
	return fields[idx], true, true
}

// splitField resolves "@N_stdout_split@": the field at the task's own
// configured split index.
func splitField(h model.OutputHandle, spec *model.SplitSpec) (string, bool, bool) {
	if h == nil {
		return "", false, false
	}
	data, _ := h.ReadAll()
	fields := strings.Split(strings.TrimRight(string(data), "\n"), spec.Separator())
	if spec.Index < 0 || spec.Index >= len(fields) {
		return "", false, false
	}
	return fields[spec.Index], true, true
}

// maskingEngine wraps Engine.resolve to render masked globals as "***",
// used only by ExpandMasked.
type maskingEngine struct {
	*Engine
}

func (m *maskingEngine) expand(text string, depth int, truncated *bool) (string, error) {
	if !tokenPattern.MatchString(text) {
		return text, nil
	}
	if depth > MaxDepth {
		return "", &DepthExceededError{Token: text}
	}

	var firstErr error
	out := tokenPattern.ReplaceAllStringFunc(text, func(tok string) string {
		if firstErr != nil {
			return tok
		}
		name := tok[1 : len(tok)-1]
		if model.IsMasked(name) {
			if _, ok := m.Globals[name]; ok {
				return "***"
			}
		}
		value, capInline, err := m.resolve(name)
		if err != nil {
			firstErr = err
			return tok
		}
		if capInline && len(value) > InlineCapBytes {
			value = value[:InlineCapBytes] + "...[truncated]"
			*truncated = true
		}
		if tokenPattern.MatchString(value) {
			expanded, err := m.expand(value, depth+1, truncated)
			if err != nil {
				firstErr = err
				return tok
			}
			return expanded
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}
