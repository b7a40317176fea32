package taskfile

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tasker-run/tasker/internal/model"
)

// deprecatedKeyAliases maps a stale key name to its current equivalent,
// per SPEC_FULL.md §12.2. Both keys are accepted; using the alias emits
// an L5 deprecation warning.
var deprecatedKeyAliases = map[string]string{
	"timeout_sec": "timeout",
	"retry":       "retry_count",
}

var recognizedTaskKeys = map[string]bool{
	"type": true, "hostname": true, "command": true, "arguments": true,
	"exec": true, "timeout": true, "sleep": true, "loop": true,
	"loop_break": true, "condition": true, "success": true, "next": true,
	"on_success": true, "on_failure": true, "tasks": true, "max_parallel": true,
	"if_true_tasks": true, "if_false_tasks": true, "retry_count": true,
	"retry_delay": true, "retry_failed": true, "stdout_split": true,
	"stderr_split": true, "return": true,
}

// parseTaskBlock converts the key=value lines following a "task=ID"
// header into a model.Task. Unrecognized keys become L1 warnings;
// malformed values for a recognized key become L1 errors but do not stop
// the rest of the block from parsing, so one bad line doesn't hide the
// others.
func parseTaskBlock(id int, headerLine int, lines []string, diags *Diagnostics) *model.Task {
	t := &model.Task{ID: id, Kind: model.KindSequential, ExecMode: model.ExecLocal, SourceLine: headerLine}

	for i, raw := range lines {
		lineNo := headerLine + 1 + i
		if isBlankOrComment(raw) {
			continue
		}
		if err := rejectTrailingComment(raw); err != nil {
			diags.Add(Finding{Layer: LayerSyntax, Severity: SeverityError, Line: lineNo, TaskID: id, HasTask: true,
				Code: "trailing_comment", Message: err.Error()})
			continue
		}

		key, value, ok := splitKV(raw)
		if !ok {
			diags.Add(Finding{Layer: LayerSyntax, Severity: SeverityError, Line: lineNo, TaskID: id, HasTask: true,
				Code: "malformed_line", Message: fmt.Sprintf("expected key=value, got %q", raw)})
			continue
		}

		if strings.HasPrefix(key, "env_") {
			if t.Env == nil {
				t.Env = map[string]string{}
			}
			t.Env[strings.TrimPrefix(key, "env_")] = value
			continue
		}

		effectiveKey := key
		if alias, isAlias := deprecatedKeyAliases[key]; isAlias {
			diags.Add(Finding{Layer: LayerSafety, Severity: SeverityWarning, Line: lineNo, TaskID: id, HasTask: true,
				Code: "deprecated_key", Message: fmt.Sprintf("%q is deprecated; use %q", key, alias)})
			effectiveKey = alias
		}

		if !recognizedTaskKeys[effectiveKey] {
			diags.Add(Finding{Layer: LayerSyntax, Severity: SeverityWarning, Line: lineNo, TaskID: id, HasTask: true,
				Code: "unknown_task_key", Message: fmt.Sprintf("unrecognized task key %q", key)})
			continue
		}

		applyField(t, effectiveKey, value, lineNo, diags)
	}

	return t
}

func applyField(t *model.Task, key, value string, lineNo int, diags *Diagnostics) {
	fail := func(code, msg string) {
		diags.Add(Finding{Layer: LayerSyntax, Severity: SeverityError, Line: lineNo, TaskID: t.ID, HasTask: true, Code: code, Message: msg})
	}

	switch key {
	case "type":
		switch model.Kind(value) {
		case model.KindSequential, model.KindParallel, model.KindConditional, model.KindDecision, model.KindReturn:
			t.Kind = model.Kind(value)
		default:
			fail("invalid_type", fmt.Sprintf("unrecognized type %q", value))
		}

	case "hostname":
		t.Hostname = value
	case "command":
		t.Command = value
	case "arguments":
		t.Arguments = value

	case "exec":
		switch model.ExecMode(value) {
		case model.ExecLocal, model.ExecShell, model.ExecPbrun, model.ExecP7s, model.ExecWwrs:
			t.ExecMode = model.ExecMode(value)
		default:
			fail("invalid_exec", fmt.Sprintf("unrecognized exec mode %q", value))
		}

	case "timeout":
		n, err := strconv.Atoi(value)
		if err != nil {
			fail("invalid_timeout", fmt.Sprintf("timeout must be an integer, got %q", value))
			return
		}
		t.TimeoutSeconds = n

	case "sleep":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			fail("invalid_sleep", fmt.Sprintf("sleep must be a decimal, got %q", value))
			return
		}
		t.SleepSeconds = f

	case "loop":
		n, err := strconv.Atoi(value)
		if err != nil {
			fail("invalid_loop", fmt.Sprintf("loop must be an integer, got %q", value))
			return
		}
		t.LoopCount = n

	case "loop_break":
		b, err := parseBool(value)
		if err != nil {
			fail("invalid_loop_break", err.Error())
			return
		}
		t.LoopBreak = b

	case "condition":
		t.Condition = value
	case "success":
		t.Success = value

	case "next":
		spec, err := parseNextSpec(value)
		if err != nil {
			fail("invalid_next", err.Error())
			return
		}
		t.Next = spec

	case "on_success":
		n, err := strconv.Atoi(value)
		if err != nil {
			fail("invalid_on_success", fmt.Sprintf("on_success must be a task id, got %q", value))
			return
		}
		t.OnSuccess = n
		t.HasOnSuccess = true

	case "on_failure":
		n, err := strconv.Atoi(value)
		if err != nil {
			fail("invalid_on_failure", fmt.Sprintf("on_failure must be a task id, got %q", value))
			return
		}
		t.OnFailure = n
		t.HasOnFailure = true

	case "tasks":
		ids, err := parseIntList(value)
		if err != nil {
			fail("invalid_tasks", err.Error())
			return
		}
		t.SubtaskIDs = ids

	case "max_parallel":
		n, err := strconv.Atoi(value)
		if err != nil {
			fail("invalid_max_parallel", fmt.Sprintf("max_parallel must be an integer, got %q", value))
			return
		}
		t.MaxParallel = n

	case "if_true_tasks":
		ids, err := parseIntList(value)
		if err != nil {
			fail("invalid_if_true_tasks", err.Error())
			return
		}
		t.IfTrueTasks = ids

	case "if_false_tasks":
		ids, err := parseIntList(value)
		if err != nil {
			fail("invalid_if_false_tasks", err.Error())
			return
		}
		t.IfFalseTasks = ids

	case "retry_count":
		n, err := strconv.Atoi(value)
		if err != nil {
			fail("invalid_retry_count", fmt.Sprintf("retry_count must be an integer, got %q", value))
			return
		}
		t.RetryCount = n

	case "retry_delay":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			fail("invalid_retry_delay", fmt.Sprintf("retry_delay must be a decimal, got %q", value))
			return
		}
		t.RetryDelaySeconds = f

	case "retry_failed":
		b, err := parseBool(value)
		if err != nil {
			fail("invalid_retry_failed", err.Error())
			return
		}
		t.RetryFailed = b

	case "stdout_split":
		spec, err := parseSplitSpec(value)
		if err != nil {
			fail("invalid_stdout_split", err.Error())
			return
		}
		t.StdoutSplit = spec

	case "stderr_split":
		spec, err := parseSplitSpec(value)
		if err != nil {
			fail("invalid_stderr_split", err.Error())
			return
		}
		t.StderrSplit = spec

	case "return":
		n, err := strconv.Atoi(value)
		if err != nil {
			fail("invalid_return", fmt.Sprintf("return must be an integer exit code, got %q", value))
			return
		}
		t.ReturnCodeOverride = n
		t.HasReturnCode = true
	}
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	}
	return false, fmt.Errorf("expected a boolean, got %q", value)
}

func parseIntList(value string) ([]int, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	parts := strings.Split(value, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("expected a comma-separated task id list, bad element %q", p)
		}
		out = append(out, n)
	}
	return out, nil
}

// parseSplitSpec parses a "stdout_split"/"stderr_split" value of the form
// "<delimiter_keyword>:<zero_based_index>". The keyword must be a key of
// model.SplitDelimiters and is stored as the keyword, not as the literal
// separator.
func parseSplitSpec(value string) (*model.SplitSpec, error) {
	idx := strings.LastIndexByte(value, ':')
	if idx < 0 {
		return nil, fmt.Errorf("expected <delimiter>:<index>, got %q", value)
	}
	delim, idxStr := value[:idx], value[idx+1:]
	if _, ok := model.SplitDelimiters[delim]; !ok {
		return nil, fmt.Errorf("unrecognized split delimiter %q", delim)
	}
	n, err := strconv.Atoi(idxStr)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("split index must be a non-negative integer, got %q", idxStr)
	}
	return &model.SplitSpec{Delimiter: delim, Index: n}, nil
}

var nextKeywords = map[string]bool{
	"never": true, "always": true, "loop": true, "success": true,
	"all_success": true, "any_success": true,
}

// parseNextSpec parses a task's "next" value: a bare keyword, or an
// aggregate keyword with a "=K"/"=P" threshold (min_success, max_failed,
// majority_success).
func parseNextSpec(value string) (model.NextSpec, error) {
	if eq := strings.IndexByte(value, '='); eq >= 0 {
		kw, thresholdStr := value[:eq], value[eq+1:]
		switch kw {
		case "min_success", "max_failed", "majority_success":
			n, err := strconv.Atoi(thresholdStr)
			if err != nil {
				return model.NextSpec{}, fmt.Errorf("next=%s threshold must be an integer, got %q", kw, thresholdStr)
			}
			return model.NextSpec{Keyword: kw, Threshold: n}, nil
		}
		return model.NextSpec{}, fmt.Errorf("unrecognized next keyword %q", kw)
	}

	if value == "min_success" || value == "max_failed" {
		return model.NextSpec{}, fmt.Errorf("next=%s requires a threshold (next=%s=K)", value, value)
	}
	if value == "majority_success" {
		return model.NextSpec{Keyword: value}, nil
	}
	if nextKeywords[value] {
		return model.NextSpec{Keyword: value}, nil
	}
	return model.NextSpec{}, fmt.Errorf("unrecognized next keyword %q", value)
}
