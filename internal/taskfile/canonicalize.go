package taskfile

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tasker-run/tasker/internal/model"
)

// Canonicalize re-renders a validated TaskList and its GlobalVariables
// back into the bit-exact task-file grammar, with keys
// emitted in a fixed order per task. This exists for the round-trip
// property: Canonicalize(Parse(Canonicalize(t))) ==
// Canonicalize(t).
func Canonicalize(list *model.TaskList, globals model.GlobalVariables) string {
	var b strings.Builder

	names := make([]string, 0, len(globals))
	for name := range globals {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "%s=%s\n", name, globals[name])
	}
	if len(names) > 0 {
		b.WriteByte('\n')
	}

	for i, t := range list.All() {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "task=%d\n", t.ID)
		writeTaskBody(&b, t)
	}

	return b.String()
}

func writeTaskBody(b *strings.Builder, t *model.Task) {
	line := func(key, value string) {
		fmt.Fprintf(b, "%s=%s\n", key, value)
	}

	if t.Kind != model.KindSequential {
		line("type", string(t.Kind))
	}
	if t.Hostname != "" {
		line("hostname", t.Hostname)
	}
	if t.Command != "" {
		line("command", t.Command)
	}
	if t.Arguments != "" {
		line("arguments", t.Arguments)
	}
	if t.ExecMode != "" && t.ExecMode != model.ExecLocal {
		line("exec", string(t.ExecMode))
	}
	if t.TimeoutSeconds != 0 {
		line("timeout", strconv.Itoa(t.TimeoutSeconds))
	}
	if t.SleepSeconds != 0 {
		line("sleep", strconv.FormatFloat(t.SleepSeconds, 'g', -1, 64))
	}
	if t.LoopCount != 0 {
		line("loop", strconv.Itoa(t.LoopCount))
	}
	if t.LoopBreak {
		line("loop_break", "true")
	}
	if t.Condition != "" {
		line("condition", t.Condition)
	}
	if t.Success != "" {
		line("success", t.Success)
	}
	if t.Next.Keyword != "" {
		line("next", nextSpecString(t.Next))
	}
	if t.HasOnSuccess {
		line("on_success", strconv.Itoa(t.OnSuccess))
	}
	if t.HasOnFailure {
		line("on_failure", strconv.Itoa(t.OnFailure))
	}
	if len(t.SubtaskIDs) > 0 {
		line("tasks", intListString(t.SubtaskIDs))
	}
	if t.MaxParallel != 0 {
		line("max_parallel", strconv.Itoa(t.MaxParallel))
	}
	if len(t.IfTrueTasks) > 0 {
		line("if_true_tasks", intListString(t.IfTrueTasks))
	}
	if len(t.IfFalseTasks) > 0 {
		line("if_false_tasks", intListString(t.IfFalseTasks))
	}
	if t.RetryCount != 0 {
		line("retry_count", strconv.Itoa(t.RetryCount))
	}
	if t.RetryDelaySeconds != 0 {
		line("retry_delay", strconv.FormatFloat(t.RetryDelaySeconds, 'g', -1, 64))
	}
	if t.RetryFailed {
		line("retry_failed", "true")
	}
	if t.StdoutSplit != nil {
		line("stdout_split", splitSpecString(*t.StdoutSplit))
	}
	if t.StderrSplit != nil {
		line("stderr_split", splitSpecString(*t.StderrSplit))
	}
	if t.HasReturnCode {
		line("return", strconv.Itoa(t.ReturnCodeOverride))
	}

	envNames := make([]string, 0, len(t.Env))
	for name := range t.Env {
		envNames = append(envNames, name)
	}
	sort.Strings(envNames)
	for _, name := range envNames {
		line("env_"+name, t.Env[name])
	}
}

func nextSpecString(n model.NextSpec) string {
	if n.Threshold == 0 {
		return n.Keyword
	}
	return fmt.Sprintf("%s=%d", n.Keyword, n.Threshold)
}

func splitSpecString(s model.SplitSpec) string {
	return fmt.Sprintf("%s:%d", s.Delimiter, s.Index)
}

func intListString(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}
