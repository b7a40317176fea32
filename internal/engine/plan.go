package engine

import (
	"fmt"
	"strings"

	"github.com/tasker-run/tasker/internal/model"
)

// Plan renders a validated task list's execution structure without
// executing anything: declaration order, parallel/conditional
// ownership, and routing edges. The output is deterministic for a given
// file, so diffing two plans shows exactly what a task-file edit
// changed.
func Plan(tasks *model.TaskList) string {
	owned := map[int]int{}
	for _, t := range tasks.All() {
		for _, id := range t.SubtaskIDs {
			owned[id] = t.ID
		}
		for _, id := range t.IfTrueTasks {
			owned[id] = t.ID
		}
		for _, id := range t.IfFalseTasks {
			owned[id] = t.ID
		}
	}

	var b strings.Builder
	for _, t := range tasks.All() {
		if owner, ok := owned[t.ID]; ok {
			fmt.Fprintf(&b, "task %d  [%s]  (subtask of %d)", t.ID, t.Kind, owner)
		} else {
			fmt.Fprintf(&b, "task %d  [%s]", t.ID, t.Kind)
		}
		b.WriteByte('\n')

		if t.Command != "" {
			fmt.Fprintf(&b, "  run: %s", t.Command)
			if t.Arguments != "" {
				fmt.Fprintf(&b, " %s", t.Arguments)
			}
			fmt.Fprintf(&b, "  (exec=%s", t.ExecMode)
			if t.Hostname != "" {
				fmt.Fprintf(&b, " host=%s", t.Hostname)
			}
			b.WriteString(")\n")
		}
		if t.Condition != "" {
			fmt.Fprintf(&b, "  condition: %s\n", t.Condition)
		}
		if t.Success != "" {
			fmt.Fprintf(&b, "  success: %s\n", t.Success)
		}
		if len(t.SubtaskIDs) > 0 {
			fmt.Fprintf(&b, "  parallel: %s (max_parallel=%d)\n", intList(t.SubtaskIDs), t.MaxParallel)
		}
		if len(t.IfTrueTasks) > 0 {
			fmt.Fprintf(&b, "  if_true: %s\n", intList(t.IfTrueTasks))
		}
		if len(t.IfFalseTasks) > 0 {
			fmt.Fprintf(&b, "  if_false: %s\n", intList(t.IfFalseTasks))
		}

		var edges []string
		if t.HasOnSuccess {
			edges = append(edges, fmt.Sprintf("on_success->%d", t.OnSuccess))
		}
		if t.HasOnFailure {
			edges = append(edges, fmt.Sprintf("on_failure->%d", t.OnFailure))
		}
		if t.Next.Keyword != "" {
			kw := t.Next.Keyword
			if t.Next.Threshold > 0 {
				kw = fmt.Sprintf("%s=%d", kw, t.Next.Threshold)
			}
			edges = append(edges, "next="+kw)
		}
		if t.Kind == model.KindReturn {
			code := 0
			if t.HasReturnCode {
				code = t.ReturnCodeOverride
			}
			edges = append(edges, fmt.Sprintf("return=%d", code))
		}
		if len(edges) > 0 {
			fmt.Fprintf(&b, "  routing: %s\n", strings.Join(edges, ", "))
		}
	}
	return b.String()
}

func intList(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ",")
}
