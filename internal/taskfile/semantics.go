package taskfile

import (
	"fmt"

	"github.com/tasker-run/tasker/internal/condeval"
	"github.com/tasker-run/tasker/internal/model"
)

// validateSemantics applies L2: every routing target must exist, required
// fields per kind must be present, success/condition expressions must
// parse, and forward-declared @k_stdout@-style references must not reach
// backward into a task that hasn't executed yet on any feasible path.
func validateSemantics(list *model.TaskList, globals model.GlobalVariables, diags *Diagnostics) {
	if list.Len() == 0 {
		diags.Add(Finding{Layer: LayerSemantics, Severity: SeverityError, Code: "no_tasks", Message: "task file declares no tasks"})
		return
	}

	owners := ownershipMap(list)

	for _, t := range list.All() {
		checkTarget(list, diags, t, "on_success", t.OnSuccess, t.HasOnSuccess)
		checkTarget(list, diags, t, "on_failure", t.OnFailure, t.HasOnFailure)
		for _, id := range t.SubtaskIDs {
			checkTargetID(list, diags, t, "tasks", id)
		}
		for _, id := range t.IfTrueTasks {
			checkTargetID(list, diags, t, "if_true_tasks", id)
		}
		for _, id := range t.IfFalseTasks {
			checkTargetID(list, diags, t, "if_false_tasks", id)
		}

		checkRequiredFields(diags, t)
		checkExpressions(diags, t)
		checkGlobalReferences(diags, globals, t)
	}

	checkForwardDependencies(list, owners, diags)
	checkOwnershipGaps(list, owners, diags)
}

func checkTarget(list *model.TaskList, diags *Diagnostics, t *model.Task, field string, id int, has bool) {
	if !has {
		return
	}
	checkTargetID(list, diags, t, field, id)
}

func checkTargetID(list *model.TaskList, diags *Diagnostics, t *model.Task, field string, id int) {
	if _, ok := list.Get(id); !ok {
		diags.Add(Finding{Layer: LayerSemantics, Severity: SeverityError, TaskID: t.ID, HasTask: true,
			Code: "undeclared_target", Message: fmt.Sprintf("%s references undeclared task id %d", field, id)})
	}
}

func checkRequiredFields(diags *Diagnostics, t *model.Task) {
	fail := func(code, msg string) {
		diags.Add(Finding{Layer: LayerSemantics, Severity: SeverityError, TaskID: t.ID, HasTask: true, Code: code, Message: msg})
	}

	switch t.Kind {
	case model.KindSequential:
		if t.Command == "" {
			fail("missing_command", "sequential task requires a command")
		}
	case model.KindParallel:
		if len(t.SubtaskIDs) == 0 {
			fail("missing_tasks", "parallel task requires a non-empty tasks list")
		}
		if t.MaxParallel <= 0 {
			t.MaxParallel = len(t.SubtaskIDs)
		}
	case model.KindConditional:
		if t.Condition == "" {
			fail("missing_condition", "conditional task requires a condition")
		}
		if len(t.IfTrueTasks) == 0 && len(t.IfFalseTasks) == 0 {
			fail("missing_branches", "conditional task requires if_true_tasks and/or if_false_tasks")
		}
	case model.KindDecision:
		if t.Condition == "" {
			fail("missing_condition", "decision task requires a condition")
		}
	}
}

func checkExpressions(diags *Diagnostics, t *model.Task) {
	if t.Condition != "" {
		if _, err := condeval.ParseCondition(t.Condition); err != nil {
			diags.Add(Finding{Layer: LayerSemantics, Severity: SeverityError, TaskID: t.ID, HasTask: true,
				Code: "bad_condition", Message: err.Error()})
		}
	}
	if t.Success != "" {
		if _, err := condeval.ParseSuccess(t.Success); err != nil {
			diags.Add(Finding{Layer: LayerSemantics, Severity: SeverityError, TaskID: t.ID, HasTask: true,
				Code: "bad_success", Message: err.Error()})
		}
	}
}

// checkGlobalReferences flags an "@ALL_CAPS@"-shaped token that is
// neither a task-result reference nor a declared global. It is a warning,
// not an error, because the token may still resolve against the process
// environment at run time (the variable engine's third source), which L2
// cannot observe.
func checkGlobalReferences(diags *Diagnostics, globals model.GlobalVariables, t *model.Task) {
	for _, field := range []string{t.Hostname, t.Command, t.Arguments, t.Condition, t.Success} {
		for _, name := range globalTokensIn(field) {
			if _, ok := globals[name]; ok {
				continue
			}
			diags.Add(Finding{Layer: LayerSemantics, Severity: SeverityWarning, TaskID: t.ID, HasTask: true,
				Code: "unresolved_global_reference",
				Message: fmt.Sprintf("@%s@ is not a declared global; it must resolve from the environment at run time", name)})
		}
	}
}

// ownershipMap maps each subtask id to the id of the parallel/conditional
// task that owns it.
func ownershipMap(list *model.TaskList) map[int]int {
	owners := map[int]int{}
	for _, t := range list.All() {
		for _, id := range t.SubtaskIDs {
			owners[id] = t.ID
		}
		for _, id := range t.IfTrueTasks {
			owners[id] = t.ID
		}
		for _, id := range t.IfFalseTasks {
			owners[id] = t.ID
		}
	}
	return owners
}

// checkForwardDependencies enforces that a success/condition reference to
// "@k_*@" only names a task k declared earlier in the file, unless k is
// the owner of the referencing task's enclosing aggregate (an already-
// completed parallel/conditional whose aggregate fields are legitimately
// visible to its own subtasks' siblings).
func checkForwardDependencies(list *model.TaskList, owners map[int]int, diags *Diagnostics) {
	positions := map[int]int{}
	for i, t := range list.All() {
		positions[t.ID] = i
	}

	for _, t := range list.All() {
		refs := taskFieldRefs(t.Success)
		refs = append(refs, taskFieldRefs(t.Condition)...)
		for _, k := range refs {
			posK, ok := positions[k]
			if !ok {
				continue // already reported as undeclared elsewhere
			}
			posT := positions[t.ID]
			if posK < posT {
				continue
			}
			if owner, isOwned := owners[t.ID]; isOwned && owner == k {
				continue
			}
			diags.Add(Finding{Layer: LayerSemantics, Severity: SeverityError, TaskID: t.ID, HasTask: true,
				Code: "forward_dependency",
				Message: fmt.Sprintf("references task %d's result, which is not guaranteed to have executed first", k)})
		}
	}
}

// checkOwnershipGaps warns when a task with default sequential routing
// falls straight through into a subtask owned by a parallel/conditional
// task, inviting accidental entry that bypasses the owning aggregate.
func checkOwnershipGaps(list *model.TaskList, owners map[int]int, diags *Diagnostics) {
	all := list.All()
	for i, t := range all {
		if i+1 >= len(all) {
			continue
		}
		next := all[i+1]
		owner, isOwned := owners[next.ID]
		if !isOwned || owner == t.ID {
			continue
		}
		if t.Kind != model.KindSequential {
			continue
		}
		if t.Next.Keyword != "" || t.HasOnSuccess || t.HasOnFailure {
			continue
		}
		diags.Add(Finding{Layer: LayerSemantics, Severity: SeverityWarning, TaskID: t.ID, HasTask: true,
			Code: "ownership_gap",
			Message: fmt.Sprintf("falls through into task %d, which is owned by task %d's subtask list; insert a firewall task (return=N) to prevent accidental entry", next.ID, owner)})
	}
}
