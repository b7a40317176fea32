package taskfile

import "github.com/tasker-run/tasker/internal/model"

// Validate applies VAL's L2-L5 layers, in order, to an already-parsed
// TaskList. L1 syntax findings come from Parse; Validate never repeats
// them. hostProber/cmdProber may be nil to disable L4 entirely
// regardless of opts (e.g. when cmd/tasker has not wired a prober).
func Validate(list *model.TaskList, globals model.GlobalVariables, opts ValidateOptions, hostProber HostProber, cmdProber CommandProber) *Diagnostics {
	diags := &Diagnostics{}

	validateSemantics(list, globals, diags)

	if !opts.SkipSecurityValidation {
		validateSecurity(list, globals, diags)
	}

	validateProbes(list, opts, hostProber, cmdProber, diags)
	validateSafety(list, diags)

	return diags
}
