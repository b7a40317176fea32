package taskfile

import (
	"fmt"

	"github.com/tasker-run/tasker/internal/model"
)

// HostProber is VAL's view of the Host Validator external collaborator
// behind the L4 runtime probes: a reachability check for a hostname under a
// given execution mode. internal/hostprobe supplies the production
// implementation; tests supply a fake.
type HostProber interface {
	Probe(hostname string, mode model.ExecMode) error
}

// CommandProber checks that a command exists on PATH for local-mode
// tasks.
type CommandProber interface {
	ProbeCommand(command string) error
}

// validateProbes applies L4: optional, skippable runtime checks that a
// command exists on PATH (local mode) and that a hostname is reachable
// under its requested execution mode. Both probers may be nil, in which
// case the corresponding check is skipped without a finding (the caller
// asked for validation without probing capability, as opposed to asking
// to skip it — cmd/tasker always wires one when probing is enabled).
func validateProbes(list *model.TaskList, opts ValidateOptions, hostProber HostProber, cmdProber CommandProber, diags *Diagnostics) {
	for _, t := range list.All() {
		if !t.RequiresChild() {
			continue
		}

		if !opts.SkipCommandProbe && cmdProber != nil && t.ExecMode == model.ExecLocal && t.Command != "" {
			if err := cmdProber.ProbeCommand(t.Command); err != nil {
				diags.Add(Finding{Layer: LayerProbe, Severity: SeverityError, TaskID: t.ID, HasTask: true,
					Code: "command_not_found", Message: fmt.Sprintf("command %q not found on PATH: %v", t.Command, err)})
			}
		}

		if !opts.SkipHostValidation && hostProber != nil && t.Hostname != "" {
			if err := hostProber.Probe(t.Hostname, t.ExecMode); err != nil {
				severity := SeverityError
				if !opts.HostProbeFatal {
					severity = SeverityWarning
				}
				diags.Add(Finding{Layer: LayerProbe, Severity: severity, TaskID: t.ID, HasTask: true,
					Code: "host_unreachable", Message: fmt.Sprintf("host %q unreachable under exec=%s: %v", t.Hostname, t.ExecMode, err)})
			}
		}
	}
}
