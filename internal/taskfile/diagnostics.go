// Package taskfile implements the Validator (VAL): a multi-layer parser
// and pre-execution validator that turns a task file into a typed
// model.TaskList plus a Diagnostics report.
//
// Parse handles the file grammar and L1 syntax checks; Validate applies
// L2 semantics, L3 security, L4 runtime probes, and L5 execution-safety
// rules in that order. Error findings at L1-L3 are fatal; those layers
// also report some findings as warnings (an unknown task key, an
// undeclared global reference, an ownership gap, a format-string shape),
// which do not block execution. L4 is configurable; L5 is fatal unless
// the finding is marked deprecated.
package taskfile

import "fmt"

// Severity classifies a Finding's effect on VAL's failure semantics.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// Layer identifies which of VAL's five layers produced a Finding.
type Layer string

const (
	LayerSyntax    Layer = "L1"
	LayerSemantics Layer = "L2"
	LayerSecurity  Layer = "L3"
	LayerProbe     Layer = "L4"
	LayerSafety    Layer = "L5"
)

// Finding is one diagnostic emitted while parsing or validating a task
// file: a code, a human message, and enough location context (task id,
// source line) for an author to find the offending line.
type Finding struct {
	Layer    Layer
	Severity Severity
	Code     string
	Message  string
	TaskID   int
	HasTask  bool
	Line     int
}

func (f Finding) String() string {
	loc := ""
	if f.HasTask {
		loc = fmt.Sprintf(" task=%d", f.TaskID)
	}
	if f.Line > 0 {
		loc = fmt.Sprintf("%s line=%d", loc, f.Line)
	}
	return fmt.Sprintf("[%s/%s]%s %s: %s", f.Layer, f.Severity, loc, f.Code, f.Message)
}

// Diagnostics accumulates Findings across Parse and Validate. Determinism
// ("running validate twice yields byte-identical
// diagnostics") falls out of Findings being appended in a single
// deterministic traversal order — callers must not reorder them.
type Diagnostics struct {
	Findings []Finding
}

// Add appends a finding.
func (d *Diagnostics) Add(f Finding) {
	d.Findings = append(d.Findings, f)
}

// Merge appends another Diagnostics' findings in order.
func (d *Diagnostics) Merge(other *Diagnostics) {
	if other == nil {
		return
	}
	d.Findings = append(d.Findings, other.Findings...)
}

// HasErrors reports whether any finding is Severity Error.
func (d *Diagnostics) HasErrors() bool {
	for _, f := range d.Findings {
		if f.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only the Severity Error findings.
func (d *Diagnostics) Errors() []Finding {
	var out []Finding
	for _, f := range d.Findings {
		if f.Severity == SeverityError {
			out = append(out, f)
		}
	}
	return out
}
