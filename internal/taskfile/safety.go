package taskfile

import (
	"fmt"

	"github.com/tasker-run/tasker/internal/model"
)

const (
	minTimeoutSeconds = 1
	maxTimeoutSeconds = 86400
)

// validateSafety applies L5: bounded timeouts, sane parallel/retry
// counts. Findings here are fatal unless carried as a SeverityWarning
// deprecation: stale keys (emitted at parse time) and a "next" keyword
// combined with explicit on_success/on_failure routing, which wins.
func validateSafety(list *model.TaskList, diags *Diagnostics) {
	for _, t := range list.All() {
		fail := func(code, msg string) {
			diags.Add(Finding{Layer: LayerSafety, Severity: SeverityError, TaskID: t.ID, HasTask: true, Code: code, Message: msg})
		}

		if t.TimeoutSeconds != 0 && (t.TimeoutSeconds < minTimeoutSeconds || t.TimeoutSeconds > maxTimeoutSeconds) {
			fail("timeout_out_of_range", fmt.Sprintf("timeout=%d is outside the allowed [%d, %d] second range", t.TimeoutSeconds, minTimeoutSeconds, maxTimeoutSeconds))
		}

		if t.Kind == model.KindParallel && t.MaxParallel < 1 {
			fail("invalid_max_parallel", "max_parallel must be at least 1")
		}

		if t.RetryCount < 0 {
			fail("invalid_retry_count", "retry_count must not be negative")
		}
		if t.RetryDelaySeconds < 0 {
			fail("invalid_retry_delay", "retry_delay must not be negative")
		}
		if t.LoopCount < 0 {
			fail("invalid_loop", "loop must not be negative")
		}
		if t.SleepSeconds < 0 {
			fail("invalid_sleep", "sleep must not be negative")
		}

		if t.Next.Keyword != "" && (t.HasOnSuccess || t.HasOnFailure) {
			diags.Add(Finding{Layer: LayerSafety, Severity: SeverityWarning, TaskID: t.ID, HasTask: true,
				Code: "deprecated_next_with_explicit_routing",
				Message: fmt.Sprintf("next=%s is combined with on_success/on_failure; explicit routing wins", t.Next.Keyword)})
		}
	}
}
