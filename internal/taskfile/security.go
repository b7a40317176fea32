package taskfile

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tasker-run/tasker/internal/model"
)

const (
	maxArgumentsBytes       = 8192
	maxArgumentsBytesStrict = 2000
)

var (
	shellMetacharacters = regexp.MustCompile("[;|&`]|\\$\\(")
	pathTraversal       = regexp.MustCompile(`\.\./|\.\.\\`)
	percentEncoded      = regexp.MustCompile(`%[0-9A-Fa-f]{2}`)
	hexEscape           = regexp.MustCompile(`\\x[0-9A-Fa-f]{2}`)
	unicodeEscape       = regexp.MustCompile(`\\u[0-9A-Fa-f]{4}`)
	formatSpecifier     = regexp.MustCompile(`%[snxd]`)
)

// validateSecurity applies L3 to every executable-kind task: the shape
// checks, using the "strict" profile (exec_mode != shell)
// unless the task explicitly opts into the shell's relaxed profile.
// expandCompileTimeGlobals is a light, compile-time-only substitution of declared
// globals (not task-result tokens, which are not knowable until
// execution) so injection shapes hidden behind a global reference are
// still caught.
func validateSecurity(list *model.TaskList, globals model.GlobalVariables, diags *Diagnostics) {
	for _, t := range list.All() {
		if !t.RequiresChild() && t.Kind != model.KindParallel && t.Kind != model.KindConditional {
			continue
		}
		strict := !t.ExecMode.Shell()

		checkField(diags, globals, t, "hostname", t.Hostname, strict, false)
		checkField(diags, globals, t, "command", t.Command, strict, true)
		checkField(diags, globals, t, "arguments", t.Arguments, strict, true)
	}
}

func checkField(diags *Diagnostics, globals model.GlobalVariables, t *model.Task, field, raw string, strict, checkFormatString bool) {
	if raw == "" {
		return
	}
	value := expandCompileTimeGlobals(raw, globals)

	fail := func(code, msg string) {
		diags.Add(Finding{Layer: LayerSecurity, Severity: SeverityError, TaskID: t.ID, HasTask: true, Code: code, Message: msg})
	}

	if strings.ContainsRune(value, 0) {
		fail("null_byte", fmt.Sprintf("%s contains a null byte", field))
	}

	if pathTraversal.MatchString(value) {
		fail("path_traversal", fmt.Sprintf("%s contains a path-traversal shape", field))
	}

	if percentEncoded.MatchString(value) || hexEscape.MatchString(value) || unicodeEscape.MatchString(value) {
		fail("encoded_attack", fmt.Sprintf("%s contains an encoded-attack shape (percent/hex/unicode escape)", field))
	}

	if strict {
		if shellMetacharacters.MatchString(value) || strings.Contains(value, "\n") {
			fail("injection_shape", fmt.Sprintf("%s contains a shell metacharacter not permitted outside exec=shell", field))
		}
		if field == "arguments" && len(value) > maxArgumentsBytesStrict {
			fail("arguments_too_long", fmt.Sprintf("arguments exceeds the %d byte strict-profile cap", maxArgumentsBytesStrict))
		}
	} else if field == "arguments" && len(value) > maxArgumentsBytes {
		fail("arguments_too_long", fmt.Sprintf("arguments exceeds the %d byte cap", maxArgumentsBytes))
	}

	if checkFormatString && formatSpecifier.MatchString(value) {
		diags.Add(Finding{Layer: LayerSecurity, Severity: SeverityWarning, TaskID: t.ID, HasTask: true,
			Code: "format_string", Message: fmt.Sprintf("%s contains a format-string-shaped sequence (%%s/%%n/%%x)", field)})
	}
}

// expandCompileTimeGlobals substitutes "@NAME@" tokens that name a
// declared global with their literal value, for security-shape scanning
// only. Unknown tokens (task-result references, environment names) are
// left untouched since they cannot be resolved until execution.
func expandCompileTimeGlobals(text string, globals model.GlobalVariables) string {
	return tokenPattern.ReplaceAllStringFunc(text, func(tok string) string {
		name := tok[1 : len(tok)-1]
		if v, ok := globals[name]; ok {
			return v
		}
		return tok
	})
}
