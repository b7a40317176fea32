// Package condeval implements the Condition/Success Evaluator (CSE):
// parsing and evaluation of the boolean expressions used in task files
// §4.2 — success criteria over a TaskResult (or its aggregate), and
// conditions that add variable comparisons on top of the same atoms.
//
// Expressions are pure and total over well-typed inputs; regexes are
// compiled once and cached, and evaluation short-circuits left to right.
package condeval

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tasker-run/tasker/internal/model"
)

// Context supplies the data an Expr evaluates against: the TaskResult (or
// aggregate) under test, plus a variable resolver for condition atoms
// that reference "@X@".
type Context struct {
	Result   *model.TaskResult
	Resolve  func(token string) (string, error)
}

// Atom is a single predicate over a Context. Expr trees are built from
// Atoms combined with And/Or; "&" binds tighter than "|".
type Atom interface {
	Eval(ctx *Context) (bool, error)
	String() string
}

type exitAtom struct{ code int }

func (a exitAtom) Eval(ctx *Context) (bool, error) {
	if ctx.Result == nil {
		return false, fmt.Errorf("condeval: exit_%d evaluated with no result", a.code)
	}
	return ctx.Result.ExitCode == a.code, nil
}
func (a exitAtom) String() string { return fmt.Sprintf("exit_%d", a.code) }

type streamAtom struct {
	stream string // "stdout" or "stderr"
	regex  *regexp.Regexp
	negate bool
	// nonEmptyOnly is true for the bare "stdout"/"!stdout" form, which
	// tests emptiness rather than matching a pattern.
	nonEmptyOnly bool
}

func (a streamAtom) read(ctx *Context) (string, error) {
	if ctx.Result == nil {
		return "", fmt.Errorf("condeval: %s evaluated with no result", a.stream)
	}
	var handle model.OutputHandle
	if a.stream == "stdout" {
		handle = ctx.Result.Stdout
	} else {
		handle = ctx.Result.Stderr
	}
	if handle == nil {
		return "", nil
	}
	data, _ := handle.ReadAll()
	return string(data), nil
}

func (a streamAtom) Eval(ctx *Context) (bool, error) {
	data, err := a.read(ctx)
	if err != nil {
		return false, err
	}

	var result bool
	if a.nonEmptyOnly {
		result = len(data) > 0
	} else {
		result = a.regex.MatchString(data)
	}
	if a.negate {
		result = !result
	}
	return result, nil
}

func (a streamAtom) String() string {
	if a.nonEmptyOnly {
		if a.negate {
			return "!" + a.stream
		}
		return a.stream
	}
	op := "~"
	if a.negate {
		op = "!~"
	}
	return a.stream + op + a.regex.String()
}

type aggregateAtom struct {
	kind      string // all_success, any_success, min_success, max_failed, majority_success
	threshold int
}

func (a aggregateAtom) Eval(ctx *Context) (bool, error) {
	if ctx.Result == nil || ctx.Result.Aggregate == nil {
		return false, fmt.Errorf("condeval: %s evaluated without an aggregate result", a.kind)
	}
	agg := ctx.Result.Aggregate
	switch a.kind {
	case "all_success":
		return agg.Total > 0 && agg.Failed == 0, nil
	case "any_success":
		return agg.Succeeded > 0, nil
	case "min_success":
		return agg.Succeeded >= a.threshold, nil
	case "max_failed":
		return agg.Failed <= a.threshold, nil
	case "majority_success":
		pct := a.threshold
		if pct == 0 {
			pct = 51
		}
		return agg.RatioSucceeded()*100 >= float64(pct), nil
	}
	return false, fmt.Errorf("condeval: unknown aggregate atom %q", a.kind)
}

func (a aggregateAtom) String() string {
	if a.threshold == 0 {
		return a.kind
	}
	return fmt.Sprintf("%s=%d", a.kind, a.threshold)
}

// varAtom is a condition-only atom comparing a resolved "@token@" value
// against a literal or regex.
type varAtom struct {
	token string
	op    string // "=", "!=", "~"
	value string
	regex *regexp.Regexp // set only when op == "~"
}

func (a varAtom) Eval(ctx *Context) (bool, error) {
	if ctx.Resolve == nil {
		return false, fmt.Errorf("condeval: variable atom %q evaluated without a resolver", a.token)
	}
	resolved, err := ctx.Resolve(a.token)
	if err != nil {
		return false, err
	}
	switch a.op {
	case "=":
		return resolved == a.value, nil
	case "!=":
		return resolved != a.value, nil
	case "~":
		return a.regex.MatchString(resolved), nil
	}
	return false, fmt.Errorf("condeval: unknown variable operator %q", a.op)
}

func (a varAtom) String() string {
	return fmt.Sprintf("@%s@%s%s", a.token, a.op, a.value)
}

// parseAtom parses one atom (no & | or parens at the top level). allowVar
// permits the condition-only "@X@op value" forms.
func parseAtom(text string, allowVar bool) (Atom, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("condeval: empty atom")
	}

	if strings.HasPrefix(text, "exit_") {
		n, err := strconv.Atoi(strings.TrimPrefix(text, "exit_"))
		if err != nil {
			return nil, fmt.Errorf("condeval: invalid exit atom %q: %w", text, err)
		}
		return exitAtom{code: n}, nil
	}

	if allowVar && strings.HasPrefix(text, "@") {
		return parseVarAtom(text)
	}

	negate := strings.HasPrefix(text, "!")
	body := strings.TrimPrefix(text, "!")

	for _, stream := range []string{"stdout", "stderr"} {
		if body == stream {
			return streamAtom{stream: stream, negate: negate, nonEmptyOnly: true}, nil
		}
		if rest, ok := cutPrefix(body, stream+"~"); ok {
			re, err := compileCached(rest)
			if err != nil {
				return nil, fmt.Errorf("condeval: bad regex in %q: %w", text, err)
			}
			return streamAtom{stream: stream, regex: re, negate: false}, nil
		}
		if rest, ok := cutPrefix(body, stream+"!~"); ok {
			re, err := compileCached(rest)
			if err != nil {
				return nil, fmt.Errorf("condeval: bad regex in %q: %w", text, err)
			}
			return streamAtom{stream: stream, regex: re, negate: true}, nil
		}
	}

	switch {
	case body == "all_success":
		return aggregateAtom{kind: "all_success"}, nil
	case body == "any_success":
		return aggregateAtom{kind: "any_success"}, nil
	case body == "majority_success":
		return aggregateAtom{kind: "majority_success"}, nil
	case strings.HasPrefix(body, "majority_success="):
		pct, err := strconv.Atoi(strings.TrimPrefix(body, "majority_success="))
		if err != nil {
			return nil, fmt.Errorf("condeval: invalid majority_success threshold in %q: %w", text, err)
		}
		return aggregateAtom{kind: "majority_success", threshold: pct}, nil
	case strings.HasPrefix(body, "min_success="):
		k, err := strconv.Atoi(strings.TrimPrefix(body, "min_success="))
		if err != nil {
			return nil, fmt.Errorf("condeval: invalid min_success threshold in %q: %w", text, err)
		}
		return aggregateAtom{kind: "min_success", threshold: k}, nil
	case strings.HasPrefix(body, "max_failed="):
		k, err := strconv.Atoi(strings.TrimPrefix(body, "max_failed="))
		if err != nil {
			return nil, fmt.Errorf("condeval: invalid max_failed threshold in %q: %w", text, err)
		}
		return aggregateAtom{kind: "max_failed", threshold: k}, nil
	}

	return nil, fmt.Errorf("condeval: unrecognized atom %q", text)
}

// cutPrefix is strings.CutPrefix without requiring a newer Go version
// than the rest of the module declares.
func cutPrefix(s, prefix string) (string, bool) {
	if !strings.HasPrefix(s, prefix) {
		return "", false
	}
	return s[len(prefix):], true
}

func parseVarAtom(text string) (Atom, error) {
	end := strings.Index(text[1:], "@")
	if end < 0 {
		return nil, fmt.Errorf("condeval: unterminated variable reference in %q", text)
	}
	end++ // index into text, not text[1:]
	token := text[1:end]
	rest := text[end+1:]

	switch {
	case strings.HasPrefix(rest, "!="):
		return varAtom{token: token, op: "!=", value: rest[2:]}, nil
	case strings.HasPrefix(rest, "="):
		return varAtom{token: token, op: "=", value: rest[1:]}, nil
	case strings.HasPrefix(rest, "~"):
		re, err := compileCached(rest[1:])
		if err != nil {
			return nil, fmt.Errorf("condeval: bad regex in %q: %w", text, err)
		}
		return varAtom{token: token, op: "~", value: rest[1:], regex: re}, nil
	}
	return nil, fmt.Errorf("condeval: malformed variable atom %q", text)
}
