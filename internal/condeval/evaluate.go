package condeval

import "github.com/tasker-run/tasker/internal/model"

// Compiled is a parsed success or condition expression, cheap to
// re-evaluate across retries and loop iterations without re-parsing.
type Compiled struct {
	raw  string
	expr Expr
}

func (c *Compiled) String() string { return c.raw }

// Eval runs the compiled expression against a result and optional
// variable resolver.
func (c *Compiled) Eval(result *model.TaskResult, resolve func(token string) (string, error)) (bool, error) {
	return c.expr.Eval(&Context{Result: result, Resolve: resolve})
}

// CompileSuccess parses a task's "success" field. An empty expression
// means "use DefaultSuccess" and is the caller's responsibility to
// special-case before calling CompileSuccess.
func CompileSuccess(raw string) (*Compiled, error) {
	e, err := ParseSuccess(raw)
	if err != nil {
		return nil, err
	}
	return &Compiled{raw: raw, expr: e}, nil
}

// CompileCondition parses a task's "condition" field.
func CompileCondition(raw string) (*Compiled, error) {
	e, err := ParseCondition(raw)
	if err != nil {
		return nil, err
	}
	return &Compiled{raw: raw, expr: e}, nil
}

// DefaultSuccess is the implicit success criterion when a task specifies
// none: exit code zero.
var DefaultSuccess = &Compiled{raw: "exit_0", expr: atomExpr{atom: exitAtom{code: 0}}}
