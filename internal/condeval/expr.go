package condeval

import "strings"

// Expr is a parsed boolean expression tree: atoms combined with And/Or,
// "&" binding tighter than "|", so there is no precedence ambiguity.
type Expr interface {
	Eval(ctx *Context) (bool, error)
	String() string
}

type atomExpr struct{ atom Atom }

func (e atomExpr) Eval(ctx *Context) (bool, error) { return e.atom.Eval(ctx) }
func (e atomExpr) String() string                  { return e.atom.String() }

type andExpr struct{ terms []Expr }

func (e andExpr) Eval(ctx *Context) (bool, error) {
	for _, t := range e.terms {
		ok, err := t.Eval(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e andExpr) String() string {
	parts := make([]string, len(e.terms))
	for i, t := range e.terms {
		parts[i] = t.String()
	}
	return strings.Join(parts, " & ")
}

type orExpr struct{ terms []Expr }

func (e orExpr) Eval(ctx *Context) (bool, error) {
	for _, t := range e.terms {
		ok, err := t.Eval(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (e orExpr) String() string {
	parts := make([]string, len(e.terms))
	for i, t := range e.terms {
		parts[i] = "(" + t.String() + ")"
	}
	return strings.Join(parts, " | ")
}
