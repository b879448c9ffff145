package sandbox

import (
	"context"
	"fmt"
	"go/ast"
	"go/token"
	"math"
	"strconv"
)

// interpreter walks the go/ast tree produced by go/parser and evaluates it
// against a fixed vocabulary: arithmetic, comparisons, assignment, if/for,
// and namespace/helper calls. There is no reflection into the Go runtime;
// every name it can resolve comes from env.vars, env.ns or env.helpers.
type interpreter struct {
	env *env
	ctx context.Context
}

// errReturn carries a `return expr` value out of execStmt without unwinding
// as a real error; evalProgram's caller never sees it, only the sentinel
// effect of stopping prefix execution early.
type errReturn struct{ value any }

func (errReturn) Error() string { return "return" }

func (i *interpreter) tick() error {
	select {
	case <-i.ctx.Done():
		return i.ctx.Err()
	default:
		return nil
	}
}

// execStmt executes one statement for side effect (assignment, control
// flow). It never returns a value; assigned "result" variables are read
// back by evalProgram.
func (i *interpreter) execStmt(stmt ast.Stmt) error {
	if err := i.tick(); err != nil {
		return err
	}
	switch s := stmt.(type) {
	case *ast.ExprStmt:
		_, err := i.evalExpr(s.X)
		return err
	case *ast.AssignStmt:
		return i.execAssign(s)
	case *ast.IfStmt:
		return i.execIf(s)
	case *ast.ForStmt:
		return i.execFor(s)
	case *ast.BlockStmt:
		for _, st := range s.List {
			if err := i.execStmt(st); err != nil {
				return err
			}
		}
		return nil
	case *ast.ReturnStmt:
		var v any
		if len(s.Results) == 1 {
			val, err := i.evalExpr(s.Results[0])
			if err != nil {
				return err
			}
			v = val
		} else if len(s.Results) > 1 {
			vals := make(multiValue, len(s.Results))
			for idx, r := range s.Results {
				val, err := i.evalExpr(r)
				if err != nil {
					return err
				}
				vals[idx] = val
			}
			v = vals
		}
		i.env.vars["result"] = v
		return errReturn{v}
	case *ast.DeclStmt:
		return fmt.Errorf("NotImplementedError: var declarations are not supported in compute code")
	case *ast.EmptyStmt:
		return nil
	default:
		return fmt.Errorf("NotImplementedError: unsupported statement %T", stmt)
	}
}

func (i *interpreter) execAssign(s *ast.AssignStmt) error {
	if len(s.Rhs) == 1 && len(s.Lhs) > 1 {
		val, err := i.evalExpr(s.Rhs[0])
		if err != nil {
			return err
		}
		tuple, ok := val.(multiValue)
		if !ok {
			return fmt.Errorf("ValueError: cannot unpack non-tuple result into %d names; use a helper like bbands()/macd() that returns a tuple", len(s.Lhs))
		}
		if len(tuple) != len(s.Lhs) {
			return fmt.Errorf("ValueError: too many values to unpack (expected %d, got %d)", len(s.Lhs), len(tuple))
		}
		for idx, lhs := range s.Lhs {
			if err := i.assignOne(lhs, tuple[idx], s.Tok); err != nil {
				return err
			}
		}
		return nil
	}
	if len(s.Lhs) != len(s.Rhs) {
		return fmt.Errorf("ValueError: assignment count mismatch")
	}
	for idx := range s.Lhs {
		val, err := i.evalExpr(s.Rhs[idx])
		if err != nil {
			return err
		}
		if err := i.assignOne(s.Lhs[idx], val, s.Tok); err != nil {
			return err
		}
	}
	return nil
}

func (i *interpreter) assignOne(lhs ast.Expr, val any, tok token.Token) error {
	ident, ok := lhs.(*ast.Ident)
	if !ok {
		return fmt.Errorf("NotImplementedError: only simple names can be assigned")
	}
	if ident.Name == "_" {
		return nil
	}
	switch tok {
	case token.DEFINE, token.ASSIGN:
		i.env.vars[ident.Name] = val
		return nil
	case token.ADD_ASSIGN, token.SUB_ASSIGN, token.MUL_ASSIGN, token.QUO_ASSIGN:
		cur, ok := i.env.vars[ident.Name]
		if !ok {
			return fmt.Errorf("NameError: name '%s' is not defined", ident.Name)
		}
		op := compoundOp(tok)
		result, err := evalBinary(op, cur, val)
		if err != nil {
			return err
		}
		i.env.vars[ident.Name] = result
		return nil
	default:
		return fmt.Errorf("NotImplementedError: unsupported assignment operator")
	}
}

func compoundOp(tok token.Token) token.Token {
	switch tok {
	case token.ADD_ASSIGN:
		return token.ADD
	case token.SUB_ASSIGN:
		return token.SUB
	case token.MUL_ASSIGN:
		return token.MUL
	case token.QUO_ASSIGN:
		return token.QUO
	}
	return tok
}

func (i *interpreter) execIf(s *ast.IfStmt) error {
	if s.Init != nil {
		if err := i.execStmt(s.Init); err != nil {
			return err
		}
	}
	cond, err := i.evalExpr(s.Cond)
	if err != nil {
		return err
	}
	b, ok := toBool(cond)
	if !ok {
		f, ok := toFloat(cond)
		if !ok {
			return fmt.Errorf("TypeError: if condition is not boolean")
		}
		b = f != 0
	}
	if b {
		return i.execStmt(s.Body)
	}
	if s.Else != nil {
		return i.execStmt(s.Else)
	}
	return nil
}

// execFor covers all three Go for-loop shapes: `for {}`, `for cond {}` and
// `for init; cond; post {}`. A bare `for {}` is how the sandboxed equivalent
// of Python's `while True:` parses, so the wall-clock deadline check inside
// tick() is the only thing that can ever stop it.
func (i *interpreter) execFor(s *ast.ForStmt) error {
	if s.Init != nil {
		if err := i.execStmt(s.Init); err != nil {
			return err
		}
	}
	for {
		if err := i.tick(); err != nil {
			return err
		}
		if s.Cond != nil {
			cond, err := i.evalExpr(s.Cond)
			if err != nil {
				return err
			}
			b, ok := toBool(cond)
			if !ok {
				f, ok := toFloat(cond)
				if !ok {
					return fmt.Errorf("TypeError: for condition is not boolean")
				}
				b = f != 0
			}
			if !b {
				return nil
			}
		}
		if err := i.execStmt(s.Body); err != nil {
			return err
		}
		if s.Post != nil {
			if err := i.execStmt(s.Post); err != nil {
				return err
			}
		}
	}
}

// evalExpr evaluates an expression to a value: float64, int, bool, string,
// seriesVal, multiValue, map[string]any, or nil.
func (i *interpreter) evalExpr(expr ast.Expr) (any, error) {
	if err := i.tick(); err != nil {
		return nil, err
	}
	switch e := expr.(type) {
	case *ast.ParenExpr:
		return i.evalExpr(e.X)
	case *ast.BasicLit:
		return evalBasicLit(e)
	case *ast.Ident:
		return i.evalIdent(e)
	case *ast.UnaryExpr:
		return i.evalUnary(e)
	case *ast.BinaryExpr:
		left, err := i.evalExpr(e.X)
		if err != nil {
			return nil, err
		}
		right, err := i.evalExpr(e.Y)
		if err != nil {
			return nil, err
		}
		return evalBinary(e.Op, left, right)
	case *ast.CallExpr:
		return i.evalCall(e)
	case *ast.SelectorExpr:
		return i.evalSelector(e)
	case *ast.IndexExpr:
		return i.evalIndex(e)
	default:
		return nil, fmt.Errorf("NotImplementedError: unsupported expression %T", expr)
	}
}

func evalBasicLit(e *ast.BasicLit) (any, error) {
	switch e.Kind {
	case token.INT:
		n, err := strconv.ParseInt(e.Value, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("SyntaxError: bad int literal %q", e.Value)
		}
		return float64(n), nil
	case token.FLOAT:
		f, err := strconv.ParseFloat(e.Value, 64)
		if err != nil {
			return nil, fmt.Errorf("SyntaxError: bad float literal %q", e.Value)
		}
		return f, nil
	case token.STRING:
		s, err := strconv.Unquote(e.Value)
		if err != nil {
			return nil, fmt.Errorf("SyntaxError: bad string literal %q", e.Value)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("SyntaxError: unsupported literal kind %v", e.Kind)
	}
}

func (i *interpreter) evalIdent(e *ast.Ident) (any, error) {
	switch e.Name {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "nil", "None":
		return nil, nil
	}
	return i.env.lookup(e.Name)
}

func (i *interpreter) evalUnary(e *ast.UnaryExpr) (any, error) {
	v, err := i.evalExpr(e.X)
	if err != nil {
		return nil, err
	}
	switch e.Op {
	case token.SUB:
		if s, ok := toSeries(v); ok {
			out := make(seriesVal, len(s))
			for idx, x := range s {
				out[idx] = -x
			}
			return out, nil
		}
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("TypeError: unary - on non-numeric value")
		}
		return -f, nil
	case token.NOT:
		b, ok := toBool(v)
		if !ok {
			return nil, fmt.Errorf("TypeError: unary ! on non-boolean value")
		}
		return !b, nil
	case token.ADD:
		return v, nil
	default:
		return nil, fmt.Errorf("NotImplementedError: unsupported unary operator %v", e.Op)
	}
}

// evalBinary implements implicit broadcasting: arithmetic on a
// series produces a series (scalar operands broadcast); every other binop
// collapses series operands to their latest value via toFloat, matching the
// "latest(x)" helper's own semantics.
func evalBinary(op token.Token, left, right any) (any, error) {
	switch op {
	case token.ADD, token.SUB, token.MUL, token.QUO, token.REM:
		if ls, lok := left.(string); lok && op == token.ADD {
			if rs, rok := right.(string); rok {
				return ls + rs, nil
			}
		}
		lSeries, lIsSeries := toSeries(left)
		rSeries, rIsSeries := toSeries(right)
		if lIsSeries || rIsSeries {
			return seriesArith(op, left, right, lSeries, rSeries, lIsSeries, rIsSeries)
		}
		lf, lok := toFloat(left)
		rf, rok := toFloat(right)
		if !lok || !rok {
			return nil, fmt.Errorf("TypeError: arithmetic on non-numeric value")
		}
		return arith(op, lf, rf)
	case token.LSS, token.GTR, token.LEQ, token.GEQ, token.EQL, token.NEQ:
		lf, lok := toFloat(left)
		rf, rok := toFloat(right)
		if !lok || !rok {
			return nil, fmt.Errorf("TypeError: comparison on non-numeric value")
		}
		return compare(op, lf, rf), nil
	case token.LAND, token.LOR:
		lb, lok := toBool(left)
		rb, rok := toBool(right)
		if !lok {
			if f, ok := toFloat(left); ok {
				lb = f != 0
				lok = true
			}
		}
		if !rok {
			if f, ok := toFloat(right); ok {
				rb = f != 0
				rok = true
			}
		}
		if !lok || !rok {
			return nil, fmt.Errorf("TypeError: logical operator on non-boolean value")
		}
		if op == token.LAND {
			return lb && rb, nil
		}
		return lb || rb, nil
	default:
		return nil, fmt.Errorf("NotImplementedError: unsupported operator %v", op)
	}
}

func arith(op token.Token, l, r float64) (float64, error) {
	switch op {
	case token.ADD:
		return l + r, nil
	case token.SUB:
		return l - r, nil
	case token.MUL:
		return l * r, nil
	case token.QUO:
		if r == 0 {
			return 0, fmt.Errorf("ZeroDivisionError: division by zero; consider nz() to guard a zero denominator")
		}
		return l / r, nil
	case token.REM:
		if r == 0 {
			return 0, fmt.Errorf("ZeroDivisionError: modulo by zero")
		}
		return math.Mod(l, r), nil
	}
	return 0, fmt.Errorf("NotImplementedError: unsupported arithmetic operator")
}

func compare(op token.Token, l, r float64) bool {
	switch op {
	case token.LSS:
		return l < r
	case token.GTR:
		return l > r
	case token.LEQ:
		return l <= r
	case token.GEQ:
		return l >= r
	case token.EQL:
		return l == r
	case token.NEQ:
		return l != r
	}
	return false
}

func seriesArith(op token.Token, left, right any, lSeries, rSeries seriesVal, lIsSeries, rIsSeries bool) (any, error) {
	n := 0
	switch {
	case lIsSeries && rIsSeries:
		n = len(lSeries)
		if len(rSeries) < n {
			n = len(rSeries)
		}
	case lIsSeries:
		n = len(lSeries)
	case rIsSeries:
		n = len(rSeries)
	}
	out := make(seriesVal, n)
	var rightScalar, leftScalar float64
	if !rIsSeries {
		f, ok := toFloat(right)
		if !ok {
			return nil, fmt.Errorf("TypeError: arithmetic on non-numeric value")
		}
		rightScalar = f
	}
	if !lIsSeries {
		f, ok := toFloat(left)
		if !ok {
			return nil, fmt.Errorf("TypeError: arithmetic on non-numeric value")
		}
		leftScalar = f
	}
	for idx := 0; idx < n; idx++ {
		lv := leftScalar
		if lIsSeries {
			lv = lSeries[len(lSeries)-n+idx]
		}
		rv := rightScalar
		if rIsSeries {
			rv = rSeries[len(rSeries)-n+idx]
		}
		if isNaN(lv) || isNaN(rv) {
			out[idx] = math.NaN()
			continue
		}
		v, err := arith(op, lv, rv)
		if err != nil {
			return nil, err
		}
		out[idx] = v
	}
	return out, nil
}

func (i *interpreter) evalSelector(e *ast.SelectorExpr) (any, error) {
	if ident, ok := e.X.(*ast.Ident); ok {
		if _, isNS := i.env.ns[ident.Name]; isNS {
			return nil, fmt.Errorf("NotImplementedError: %s.%s must be called, e.g. %s.%s(...)", ident.Name, e.Sel.Name, ident.Name, e.Sel.Name)
		}
		if ident.Name == "df" {
			col, ok := dfColumn(i.env.vars["df"], e.Sel.Name)
			if !ok {
				return nil, fmt.Errorf("KeyError: column '%s' not in df; available columns: open, high, low, close, volume, date", e.Sel.Name)
			}
			return col, nil
		}
	}
	base, err := i.evalExpr(e.X)
	if err != nil {
		return nil, err
	}
	if f, ok := base.(Frame); ok {
		col, ok := dfColumn(f, e.Sel.Name)
		if !ok {
			return nil, fmt.Errorf("KeyError: column '%s' not in dataframe", e.Sel.Name)
		}
		return col, nil
	}
	if m, ok := base.(map[string]any); ok {
		v, ok := m[e.Sel.Name]
		if !ok {
			return nil, fmt.Errorf("KeyError: '%s'", e.Sel.Name)
		}
		return v, nil
	}
	return nil, fmt.Errorf("TypeError: cannot access .%s on this value", e.Sel.Name)
}

func dfColumn(v any, name string) (any, bool) {
	f, ok := v.(Frame)
	if !ok {
		return nil, false
	}
	switch name {
	case "open":
		return seriesVal(f.Open), true
	case "high":
		return seriesVal(f.High), true
	case "low":
		return seriesVal(f.Low), true
	case "close":
		return seriesVal(f.Close), true
	case "volume":
		return seriesVal(f.Volume), true
	case "date":
		return dateSeries(f.Dates), true
	}
	return nil, false
}

func (i *interpreter) evalIndex(e *ast.IndexExpr) (any, error) {
	base, err := i.evalExpr(e.X)
	if err != nil {
		return nil, err
	}
	idxVal, err := i.evalExpr(e.Index)
	if err != nil {
		return nil, err
	}
	if m, ok := base.(map[string]any); ok {
		key, ok := idxVal.(string)
		if !ok {
			return nil, fmt.Errorf("TypeError: map index must be a string key")
		}
		v, ok := m[key]
		if !ok {
			return nil, fmt.Errorf("KeyError: '%s'", key)
		}
		return v, nil
	}
	series, ok := toSeries(base)
	if !ok {
		return nil, fmt.Errorf("TypeError: value is not indexable")
	}
	f, ok := toFloat(idxVal)
	if !ok {
		return nil, fmt.Errorf("TypeError: index must be numeric")
	}
	idx := int(f)
	if idx < 0 {
		idx += len(series)
	}
	if idx < 0 || idx >= len(series) {
		return nil, fmt.Errorf("IndexError: index %d out of range for length %d series", int(f), len(series))
	}
	return series[idx], nil
}

func (i *interpreter) evalCall(e *ast.CallExpr) (any, error) {
	args := make([]any, len(e.Args))
	for idx, a := range e.Args {
		v, err := i.evalExpr(a)
		if err != nil {
			return nil, err
		}
		args[idx] = v
	}
	switch fn := e.Fun.(type) {
	case *ast.Ident:
		h, ok := i.env.helpers[fn.Name]
		if !ok {
			return nil, fmt.Errorf("NameError: name '%s' is not defined; available helpers: latest, prev, crossover, crossunder, above, below, bbands, macd, tail, nz, print", fn.Name)
		}
		return h(args)
	case *ast.SelectorExpr:
		nsIdent, ok := fn.X.(*ast.Ident)
		if !ok {
			return nil, fmt.Errorf("NotImplementedError: unsupported call target")
		}
		ns, ok := i.env.ns[nsIdent.Name]
		if !ok {
			return nil, fmt.Errorf("NameError: name '%s' is not defined", nsIdent.Name)
		}
		f, ok := ns[fn.Sel.Name]
		if !ok {
			return nil, fmt.Errorf("AttributeError: %s has no function '%s'", nsIdent.Name, fn.Sel.Name)
		}
		return f(args)
	default:
		return nil, fmt.Errorf("NotImplementedError: unsupported call expression")
	}
}
