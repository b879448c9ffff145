// Package sandbox is the restricted expression/statement evaluator the agent
// reaches through the compute tool. It parses agent-submitted code with the
// standard library's own go/parser — never a third-party expression-eval
// library, never a plugin-compiled subprocess — and walks the resulting AST
// with an interpreter that only understands a small, fixed vocabulary:
// arithmetic, comparisons, assignment, if/for, and calls into an allowlisted
// helper/namespace table. There is no path from sandboxed code to the Go
// runtime, the filesystem, or the network.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"runtime/debug"
	"strings"
	"time"
)

// lastStackLines returns the last n lines of the current goroutine's stack,
// attached as an abbreviated traceback when a sandboxed
// panic escapes the interpreter (an internal bug, not user code misbehaving
// — user-code errors are returned as plain errors, never panics).
func lastStackLines(n int) string {
	lines := strings.Split(strings.TrimRight(string(debug.Stack()), "\n"), "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

// Frame is the bar-truncated OHLCV view bound into the sandbox as df plus
// the TradingView-style column aliases (open, high, low, close, volume, date).
type Frame struct {
	Dates                            []time.Time
	Open, High, Low, Close, Volume   []float64
}

// Account is the read-only account view bound into the sandbox.
type Account struct {
	Cash      float64
	Equity    float64
	Positions map[string]any
}

// Result is the normalised, JSON-serialisable outcome of one Run.
type Result struct {
	Result      any
	Stdout      string
	Error       string
	Remediation string
	Traceback   string
	Meta        Meta
}

// Meta is the `_meta` block attached to every Result: how much data
// the primary df carried into this evaluation.
type Meta struct {
	DFRows  int
	Columns []string
}

// DefaultTimeout is the default wall-clock budget for one evaluation.
const DefaultTimeout = 500 * time.Millisecond

// TimeoutError is Result.Error's exact text when the wall-clock alarm fires,
// exported so callers can distinguish a timeout from any other failure.
const TimeoutError = "计算超时，请简化代码或减少数据量"

// Run executes code against frame (the primary symbol's view) with extra
// views available under extraDfs, keyed by symbol. It never panics or blocks
// past timeout: every failure mode is folded into Result.Error.
func Run(code string, frame Frame, account Account, extraDfs map[string]Frame, timeout time.Duration) (result Result) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	meta := Meta{DFRows: len(frame.Close), Columns: []string{"date", "open", "high", "low", "close", "volume"}}
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("PanicError: %v", r)
			result = Result{
				Error:       err.Error(),
				Remediation: remediationFor(err),
				Traceback:   lastStackLines(3),
				Meta:        meta,
			}
		}
	}()

	code = trimCode(code)
	if code == "" {
		return Result{Error: "未产生输出", Remediation: "写一个表达式（如 ta.rsi(close,14)）或赋值给 result。", Meta: meta}
	}

	var stdout bytes.Buffer
	env := newEnv(frame, account, extraDfs, &stdout)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	interp := &interpreter{env: env, ctx: ctx}

	value, err := evalProgram(code, interp)
	out := Result{Stdout: stdout.String(), Meta: meta}
	if err != nil {
		if err == context.DeadlineExceeded {
			return Result{
				Error:       TimeoutError,
				Remediation: "避免写纯循环；优先使用向量化的指标/序列运算。",
				Meta:        meta,
			}
		}
		out.Error = err.Error()
		out.Remediation = remediationFor(err)
		return out
	}
	out.Result = normalize(value, 0)
	return out
}

func trimCode(code string) string {
	start, end := 0, len(code)
	for start < end && isSpace(code[start]) {
		start++
	}
	for end > start && isSpace(code[end-1]) {
		end--
	}
	return code[start:end]
}

func isSpace(b byte) bool { return b == ' ' || b == '\t' || b == '\n' || b == '\r' }

// evalProgram implements the eval-first + REPL execution protocol: try the
// whole snippet as a single expression first; otherwise parse it as a
// sequence of statements and return the trailing expression (or the
// "result" variable, if one was assigned).
func evalProgram(code string, interp *interpreter) (any, error) {
	if expr, err := parser.ParseExpr(code); err == nil {
		return interp.evalExpr(expr)
	}

	wrapped := "package sandbox\nfunc __compute() {\n" + code + "\n}\n"
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "<compute>", wrapped, 0)
	if err != nil {
		return nil, fmt.Errorf("SyntaxError: %w", err)
	}
	fn, ok := findComputeFunc(file)
	if !ok || fn.Body == nil {
		return nil, fmt.Errorf("未产生输出")
	}
	stmts := fn.Body.List
	if len(stmts) == 0 {
		return nil, fmt.Errorf("未产生输出")
	}

	last := stmts[len(stmts)-1]
	exprStmt, lastIsExpr := last.(*ast.ExprStmt)
	body := stmts
	if lastIsExpr {
		body = stmts[:len(stmts)-1]
	}
	for _, s := range body {
		if err := interp.execStmt(s); err != nil {
			if ret, ok := err.(errReturn); ok {
				return ret.value, nil
			}
			return nil, err
		}
		if err := interp.ctx.Err(); err != nil {
			return nil, err
		}
	}
	if lastIsExpr {
		value, err := interp.evalExpr(exprStmt.X)
		if err != nil {
			return nil, err
		}
		// A snippet that both assigns result and ends on an expression keeps
		// the explicit result.
		if v, ok := interp.env.vars["result"]; ok {
			return v, nil
		}
		return value, nil
	}
	if v, ok := interp.env.vars["result"]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("未产生输出")
}

func findComputeFunc(file *ast.File) (*ast.FuncDecl, bool) {
	for _, decl := range file.Decls {
		if fn, ok := decl.(*ast.FuncDecl); ok && fn.Name.Name == "__compute" {
			return fn, true
		}
	}
	return nil, false
}
