package sandbox

import (
	"bytes"
	"fmt"
	"time"
)

// namespaceRef marks np/pd/ta/math in the variable table so a bare
// reference to the name doesn't fail as "undefined" even though the only
// legal use is as the X of a selector call.
type namespaceRef struct{ name string }

// nsFunc is one callable member of a namespace (np.mean, ta.rsi, ...).
type nsFunc func(args []any) (any, error)

// env is the sandbox's variable table plus its fixed namespaces and helpers.
type env struct {
	vars    map[string]any
	ns      map[string]map[string]nsFunc
	helpers map[string]nsFunc
	stdout  *bytes.Buffer
}

func newEnv(frame Frame, account Account, extraDfs map[string]Frame, stdout *bytes.Buffer) *env {
	e := &env{
		vars:   make(map[string]any),
		stdout: stdout,
	}
	e.vars["df"] = frame
	e.vars["open"] = seriesVal(frame.Open)
	e.vars["high"] = seriesVal(frame.High)
	e.vars["low"] = seriesVal(frame.Low)
	e.vars["close"] = seriesVal(frame.Close)
	e.vars["volume"] = seriesVal(frame.Volume)
	e.vars["date"] = dateSeries(frame.Dates)

	e.vars["account"] = accountMap(account)
	e.vars["cash"] = account.Cash
	e.vars["equity"] = account.Equity
	positions := account.Positions
	if positions == nil {
		positions = map[string]any{}
	}
	e.vars["positions"] = positions

	for sym, f := range extraDfs {
		e.vars["df_"+sym] = f
	}

	e.vars["np"] = namespaceRef{"np"}
	e.vars["pd"] = namespaceRef{"pd"}
	e.vars["ta"] = namespaceRef{"ta"}
	e.vars["math"] = namespaceRef{"math"}

	e.ns = map[string]map[string]nsFunc{
		"np":   npNamespace(),
		"pd":   pdNamespace(),
		"ta":   taNamespace(),
		"math": mathNamespace(),
	}
	e.helpers = helperTable()
	e.helpers["print"] = printHelper(stdout)
	return e
}

func accountMap(a Account) map[string]any {
	positions := a.Positions
	if positions == nil {
		positions = map[string]any{}
	}
	return map[string]any{
		"cash":      a.Cash,
		"equity":    a.Equity,
		"positions": positions,
	}
}

func dateSeries(dates []time.Time) []string {
	out := make([]string, len(dates))
	for i, d := range dates {
		out[i] = d.Format("2006-01-02")
	}
	return out
}

func (e *env) lookup(name string) (any, error) {
	if v, ok := e.vars[name]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("NameError: name '%s' is not defined", name)
}
