// Package rules evaluates a single operator-supplied Lua expression against process records.
//
// A rule is the body of a Lua return statement over the globals pid, ppid, name, user, status,
// cpu, memory (MB) and nice, e.g. `cpu > 80 and name == "java"`.
package rules

import (
	"context"
	"strings"
	"time"

	lpmErrors "github.com/procpilot/agent/internal/errors"
	"github.com/procpilot/agent/internal/models"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

const evaluationTimeout = 100 * time.Millisecond

// Globals that could reach outside the sandbox.
var removedGlobals = []string{"dofile", "loadfile", "load", "loadstring", "require", "module"}

// Engine is not safe for concurrent use.
type Engine struct {
	logger   *zap.Logger
	state    *lua.LState
	rule     string
	compiled *lua.LFunction
}

func NewEngine(rootLogger *zap.Logger) *Engine {
	state := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(state)
	lua.OpenString(state)
	lua.OpenMath(state)
	for _, name := range removedGlobals {
		state.SetGlobal(name, lua.LNil)
	}

	return &Engine{
		logger: rootLogger.Named("rule-engine"),
		state:  state,
	}
}

func (e *Engine) Close() {
	e.state.Close()
}

// SetRule compiles rule and makes it the active rule. An empty rule clears it.
func (e *Engine) SetRule(rule string) error {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		e.rule = ""
		e.compiled = nil
		return nil
	}

	compiled, err := e.state.LoadString("return " + rule)
	if err != nil {
		return lpmErrors.ParseError("invalid rule '%s': %v", rule, err)
	}

	e.rule = rule
	e.compiled = compiled
	e.logger.Debug("Set rule", zap.String("Rule", rule))
	return nil
}

// Rule returns the active rule text, empty when none is set.
func (e *Engine) Rule() string {
	return e.rule
}

// EvaluateFor reports whether record satisfies the active rule. Without a rule every record
// passes; a rule that fails at runtime rejects the record.
func (e *Engine) EvaluateFor(record *models.ProcessRecord) bool {
	if e.compiled == nil {
		return true
	}

	e.bind(record)

	ctx, cancel := context.WithTimeout(context.Background(), evaluationTimeout)
	defer cancel()
	e.state.SetContext(ctx)
	defer e.state.RemoveContext()

	top := e.state.GetTop()
	defer e.state.SetTop(top)

	e.state.Push(e.compiled)
	if err := e.state.PCall(0, 1, nil); err != nil {
		e.logger.Debug("Rule failed",
			zap.String("Rule", e.rule),
			zap.Uint32("Pid", record.Pid.Uint32()),
			zap.Error(err))
		return false
	}
	return lua.LVAsBool(e.state.Get(-1))
}

func (e *Engine) bind(record *models.ProcessRecord) {
	e.state.SetGlobal("pid", lua.LNumber(record.Pid))
	e.state.SetGlobal("ppid", lua.LNumber(record.ParentPidOrZero()))
	e.state.SetGlobal("name", lua.LString(record.Name))
	e.state.SetGlobal("status", lua.LString(record.Status))
	e.state.SetGlobal("cpu", lua.LNumber(record.CPUUsage))
	e.state.SetGlobal("memory", lua.LNumber(record.MemoryMB()))
	e.state.SetGlobal("nice", lua.LNumber(record.Nice))

	if record.User.Valid {
		e.state.SetGlobal("user", lua.LString(record.User.String))
	} else {
		e.state.SetGlobal("user", lua.LNil)
	}
}
