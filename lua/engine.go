package lua

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/raniellyferreira/localfirst-replica/frontend"
)

// ErrNoScript is returned by EvalSHA for an unknown digest
var ErrNoScript = errors.New("NOSCRIPT No matching script. Please use EVAL")

// Engine executes scripts and caches them by digest
type Engine struct {
	scripts sync.Map // SHA1 -> script source
}

// NewEngine creates a script engine
func NewEngine() *Engine {
	return &Engine{}
}

// Eval runs script against the replica of ed and returns the script result
// converted to Go values: string, int64, float64, bool, nil, []interface{}
// or map[string]interface{}.
func (e *Engine) Eval(ctx context.Context, ed *frontend.Editor, script string, args []string) (interface{}, error) {
	var result interface{}
	_, err := ed.Transact(ctx, func(tx *frontend.Txn) error {
		L := newState(ctx)
		defer L.Close()

		argv := L.NewTable()
		for i, arg := range args {
			argv.RawSetInt(i+1, lua.LString(arg))
		}
		L.SetGlobal("ARGV", argv)
		L.SetGlobal("doc", docTable(L, tx))

		if err := L.DoString(script); err != nil {
			return fmt.Errorf("script execution error: %w", err)
		}
		result = convertLuaValue(L.Get(-1))
		return nil
	})
	return result, err
}

// EvalSHA runs a script previously cached with LoadScript or Eval
func (e *Engine) EvalSHA(ctx context.Context, ed *frontend.Editor, digest string, args []string) (interface{}, error) {
	script, ok := e.scripts.Load(digest)
	if !ok {
		return nil, ErrNoScript
	}
	return e.Eval(ctx, ed, script.(string), args)
}

// LoadScript caches script and returns its SHA1 digest
func (e *Engine) LoadScript(script string) string {
	digest := Digest(script)
	e.scripts.Store(digest, script)
	return digest
}

// ScriptExists reports for every digest whether it is cached
func (e *Engine) ScriptExists(digests []string) []bool {
	results := make([]bool, len(digests))
	for i, d := range digests {
		_, results[i] = e.scripts.Load(d)
	}
	return results
}

// ScriptFlush empties the cache
func (e *Engine) ScriptFlush() {
	e.scripts.Range(func(key, _ interface{}) bool {
		e.scripts.Delete(key)
		return true
	})
}

// Digest returns the hex SHA1 of script
func Digest(script string) string {
	return fmt.Sprintf("%x", sha1.Sum([]byte(script)))
}

func newState(ctx context.Context) *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	// no file or module access
	for _, name := range []string{"dofile", "loadfile", "require"} {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetContext(ctx)
	return L
}

func docTable(L *lua.LState, tx *frontend.Txn) *lua.LTable {
	edit := func(L *lua.LState, ed frontend.Edit) int {
		if err := tx.Edit(ed); err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		L.Push(lua.LString(tx.State().Text))
		return 1
	}

	t := L.NewTable()
	L.SetFuncs(t, map[string]lua.LGFunction{
		"insert": func(L *lua.LState) int {
			return edit(L, frontend.Insert(L.CheckInt(1), L.CheckString(2)))
		},
		"delete": func(L *lua.LState) int {
			return edit(L, frontend.Delete(L.CheckInt(1), L.OptInt(2, 1)))
		},
		"increment": func(L *lua.LState) int {
			if err := tx.Edit(frontend.Increment(L.OptInt64(1, 1))); err != nil {
				L.RaiseError("%s", err.Error())
				return 0
			}
			L.Push(lua.LNumber(tx.State().Counter))
			return 1
		},
		"text": func(L *lua.LState) int {
			L.Push(lua.LString(tx.State().Text))
			return 1
		},
		"counter": func(L *lua.LState) int {
			L.Push(lua.LNumber(tx.State().Counter))
			return 1
		},
		"actor": func(L *lua.LState) int {
			L.Push(lua.LString(tx.State().Actor))
			return 1
		},
		"pending": func(L *lua.LState) int {
			L.Push(lua.LNumber(tx.State().Pending))
			return 1
		},
	})
	return t
}

// convertLuaValue converts a script result to a Go value
func convertLuaValue(lv lua.LValue) interface{} {
	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LString:
		return string(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case *lua.LNilType:
		return nil
	case *lua.LTable:
		if n := v.Len(); n > 0 && isArrayLike(v, n) {
			result := make([]interface{}, 0, n)
			for i := 1; i <= n; i++ {
				result = append(result, convertLuaValue(v.RawGetInt(i)))
			}
			return result
		}
		result := make(map[string]interface{})
		v.ForEach(func(k, val lua.LValue) {
			result[k.String()] = convertLuaValue(val)
		})
		return result
	default:
		return lv.String()
	}
}

// isArrayLike reports whether the only keys of t are 1..n
func isArrayLike(t *lua.LTable, n int) bool {
	array := true
	t.ForEach(func(k, _ lua.LValue) {
		num, ok := k.(lua.LNumber)
		if !ok {
			array = false
			return
		}
		idx := int(num)
		if float64(idx) != float64(num) || idx < 1 || idx > n {
			array = false
		}
	})
	return array
}
