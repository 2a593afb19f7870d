// Package scripting runs sandboxed GopherLua scripts that drive a room's
// simulation. It knows nothing about rooms or entities; everything a script
// may touch is reached through a Host.
package scripting

import (
	"context"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
)

// DefaultInstructionLimit is the opcode budget of one script call when the
// level sets none.
const DefaultInstructionLimit = 100_000

// budget is a context that cancels itself after Done has been called limit
// times. GopherLua's main loop polls Done once per opcode, so this is an
// exact instruction count.
type budget struct {
	context.Context
	cancel    context.CancelFunc
	remaining atomic.Int64
}

func (b *budget) Done() <-chan struct{} {
	if b.remaining.Add(-1) <= 0 {
		b.cancel()
	}
	return b.Context.Done()
}

func newBudget(limit int) *budget {
	ctx, cancel := context.WithCancel(context.Background())
	b := &budget{Context: ctx, cancel: cancel}
	b.remaining.Store(int64(limit))
	return b
}

// NewSandboxedState creates a GopherLua state with only the base, table,
// string and math libraries, without file loading or require.
//
// Postcondition: The caller owns the state and must Close it.
func NewSandboxedState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "collectgarbage", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

// WithLimit runs fn against L with a fresh budget of limit opcodes. A
// non-positive limit uses DefaultInstructionLimit.
func WithLimit(L *lua.LState, limit int, fn func() error) error {
	if limit <= 0 {
		limit = DefaultInstructionLimit
	}
	b := newBudget(limit)
	L.SetContext(b)
	defer func() {
		L.RemoveContext()
		b.cancel()
	}()
	return fn()
}
