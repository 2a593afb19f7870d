package scripting_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/playnet/internal/scripting"
)

func TestNewSandboxedState_UnsafeLibsNil(t *testing.T) {
	L := scripting.NewSandboxedState()
	defer L.Close()
	for _, name := range []string{"os", "io", "debug", "dofile", "loadfile", "load", "require"} {
		assert.Equal(t, lua.LNil, L.GetGlobal(name), "expected %s to be nil", name)
	}
}

func TestNewSandboxedState_SafeLibsAvailable(t *testing.T) {
	L := scripting.NewSandboxedState()
	defer L.Close()
	err := L.DoString(`
		assert(math.floor(2.5) == 2)
		assert(string.upper("cell") == "CELL")
		local t = {}
		table.insert(t, 1)
		assert(#t == 1)
	`)
	assert.NoError(t, err)
}

func TestWithLimit_StopsRunawayScript(t *testing.T) {
	L := scripting.NewSandboxedState()
	defer L.Close()
	err := scripting.WithLimit(L, 100, func() error { return L.DoString(`while true do end`) })
	assert.Error(t, err)
}

func TestWithLimit_BudgetIsPerCall(t *testing.T) {
	L := scripting.NewSandboxedState()
	defer L.Close()
	for i := 0; i < 5; i++ {
		err := scripting.WithLimit(L, 1000, func() error {
			return L.DoString(`local s = 0 for i = 1, 50 do s = s + i end`)
		})
		require.NoError(t, err, "call %d", i)
	}
}

func TestProperty_InstructionLimitAlwaysErrors(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.IntRange(1, 50).Draw(t, "limit")
		L := scripting.NewSandboxedState()
		defer L.Close()
		err := scripting.WithLimit(L, limit, func() error { return L.DoString(`while true do end`) })
		if err == nil {
			t.Fatalf("expected error with limit=%d but got nil", limit)
		}
	})
}

func TestConvert_RoundTrip(t *testing.T) {
	L := scripting.NewSandboxedState()
	defer L.Close()

	in := map[string]any{
		"lit":   true,
		"count": int64(3),
		"ratio": 0.5,
		"name":  "cell",
		"path":  []any{int64(1), int64(2)},
		"none":  nil,
	}
	out := scripting.FromLua(scripting.ToLua(L, in))

	delete(in, "none")
	assert.Equal(t, in, out)
}

func TestConvert_EmptyTableIsMap(t *testing.T) {
	L := scripting.NewSandboxedState()
	defer L.Close()
	assert.Equal(t, map[string]any{}, scripting.FromLua(L.NewTable()))
}
