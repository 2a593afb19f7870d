package scripting_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cory-johannsen/playnet/internal/scripting"
)

func runHook(t *testing.T, mgr *scripting.Manager, host scripting.Host, src, hook string, args ...lua.LValue) lua.LValue {
	t.Helper()
	require.NoError(t, mgr.LoadRoom(7, writeTempLua(t, "test.lua", src), 0, host))
	ret, err := mgr.CallHook(7, hook, args...)
	require.NoError(t, err)
	return ret
}

func TestEngineLog_AllLevels(t *testing.T) {
	mgr, logs := newTestManager(t)
	runHook(t, mgr, newFakeHost(), `
		function logs()
			engine.log.debug("d")
			engine.log.info("i")
			engine.log.warn("w")
			engine.log.error("e")
		end
	`, "logs")

	for _, lvl := range []zapcore.Level{zap.DebugLevel, zap.InfoLevel, zap.WarnLevel, zap.ErrorLevel} {
		entries := logs.FilterLevelExact(lvl).FilterField(zap.String("source", "lua")).All()
		assert.Len(t, entries, 1, "level %s", lvl)
	}
}

func TestEngineState_GetSet(t *testing.T) {
	mgr, _ := newTestManager(t)
	host := newFakeHost()
	ret := runHook(t, mgr, host, `
		function toggle()
			local lit = engine.state.get("floor", "lit")
			engine.state.set("floor", "lit", not lit)
			engine.state.set("floor", "cells", {1, 2, 3})
			return engine.state.get("floor", "lit")
		end
	`, "toggle")

	assert.Equal(t, lua.LTrue, ret)
	v, _ := host.Get("floor", "cells")
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, v)
}

func TestEngineState_SetUnknownEntityRaises(t *testing.T) {
	mgr, logs := newTestManager(t)
	ret := runHook(t, mgr, newFakeHost(), `
		function f() engine.state.set("ghost", "x", 1) return true end
	`, "f")
	assert.Equal(t, lua.LNil, ret)
	assert.Equal(t, 1, logs.FilterLevelExact(zap.WarnLevel).Len())
}

func TestEngineEntities_SpawnListDestroy(t *testing.T) {
	mgr, _ := newTestManager(t)
	host := newFakeHost()
	ret := runHook(t, mgr, host, `
		function churn()
			local a = engine.entities.spawn("cell", "floor")
			local b, err = engine.entities.spawn("dragon")
			assert(b == nil and err ~= nil)
			local names = engine.entities.list()
			assert(#names == 2)
			assert(engine.entities.destroy(a))
			assert(not engine.entities.destroy(a))
			return a
		end
	`, "churn")

	assert.Equal(t, lua.LString("cell#1"), ret)
	assert.Equal(t, []string{"floor"}, host.Entities())
}

func TestEngineRoom_Send(t *testing.T) {
	mgr, _ := newTestManager(t)
	host := newFakeHost()
	ret := runHook(t, mgr, host, `
		function announce()
			engine.room.send("cell:lit", { cell = "cell-1", by = engine.room.id })
			return engine.room.id
		end
	`, "announce")

	assert.Equal(t, lua.LNumber(7), ret)
	require.Equal(t, []string{"cell:lit"}, host.sent)
	assert.Equal(t, map[string]any{"cell": "cell-1", "by": int64(7)}, host.data[0])
}
