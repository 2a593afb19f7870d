package scripting

import (
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// registerModules installs the engine table:
//
//	engine.log.{debug,info,warn,error}(msg)
//	engine.state.get(entity, key) / engine.state.set(entity, key, value)
//	engine.entities.spawn(template, parent) -> name | nil, err
//	engine.entities.destroy(name) -> bool
//	engine.entities.list() -> {names}
//	engine.room.send(name, data)
func (m *Manager) registerModules(L *lua.LState, roomID uint64, host Host) {
	logger := m.logger.With(zap.Uint64("room_id", roomID), zap.String("source", "lua"))
	engine := L.NewTable()

	log := L.NewTable()
	for level, fn := range map[string]func(string, ...zap.Field){
		"debug": logger.Debug,
		"info":  logger.Info,
		"warn":  logger.Warn,
		"error": logger.Error,
	} {
		L.SetField(log, level, L.NewFunction(func(L *lua.LState) int {
			fn(L.CheckString(1))
			return 0
		}))
	}
	L.SetField(engine, "log", log)

	state := L.NewTable()
	L.SetField(state, "get", L.NewFunction(func(L *lua.LState) int {
		v, ok := host.Get(L.CheckString(1), L.CheckString(2))
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(ToLua(L, v))
		return 1
	}))
	L.SetField(state, "set", L.NewFunction(func(L *lua.LState) int {
		if err := host.Set(L.CheckString(1), L.CheckString(2), FromLua(L.Get(3))); err != nil {
			L.RaiseError("%s", err.Error())
		}
		return 0
	}))
	L.SetField(engine, "state", state)

	entities := L.NewTable()
	L.SetField(entities, "spawn", L.NewFunction(func(L *lua.LState) int {
		name, err := host.Spawn(L.CheckString(1), L.OptString(2, ""))
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LString(name))
		return 1
	}))
	L.SetField(entities, "destroy", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(host.Destroy(L.CheckString(1)) == nil))
		return 1
	}))
	L.SetField(entities, "list", L.NewFunction(func(L *lua.LState) int {
		L.Push(ToLua(L, host.Entities()))
		return 1
	}))
	L.SetField(engine, "entities", entities)

	room := L.NewTable()
	L.SetField(room, "id", lua.LNumber(roomID))
	L.SetField(room, "send", L.NewFunction(func(L *lua.LState) int {
		host.Send(L.CheckString(1), FromLua(L.Get(2)))
		return 0
	}))
	L.SetField(engine, "room", room)

	L.SetGlobal("engine", engine)
}
