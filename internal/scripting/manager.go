package scripting

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Host is the surface a room exposes to its scripts. Entities are addressed
// by their level-unique names.
type Host interface {
	Get(entity, key string) (any, bool)
	Set(entity, key string, value any) error
	Spawn(template, parent string) (string, error)
	Destroy(entity string) error
	Entities() []string
	Send(name string, data any)
}

type roomVM struct {
	mu    sync.Mutex
	L     *lua.LState
	limit int
}

// Manager owns one sandboxed VM per room.
//
// Each VM is single-threaded; its mutex serializes hook calls into one room
// while different rooms run concurrently.
type Manager struct {
	mu     sync.RWMutex
	vms    map[uint64]*roomVM
	logger *zap.Logger
}

// NewManager creates a Manager.
//
// Precondition: logger must be non-nil.
// Postcondition: Returns a Manager with no loaded rooms.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{vms: make(map[uint64]*roomVM), logger: logger}
}

// LoadRoom creates a VM for roomID bound to host, registers the engine
// modules and runs every *.lua file of scriptDir in lexical order. A
// previously loaded VM for the room is replaced.
//
// Precondition: scriptDir must be a readable directory.
// Postcondition: On error no VM is registered for roomID.
func (m *Manager) LoadRoom(roomID uint64, scriptDir string, instLimit int, host Host) error {
	entries, err := os.ReadDir(scriptDir)
	if err != nil {
		return fmt.Errorf("scripting: reading script dir %q for room %d: %w", scriptDir, roomID, err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".lua" {
			files = append(files, filepath.Join(scriptDir, e.Name()))
		}
	}
	sort.Strings(files)

	vm := &roomVM{L: NewSandboxedState(), limit: instLimit}
	m.registerModules(vm.L, roomID, host)
	for _, path := range files {
		if err := WithLimit(vm.L, instLimit, func() error { return vm.L.DoFile(path) }); err != nil {
			vm.L.Close()
			return fmt.Errorf("scripting: loading %q for room %d: %w", path, roomID, err)
		}
	}

	m.mu.Lock()
	old := m.vms[roomID]
	m.vms[roomID] = vm
	m.mu.Unlock()
	if old != nil {
		old.close()
	}
	m.logger.Debug("room scripts loaded", zap.Uint64("room_id", roomID), zap.Int("files", len(files)))
	return nil
}

// Loaded reports whether roomID has a VM.
func (m *Manager) Loaded(roomID uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.vms[roomID]
	return ok
}

// CallHook calls the global function hook in roomID's VM and returns its
// first result. A missing room or hook yields (LNil, nil). Lua runtime
// errors, including an exhausted instruction budget, are logged at Warn and
// never propagated.
//
// Precondition: args must be valid lua.LValue instances.
func (m *Manager) CallHook(roomID uint64, hook string, args ...lua.LValue) (lua.LValue, error) {
	m.mu.RLock()
	vm, ok := m.vms[roomID]
	m.mu.RUnlock()
	if !ok {
		m.logger.Debug("scripting: no VM for room", zap.Uint64("room_id", roomID), zap.String("hook", hook))
		return lua.LNil, nil
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.L == nil {
		return lua.LNil, nil
	}
	fn := vm.L.GetGlobal(hook)
	if fn == lua.LNil {
		return lua.LNil, nil
	}
	err := WithLimit(vm.L, vm.limit, func() error {
		return vm.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...)
	})
	if err != nil {
		m.logger.Warn("scripting: Lua runtime error",
			zap.Uint64("room_id", roomID),
			zap.String("hook", hook),
			zap.Error(err),
		)
		return lua.LNil, nil
	}
	ret := vm.L.Get(-1)
	vm.L.Pop(1)
	return ret, nil
}

// Unload closes the VM of roomID. Unknown rooms are ignored.
func (m *Manager) Unload(roomID uint64) {
	m.mu.Lock()
	vm := m.vms[roomID]
	delete(m.vms, roomID)
	m.mu.Unlock()
	if vm != nil {
		vm.close()
	}
}

func (vm *roomVM) close() {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.L != nil {
		vm.L.Close()
		vm.L = nil
	}
}

// Emit calls hook like CallHook, converting plain Go args with ToLua inside
// the room's VM.
func (m *Manager) Emit(roomID uint64, hook string, args ...any) (lua.LValue, error) {
	m.mu.RLock()
	vm, ok := m.vms[roomID]
	m.mu.RUnlock()
	if !ok {
		return lua.LNil, nil
	}
	vm.mu.Lock()
	if vm.L == nil {
		vm.mu.Unlock()
		return lua.LNil, nil
	}
	values := make([]lua.LValue, len(args))
	for i, a := range args {
		values[i] = ToLua(vm.L, a)
	}
	vm.mu.Unlock()
	return m.CallHook(roomID, hook, values...)
}
