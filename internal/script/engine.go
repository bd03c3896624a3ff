// Package script runs user Lua hooks against the gateway event stream. A
// hook registers handlers with gw.on(resource, fn) and can drive groups and
// lights through the same internal replay surface the rules engine uses.
package script

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"zigbee-hue-gateway/internal/bus"
	"zigbee-hue-gateway/internal/rules"
)

// Engine manages one Lua VM per script file.
type Engine struct {
	events *bus.Bus
	groups rules.ResourceHandler
	lights rules.ResourceHandler
	// schedule posts handler invocations onto the event loop so scripts
	// never race the core.
	schedule func(func())
	logger   *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

type scriptHandler struct {
	resource string
	fn       *lua.LFunction
}

type scriptVM struct {
	state    *lua.LState
	handlers []scriptHandler
}

// NewEngine creates a script engine.
func NewEngine(events *bus.Bus, groups, lights rules.ResourceHandler, schedule func(func()), logger *slog.Logger) *Engine {
	return &Engine{
		events:   events,
		groups:   groups,
		lights:   lights,
		schedule: schedule,
		logger:   logger.With("component", "script"),
		vms:      make(map[string]*scriptVM),
	}
}

// Start loads all *.lua files from dir and subscribes to the bus.
func (e *Engine) Start(dir string) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read scripts dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lua") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := e.loadScript(path); err != nil {
			e.logger.Error("load script", "path", path, "err", err)
		}
	}
	e.unsub = e.events.Subscribe("", e.dispatch)
	e.logger.Info("script engine started", "scripts", len(e.vms))
	return nil
}

// Stop closes all VMs.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, vm := range e.vms {
		vm.state.Close()
		delete(e.vms, id)
	}
}

func (e *Engine) loadScript(path string) error {
	L := lua.NewState()
	for _, g := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(g, lua.LNil)
	}
	vm := &scriptVM{state: L}
	e.registerModule(L, vm)
	code, err := os.ReadFile(path)
	if err != nil {
		L.Close()
		return err
	}
	if err := L.DoString(string(code)); err != nil {
		L.Close()
		return fmt.Errorf("execute %s: %w", path, err)
	}
	e.mu.Lock()
	e.vms[filepath.Base(path)] = vm
	e.mu.Unlock()
	return nil
}

func (e *Engine) registerModule(L *lua.LState, vm *scriptVM) {
	mod := L.NewTable()
	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		resource := L.CheckString(1)
		fn := L.CheckFunction(2)
		vm.handlers = append(vm.handlers, scriptHandler{resource: resource, fn: fn})
		return 0
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		e.logger.Info("script", "msg", L.CheckString(1))
		return 0
	}))
	mod.RawSetString("put", L.NewFunction(func(L *lua.LState) int {
		address := L.CheckString(1)
		body := L.CheckString(2)
		result := rules.ReplayNotHandled
		switch {
		case strings.HasPrefix(address, "/groups"):
			result = e.groups(rules.MethodPut, "/api/script"+address, []byte(body))
		case strings.HasPrefix(address, "/lights"):
			result = e.lights(rules.MethodPut, "/api/script"+address, []byte(body))
		}
		L.Push(lua.LBool(result == rules.ReplayOK))
		return 1
	}))
	L.SetGlobal("gw", mod)
}

// dispatch routes a bus event to matching handlers; the actual Lua call is
// posted to the event loop.
func (e *Engine) dispatch(evt bus.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		for _, h := range vm.handlers {
			if h.resource != "" && h.resource != evt.Resource {
				continue
			}
			vm, h := vm, h
			e.schedule(func() { e.call(vm, h.fn, evt) })
		}
	}
}

func (e *Engine) call(vm *scriptVM, fn *lua.LFunction, evt bus.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()
	L := vm.state
	tbl := L.NewTable()
	tbl.RawSetString("resource", lua.LString(evt.Resource))
	tbl.RawSetString("type", lua.LString(evt.Type))
	tbl.RawSetString("id", lua.LString(evt.ID))
	if evt.State != nil {
		st := L.NewTable()
		for k, v := range evt.State {
			switch x := v.(type) {
			case bool:
				st.RawSetString(k, lua.LBool(x))
			case string:
				st.RawSetString(k, lua.LString(x))
			case int:
				st.RawSetString(k, lua.LNumber(x))
			case float64:
				st.RawSetString(k, lua.LNumber(x))
			}
		}
		tbl.RawSetString("state", st)
	}
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, tbl); err != nil {
		e.logger.Error("lua handler error", "err", err)
	}
}
