//go:build !no_automation

package automation

import (
	"encoding/json"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"hue-connector/internal/device"
)

const maxHandlersPerScript = 100

// registerHueModule registers the `hue` global table in a Lua state.
func registerHueModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int { return hueOn(L, vm) }))
	mod.RawSetString("send", L.NewFunction(func(L *lua.LState) int { return hueSend(L, e) }))
	mod.RawSetString("devices", L.NewFunction(func(L *lua.LState) int { return hueDevices(L, e) }))
	mod.RawSetString("state", L.NewFunction(func(L *lua.LState) int { return hueState(L, e) }))
	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int { return hueAfter(L, vm, e) }))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int { return hueLog(L, vm, e) }))
	L.SetGlobal("hue", mod)
}

// hue.on(type, [filter], callback)
//
// filter is an optional table; filter.device restricts the handler to one
// device id or name. type "*" matches every event.
func hueOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	if fn, ok := L.Get(2).(*lua.LFunction); ok {
		h.fn = fn
	} else {
		filter := L.CheckTable(2)
		h.fn = L.CheckFunction(3)
		if v := filter.RawGetString("device"); v != lua.LNil {
			h.device = v.String()
		}
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// hue.send(target, service, [params]) -> command id | nil, error
func hueSend(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)
	service := L.CheckString(2)

	var data json.RawMessage
	if tbl, ok := L.Get(3).(*lua.LTable); ok {
		raw, err := json.Marshal(luaToGo(tbl))
		if err != nil {
			L.ArgError(3, "params: "+err.Error())
			return 0
		}
		data = raw
	}

	dev, ok := resolveDevice(e, target)
	if !ok {
		e.logger.Warn("device not found", "target", target)
		L.Push(lua.LNil)
		L.Push(lua.LString("device not found: " + target))
		return 2
	}
	cmd, err := e.cmd.Submit(dev.ID, service, data)
	if err != nil {
		e.logger.Warn("submit command", "target", target, "service", service, "err", err)
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(cmd.ID))
	return 1
}

// hue.devices() -> array of {id, name, model, kind, reachable, on}
func hueDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, dev := range e.devices.List() {
		d := L.NewTable()
		d.RawSetString("id", lua.LString(dev.ID))
		d.RawSetString("name", lua.LString(dev.Name))
		d.RawSetString("model", lua.LString(dev.Model))
		d.RawSetString("kind", lua.LString(dev.Kind.String()))
		d.RawSetString("reachable", lua.LBool(dev.State.Reachable))
		d.RawSetString("on", lua.LBool(dev.State.On))
		tbl.RawSetInt(i+1, d)
	}
	L.Push(tbl)
	return 1
}

// hue.state(target) -> last polled state table, or nil
func hueState(L *lua.LState, e *Engine) int {
	dev, ok := resolveDevice(e, L.CheckString(1))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	st := dev.State
	tbl := L.NewTable()
	tbl.RawSetString("id", lua.LString(dev.ID))
	tbl.RawSetString("name", lua.LString(dev.Name))
	tbl.RawSetString("reachable", lua.LBool(st.Reachable))
	tbl.RawSetString("on", lua.LBool(st.On))
	tbl.RawSetString("bri", lua.LNumber(st.Bri))
	tbl.RawSetString("hue", lua.LNumber(st.Hue))
	tbl.RawSetString("sat", lua.LNumber(st.Sat))
	tbl.RawSetString("ct", lua.LNumber(st.CT))
	if st.ColorMode != "" {
		tbl.RawSetString("colormode", lua.LString(st.ColorMode))
	}
	xy := L.NewTable()
	xy.Append(lua.LNumber(st.XY[0]))
	xy.Append(lua.LNumber(st.XY[1]))
	tbl.RawSetString("xy", xy)
	L.Push(tbl)
	return 1
}

// hue.after(seconds, callback)
func hueAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()
	return 0
}

// hue.log(msg)
func hueLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	msg := L.CheckString(1)
	if vm.logf != nil {
		vm.logf(msg)
	}
	e.logger.Info("script log", "msg", msg)
	return 0
}

// resolveDevice finds a device by id, then by case-insensitive name.
func resolveDevice(e *Engine, target string) (device.Snapshot, bool) {
	if dev, ok := e.devices.Get(target); ok {
		return dev, true
	}
	for _, dev := range e.devices.List() {
		if strings.EqualFold(dev.Name, target) {
			return dev, true
		}
	}
	return device.Snapshot{}, false
}
