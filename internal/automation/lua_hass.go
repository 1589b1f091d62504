//go:build !no_automation

package automation

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"

	"hass-sync/internal/hub"
)

const maxHandlersPerScript = 100

// registerHassModule installs the `hass` global table.
func registerHassModule(L *lua.LState, vm *scriptVM, e *Engine) {
	funcs := map[string]lua.LGFunction{
		"on":        func(L *lua.LState) int { return hassOn(L, vm) },
		"on_state":  func(L *lua.LState) int { return hassOnState(L, vm) },
		"state":     func(L *lua.LState) int { return hassState(L, e) },
		"attribute": func(L *lua.LState) int { return hassAttribute(L, e) },
		"is_on":     func(L *lua.LState) int { return hassIsOn(L, e) },
		"entities":  func(L *lua.LState) int { return hassEntities(L, e) },
		"call":      func(L *lua.LState) int { return hassCall(L, e) },
		"turn_on":   func(L *lua.LState) int { return hassOnOff(L, e, "turn_on") },
		"turn_off":  func(L *lua.LState) int { return hassOnOff(L, e, "turn_off") },
		"toggle":    func(L *lua.LState) int { return hassOnOff(L, e, "toggle") },
		"refresh":   func(L *lua.LState) int { return hassRefresh(L, e) },
		"after":     func(L *lua.LState) int { return hassAfter(L, vm, e) },
		"log":       func(L *lua.LState) int { return hassLog(L, vm, e) },
	}
	L.SetGlobal("hass", L.SetFuncs(L.NewTable(), funcs))
}

func addHandler(L *lua.LState, vm *scriptVM, h luaEventHandler) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return
	}
	vm.handlers = append(vm.handlers, h)
}

// hass.on(event_type, filter, fn); filter may carry entity_id.
func hassOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	filter := L.CheckTable(2)
	h.fn = L.CheckFunction(3)
	if v := filter.RawGetString("entity_id"); v != lua.LNil {
		h.entityID = v.String()
	}
	addHandler(L, vm, h)
	return 0
}

// hass.on_state(entity_id | "*", fn)
func hassOnState(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: hub.EventEntityState, entityID: L.CheckString(1), fn: L.CheckFunction(2)}
	if h.entityID == "*" {
		h.entityID = ""
	}
	addHandler(L, vm, h)
	return 0
}

// hass.state(entity_id) -> string | nil
func hassState(L *lua.LState, e *Engine) int {
	c, err := e.hub.Get(L.CheckString(1))
	if err != nil || c.Current().IsZero() {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(c.Current().State()))
	return 1
}

// hass.attribute(entity_id, key) -> value | nil
func hassAttribute(L *lua.LState, e *Engine) int {
	c, err := e.hub.Get(L.CheckString(1))
	key := L.CheckString(2)
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}
	v, ok := c.Current().Attribute(key)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(goToLua(L, v))
	return 1
}

// hass.is_on(entity_id) -> bool
func hassIsOn(L *lua.LState, e *Engine) int {
	c, err := e.hub.Get(L.CheckString(1))
	L.Push(lua.LBool(err == nil && c.IsOn()))
	return 1
}

// hass.entities() -> { {entity_id, name, kind, state}, ... }
func hassEntities(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, c := range e.hub.List() {
		d := L.NewTable()
		d.RawSetString("entity_id", lua.LString(c.EntityID()))
		d.RawSetString("name", lua.LString(c.FriendlyName()))
		d.RawSetString("kind", lua.LString(c.Kind()))
		d.RawSetString("type", lua.LString(c.TypeLabel()))
		if cur := c.Current(); !cur.IsZero() {
			d.RawSetString("state", lua.LString(cur.State()))
		}
		tbl.RawSetInt(i+1, d)
	}
	L.Push(tbl)
	return 1
}

// pushResult returns (true) or (false, message) to Lua.
func pushResult(L *lua.LState, e *Engine, what, entityID string, err error) int {
	if err != nil {
		e.logger.Warn(what+" failed", "entity", entityID, "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// hass.call(domain, action, entity_id [, data]) -> ok, err
func hassCall(L *lua.LState, e *Engine) int {
	domain := L.CheckString(1)
	action := L.CheckString(2)
	entityID := L.CheckString(3)
	var data map[string]any
	if tbl, ok := L.Get(4).(*lua.LTable); ok {
		data, _ = luaToGo(tbl).(map[string]any)
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return pushResult(L, e, "service call", entityID, e.hub.Command(ctx, entityID, domain, action, data))
}

// hass.turn_on/turn_off/toggle(entity_id) -> ok, err
func hassOnOff(L *lua.LState, e *Engine, action string) int {
	entityID := L.CheckString(1)
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return pushResult(L, e, action, entityID, e.hub.Command(ctx, entityID, "", action, nil))
}

// hass.refresh(entity_id) -> ok, err
func hassRefresh(L *lua.LState, e *Engine) int {
	entityID := L.CheckString(1)
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return pushResult(L, e, "refresh", entityID, e.hub.Refresh(ctx, entityID))
}

// hass.after(seconds, fn) runs fn on the script's VM once the delay elapsed.
func hassAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	delay := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}
		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "id", vm.id, "err", err)
			}
		}:
		default:
			e.logger.Warn("after: script queue full", "id", vm.id)
		}
	}()
	return 0
}

// hass.log(msg)
func hassLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	msg := L.CheckString(1)
	if vm.logf != nil {
		vm.logf(msg)
	}
	e.logger.Info("script log", "id", vm.id, "msg", msg)
	return 0
}
