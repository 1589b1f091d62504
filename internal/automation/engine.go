//go:build !no_automation

// Package automation runs user Lua scripts that react to entity updates and
// command entities through the hub.
package automation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"hass-sync/internal/hub"
)

const (
	// Bounds one-shot runs started from the API.
	runTimeout = 5 * time.Second
	// Bounds each upstream call a script makes.
	callTimeout = 5 * time.Second
	// Pending callbacks per VM before events are dropped.
	vmQueueSize = 64
)

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaEventHandler is a Lua callback registered for one event type.
type luaEventHandler struct {
	eventType string
	entityID  string // empty matches any entity
	fn        *lua.LFunction
}

// scriptVM is a running Lua VM for a single script. All access to state goes
// through commands, drained by one goroutine.
type scriptVM struct {
	id       string
	state    *lua.LState
	commands chan func(*lua.LState)
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers

	// logf overrides hass.log output; used by one-shot runs.
	logf func(string)
}

// Engine manages Lua VMs and dispatches hub events to scripts.
type Engine struct {
	hub     *hub.Hub
	manager *Manager
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

// NewEngine creates a new automation engine.
func NewEngine(h *hub.Hub, mgr *Manager, logger *slog.Logger) *Engine {
	return &Engine{
		hub:     h,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		now:     time.Now,
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to the hub events and loads all enabled scripts.
func (e *Engine) Start() {
	e.unsub = e.hub.Events().OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.mu.Lock()
	n := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", n)
}

// Stop cancels all VMs and unsubscribes from the hub.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.logger.Info("automation engine stopped")
}

// Running returns the ids of scripts with a live VM.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	return ids
}

// ReloadScript stops the old VM (if any) and starts a new one when the
// script is enabled.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script VM.
func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// RunScript executes a saved script once in a temporary VM.
func (e *Engine) RunScript(id string) *RunResult {
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{OK: false, Error: err.Error(), Duration: "0s"}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes code in a temporary VM. Every handler the code
// registers is then invoked once with an event built from the entity's
// current state, so its actions really run.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	var (
		logMu sync.Mutex
		logs  []string
	)
	vm := &scriptVM{
		id:       "_run",
		commands: make(chan func(*lua.LState), vmQueueSize),
		ctx:      ctx,
		cancel:   cancel,
		logf: func(msg string) {
			logMu.Lock()
			logs = append(logs, msg)
			logMu.Unlock()
		},
	}
	L := e.newState(vm)
	defer L.Close()
	L.SetContext(ctx)

	result := func(err error) *RunResult {
		logMu.Lock()
		defer logMu.Unlock()
		r := &RunResult{OK: err == nil, Logs: logs, Duration: time.Since(start).String()}
		if err != nil {
			r.Error = err.Error()
			if strings.Contains(r.Error, "context deadline exceeded") {
				r.Error = fmt.Sprintf("timeout (%s)", runTimeout)
			}
		}
		return r
	}

	if err := L.DoString(code); err != nil {
		e.logger.Warn("run script", "err", err)
		return result(err)
	}

	vm.mu.Lock()
	handlers := append([]luaEventHandler(nil), vm.handlers...)
	vm.mu.Unlock()

	for _, h := range handlers {
		ev := hub.EntityEvent{EntityID: h.entityID, Origin: "run", At: e.now()}
		if c, err := e.hub.Get(h.entityID); err == nil {
			rec := c.Current()
			ev.State = &rec
			ev.Kind = c.Kind()
			ev.FriendlyName = c.FriendlyName()
		}
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true},
			eventTable(L, hub.Event{Type: h.eventType, Data: ev})); err != nil {
			return result(err)
		}
	}
	return result(nil)
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	vm := &scriptVM{
		id:       s.ID,
		commands: make(chan func(*lua.LState), vmQueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	L := e.newState(vm)

	// Top-level code registers handlers.
	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// newState creates a sandboxed Lua state with the script modules installed.
func (e *Engine) newState(vm *scriptVM) *lua.LState {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	vm.state = L
	registerHassModule(L, vm, e)
	registerSystemModule(L, vm, e)
	return L
}

// dispatchEvent queues matching Lua handlers on their VM. It never blocks:
// a VM whose queue is full misses the event.
func (e *Engine) dispatchEvent(event hub.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		if vm.ctx.Err() != nil {
			continue
		}
		vm.mu.Lock()
		handlers := append([]luaEventHandler(nil), vm.handlers...)
		vm.mu.Unlock()

		for _, h := range handlers {
			if !matchesHandler(h, event) {
				continue
			}
			fn := h.fn
			select {
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, vm, fn, event) }:
			default:
				e.logger.Warn("script queue full, dropping event", "id", vm.id, "type", event.Type)
			}
		}
	}
}

func matchesHandler(h luaEventHandler, event hub.Event) bool {
	if h.eventType != event.Type {
		return false
	}
	if h.entityID == "" {
		return true
	}
	ev, ok := event.Data.(hub.EntityEvent)
	return ok && ev.EntityID == h.entityID
}

func (e *Engine) callHandler(L *lua.LState, vm *scriptVM, fn *lua.LFunction, event hub.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "id", vm.id, "err", r)
		}
	}()
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, eventTable(L, event)); err != nil {
		e.logger.Error("lua handler error", "id", vm.id, "err", err)
	}
}

// eventTable converts a hub event to the table passed to Lua handlers.
func eventTable(L *lua.LState, event hub.Event) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("type", lua.LString(event.Type))

	switch ev := event.Data.(type) {
	case hub.EntityEvent:
		t.RawSetString("entity_id", lua.LString(ev.EntityID))
		setString(t, "origin", ev.Origin)
		setString(t, "kind", string(ev.Kind))
		setString(t, "friendly_name", ev.FriendlyName)
		setString(t, "error", ev.Error)
		if ev.State != nil && !ev.State.IsZero() {
			t.RawSetString("state", lua.LString(ev.State.State()))
			t.RawSetString("attributes", goToLua(L, ev.State.Attributes()))
		}
		if event.Type == hub.EventEntityHistory {
			t.RawSetString("history_len", lua.LNumber(ev.HistoryLen))
			t.RawSetString("generated", lua.LBool(ev.Generated))
		}
	default:
		t.RawSetString("value", goToLua(L, ev))
	}
	return t
}

func setString(t *lua.LTable, key, v string) {
	if v != "" {
		t.RawSetString(key, lua.LString(v))
	}
}

// goToLua converts a decoded JSON value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaToGo converts a Lua value to its JSON-friendly Go counterpart. Tables
// with a non-empty array part become slices, others maps.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		if n := val.Len(); n > 0 {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, luaToGo(val.RawGetInt(i)))
			}
			return out
		}
		out := make(map[string]any)
		val.ForEach(func(k, vv lua.LValue) {
			out[k.String()] = luaToGo(vv)
		})
		return out
	default:
		return nil
	}
}
