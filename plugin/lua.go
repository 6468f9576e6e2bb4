package plugin

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	lua "github.com/yuin/gopher-lua"

	"github.com/sto/imaproxy/proxy"
)

// Structs

// LuaPlugin wraps one user-supplied Lua script as a proxy plugin. The
// script is run once at load time and must return a table of the form
//
//	return {
//	  name   = "myplugin",
//	  client = { LIST = function(ev) ... end },
//	  server = { CAPABILITY = function(ev) ... end },
//	}
//
// Handlers receive an event table with seq, command and data fields
// and may set ev.result (replacement bytes) or ev.write = false.
type LuaPlugin struct {
	logger log.Logger
	name   string

	// One interpreter per script. Events of a single session are
	// serial, but sessions are not, hence the lock.
	mu    sync.Mutex
	state *lua.LState

	client map[string]lua.LValue
	server map[string]lua.LValue
}

// Functions

// LoadLuaDir loads every *.lua file of dir as a plugin. A script that
// fails to load is logged and skipped; the remaining plugins proceed.
func LoadLuaDir(dir string, logger log.Logger) []*LuaPlugin {

	files, err := filepath.Glob(filepath.Join(dir, "*.lua"))
	if err != nil || len(files) == 0 {
		return nil
	}

	var plugins []*LuaPlugin

	for _, file := range files {

		p, err := loadLuaFile(file, logger)
		if err != nil {
			level.Error(logger).Log("msg", "failed to load plugin", "file", file, "err", err)
			continue
		}

		plugins = append(plugins, p)
	}

	return plugins
}

func loadLuaFile(file string, logger log.Logger) (*LuaPlugin, error) {

	L := lua.NewState()

	if err := L.DoFile(file); err != nil {
		L.Close()
		return nil, err
	}

	ret, ok := L.Get(-1).(*lua.LTable)
	if !ok {
		L.Close()
		return nil, errNoPluginTable
	}
	L.Pop(1)

	p := &LuaPlugin{
		logger: logger,
		name:   strings.TrimSuffix(filepath.Base(file), ".lua"),
		state:  L,
		client: handlerMap(L.GetField(ret, "client")),
		server: handlerMap(L.GetField(ret, "server")),
	}

	if name := L.GetField(ret, "name"); name != lua.LNil {
		p.name = name.String()
	}

	return p, nil
}

// Name implements proxy.Plugin.
func (p *LuaPlugin) Name() string {
	return p.name
}

// Attach implements proxy.Plugin.
func (p *LuaPlugin) Attach(session *proxy.Session, clientBus *proxy.Bus, serverBus *proxy.Bus) {

	for command, fn := range p.client {
		fn := fn
		clientBus.On(command, func(ev *proxy.Event) {
			p.call(fn, ev)
		})
	}

	for command, fn := range p.server {
		fn := fn
		serverBus.On(command, func(ev *proxy.Event) {
			p.call(fn, ev)
		})
	}
}

// call hands one event to a Lua handler and copies any mutation of
// result and write back onto the event.
func (p *LuaPlugin) call(fn lua.LValue, ev *proxy.Event) {

	p.mu.Lock()
	defer p.mu.Unlock()

	L := p.state

	tbl := L.NewTable()
	L.SetField(tbl, "seq", lua.LString(ev.Seq))
	L.SetField(tbl, "command", lua.LString(ev.Command))
	L.SetField(tbl, "data", lua.LString(ev.Data))
	L.SetField(tbl, "write", lua.LBool(ev.Write))

	err := L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}, tbl)
	if err != nil {
		level.Error(p.logger).Log("msg", "plugin handler failed", "plugin", p.name, "err", err)
		return
	}

	if result := L.GetField(tbl, "result"); result != lua.LNil {
		ev.Result = []byte(result.String())
	}
	if write := L.GetField(tbl, "write"); write == lua.LFalse {
		ev.Write = false
	}
}

// handlerMap converts a Lua handler table into a command-to-function
// map, ignoring non-function values.
func handlerMap(v lua.LValue) map[string]lua.LValue {

	handlers := make(map[string]lua.LValue)

	tbl, ok := v.(*lua.LTable)
	if !ok {
		return handlers
	}

	tbl.ForEach(func(key lua.LValue, value lua.LValue) {
		if _, ok := value.(*lua.LFunction); ok {
			handlers[strings.ToUpper(key.String())] = value
		}
	})

	return handlers
}

// errNoPluginTable is returned for a script that does not return a
// plugin table.
var errNoPluginTable = errors.New("plugin script did not return a plugin table")
