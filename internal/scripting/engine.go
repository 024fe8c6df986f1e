package scripting

import (
	"fmt"
	"os"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Engine wraps a single gopher-lua VM holding the spawn placement policy.
// Single-goroutine access only (game loop).
type Engine struct {
	vm  *lua.LState
	log *zap.Logger
}

// NewEngine creates a Lua engine and loads all scripts from the given directory.
func NewEngine(scriptsDir string, log *zap.Logger) (*Engine, error) {
	vm := lua.NewState(lua.Options{
		SkipOpenLibs: false,
	})

	vm.SetGlobal("API_VERSION", lua.LNumber(1))

	e := &Engine{vm: vm, log: log}

	for _, sub := range []string{"core", "spawn"} {
		p := filepath.Join(scriptsDir, sub)
		if err := e.loadDir(p); err != nil {
			vm.Close()
			return nil, fmt.Errorf("load %s scripts: %w", sub, err)
		}
	}

	return e, nil
}

// loadDir loads all .lua files in a directory.
func (e *Engine) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // skip missing dirs
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := e.vm.DoFile(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		e.log.Debug("loaded lua script", zap.String("file", path))
	}
	return nil
}

// SpawnCandidate is one settlement offered to the placement policy.
type SpawnCandidate struct {
	ID     string
	Kind   string
	Weight int
	X, Y   float32
}

// SpawnContext holds pre-packed data for a spawn placement decision.
type SpawnContext struct {
	Name       string
	Culture    string
	IsFemale   bool
	Seed       int // stable per player name
	Candidates []SpawnCandidate
}

// SpawnChoice is returned by the Lua placement function.
type SpawnChoice struct {
	Index  int // into SpawnContext.Candidates
	DX, DY float32
}

// SelectSpawn calls the Lua select_spawn_settlement function. When the
// function is missing or fails, the first candidate with positive weight
// is used. ok is false only when there is nothing to choose from.
func (e *Engine) SelectSpawn(ctx SpawnContext) (SpawnChoice, bool) {
	fallback, ok := firstWeighted(ctx.Candidates)
	if !ok {
		return SpawnChoice{}, false
	}

	fn := e.vm.GetGlobal("select_spawn_settlement")
	if fn == lua.LNil {
		e.log.Warn("lua function select_spawn_settlement not found")
		return SpawnChoice{Index: fallback}, true
	}

	t := e.vm.NewTable()
	t.RawSetString("name", lua.LString(ctx.Name))
	t.RawSetString("culture", lua.LString(ctx.Culture))
	t.RawSetString("is_female", lua.LBool(ctx.IsFemale))
	t.RawSetString("seed", lua.LNumber(ctx.Seed))

	cands := e.vm.NewTable()
	for _, c := range ctx.Candidates {
		ct := e.vm.NewTable()
		ct.RawSetString("id", lua.LString(c.ID))
		ct.RawSetString("kind", lua.LString(c.Kind))
		ct.RawSetString("weight", lua.LNumber(c.Weight))
		ct.RawSetString("x", lua.LNumber(c.X))
		ct.RawSetString("y", lua.LNumber(c.Y))
		cands.Append(ct)
	}
	t.RawSetString("candidates", cands)

	if err := e.vm.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, t); err != nil {
		e.log.Error("lua select_spawn_settlement error", zap.Error(err))
		return SpawnChoice{Index: fallback}, true
	}

	result := e.vm.Get(-1)
	e.vm.Pop(1)

	rt, ok := result.(*lua.LTable)
	if !ok {
		e.log.Error("lua select_spawn_settlement returned non-table")
		return SpawnChoice{Index: fallback}, true
	}

	idx := lInt(rt, "index") - 1 // Lua is 1-based
	if idx < 0 || idx >= len(ctx.Candidates) {
		e.log.Warn("lua select_spawn_settlement index out of range", zap.Int("index", idx+1))
		return SpawnChoice{Index: fallback}, true
	}
	return SpawnChoice{
		Index: idx,
		DX:    float32(lua.LVAsNumber(rt.RawGetString("dx"))),
		DY:    float32(lua.LVAsNumber(rt.RawGetString("dy"))),
	}, true
}

func firstWeighted(cands []SpawnCandidate) (int, bool) {
	for i, c := range cands {
		if c.Weight > 0 {
			return i, true
		}
	}
	if len(cands) > 0 {
		return 0, true
	}
	return 0, false
}

func lInt(t *lua.LTable, key string) int {
	return int(lua.LVAsNumber(t.RawGetString(key)))
}

// Close shuts down the Lua VM.
func (e *Engine) Close() {
	e.vm.Close()
}
