package bridge

import (
	"strconv"
	"sync"

	"github.com/tidwall/gjson"
)

// Script is a compiled script the frontend has been told about.
type Script struct {
	ID          string
	Name        string
	StartLine   int
	StartColumn int
	EndLine     int
}

// scriptParsedParams is the Debugger.scriptParsed payload.
func (s Script) scriptParsedParams() map[string]any {
	return map[string]any{
		"scriptId":        s.ID,
		"url":             scriptURL(s.Name),
		"startLine":       s.StartLine,
		"startColumn":     s.StartColumn,
		"endLine":         s.EndLine,
		"endColumn":       0,
		"isContentScript": false,
	}
}

type scriptRegistry struct {
	mu     sync.Mutex
	byID   map[string]Script
	byName map[string]string
}

func newScriptRegistry() *scriptRegistry {
	return &scriptRegistry{
		byID:   make(map[string]Script),
		byName: make(map[string]string),
	}
}

// add records a script mirror. Unnamed scripts (eval, Function) are skipped.
func (r *scriptRegistry) add(v gjson.Result) (Script, bool) {
	name := v.Get("name").String()
	id := v.Get("id")
	if name == "" || !id.Exists() {
		return Script{}, false
	}
	start := int(v.Get("lineOffset").Int())
	s := Script{
		ID:          strconv.FormatInt(id.Int(), 10),
		Name:        name,
		StartLine:   start,
		StartColumn: int(v.Get("columnOffset").Int()),
		EndLine:     start + int(v.Get("lineCount").Int()),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[s.ID] = s
	r.byName[name] = s.ID
	return s, true
}

func (r *scriptRegistry) get(id string) (Script, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	return s, ok
}

func (r *scriptRegistry) idForName(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byName[name]
	return id, ok
}

func (r *scriptRegistry) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = make(map[string]Script)
	r.byName = make(map[string]string)
}
