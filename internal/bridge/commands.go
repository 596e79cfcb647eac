package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/standardbeagle/inspectbridge/internal/breakpoints"
	"github.com/standardbeagle/inspectbridge/internal/session"
)

type handlerFunc func(b *Bridge, ctx context.Context, params json.RawMessage) (any, error)

// commands maps frontend methods with a target translation.
var commands = map[string]handlerFunc{
	"Debugger.enable":               (*Bridge).debuggerEnable,
	"Debugger.pause":                (*Bridge).pause,
	"Debugger.resume":               step(""),
	"Debugger.stepOver":             step("next"),
	"Debugger.stepInto":             step("in"),
	"Debugger.stepOut":              step("out"),
	"Debugger.setBreakpointByUrl":   (*Bridge).setBreakpointByURL,
	"Debugger.setBreakpoint":        (*Bridge).setBreakpoint,
	"Debugger.removeBreakpoint":     (*Bridge).removeBreakpoint,
	"Debugger.setBreakpointsActive": (*Bridge).setBreakpointsActive,
	"Debugger.setPauseOnExceptions": (*Bridge).setPauseOnExceptions,
	"Debugger.getScriptSource":      (*Bridge).getScriptSource,
	"Debugger.setScriptSource":      (*Bridge).setScriptSource,
	"Debugger.restartFrame":         (*Bridge).restartFrame,
	"Debugger.continueToLocation":   (*Bridge).continueToLocation,
	"Debugger.evaluateOnCallFrame":  evaluate("Debugger.evaluateOnCallFrame"),
	"Runtime.evaluate":              evaluate("Runtime.evaluate"),
	"Runtime.getProperties":         (*Bridge).getProperties,
}

// noopCommands are acknowledged without touching the target.
var noopCommands = map[string]struct{}{
	"Debugger.disable":                {},
	"Debugger.setAsyncCallStackDepth": {},
	"Debugger.setBlackboxPatterns":    {},
	"Debugger.setSkipAllPauses":       {},
	"Inspector.enable":                {},
	"Runtime.enable":                  {},
	"Runtime.runIfWaitingForDebugger": {},
	"Runtime.releaseObjectGroup":      {},
	"Profiler.enable":                 {},
}

// evaluateMode is the wire shape of one frontend evaluate command. Frame and
// global evaluation are mutually exclusive on the target.
type evaluateMode struct {
	frame bool
}

var evaluateModes = map[string]evaluateMode{
	"Runtime.evaluate":             {frame: false},
	"Debugger.evaluateOnCallFrame": {frame: true},
}

type evaluateArgs struct {
	Expression   string `json:"expression"`
	Frame        *int   `json:"frame,omitempty"`
	Global       bool   `json:"global,omitempty"`
	DisableBreak bool   `json:"disable_break"`
}

type evaluateResult struct {
	Result    RemoteObject `json:"result"`
	WasThrown bool         `json:"wasThrown"`
}

func evaluate(method string) handlerFunc {
	mode := evaluateModes[method]
	return func(b *Bridge, ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Expression  string `json:"expression"`
			CallFrameID string `json:"callFrameId"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}

		args := evaluateArgs{Expression: p.Expression, DisableBreak: true}
		if mode.frame {
			n, err := strconv.Atoi(p.CallFrameID)
			if err != nil {
				return nil, invalidParams("invalid callFrameId %q", p.CallFrameID)
			}
			args.Frame = &n
		} else {
			args.Global = true
		}

		resp, err := b.s.Call(ctx, "evaluate", args)
		var perr *session.ProtocolError
		if errors.As(err, &perr) {
			return evaluateResult{
				Result: RemoteObject{
					Type:        "object",
					Subtype:     "error",
					ClassName:   "Error",
					Description: perr.Message,
				},
				WasThrown: true,
			}, nil
		}
		if err != nil {
			return nil, err
		}
		refs := newRefTable(resp.Refs)
		return evaluateResult{Result: refs.remoteObject(gjson.ParseBytes(resp.Body))}, nil
	}
}

func step(action string) handlerFunc {
	return func(b *Bridge, ctx context.Context, _ json.RawMessage) (any, error) {
		var args any
		if action != "" {
			args = map[string]any{"stepaction": action, "stepcount": 1}
		}
		if _, err := b.s.Request(ctx, "continue", args); err != nil {
			return nil, err
		}
		b.sendResumed()
		return nil, nil
	}
}

func (b *Bridge) debuggerEnable(ctx context.Context, _ json.RawMessage) (any, error) {
	body, err := b.s.Request(ctx, "scripts", map[string]any{"types": 4, "includeSource": false})
	if err != nil {
		return nil, err
	}
	gjson.ParseBytes(body).ForEach(func(_, v gjson.Result) bool {
		if s, ok := b.scripts.add(v); ok {
			b.forward("Debugger.scriptParsed", mustJSON(s.scriptParsedParams()))
		}
		return true
	})

	if _, err := b.bp.Resync(ctx); err != nil {
		log.Printf("[bridge] breakpoint resync: %v", err)
	}
	if b.s.State() == session.RunStatePaused {
		b.spawn(func() { b.sendPaused(b.ctx, "other", nil, nil) })
	}
	b.spawn(func() { b.injectAgents(b.ctx) })
	return nil, nil
}

func (b *Bridge) pause(ctx context.Context, _ json.RawMessage) (any, error) {
	if _, err := b.s.Request(ctx, "suspend", nil); err != nil {
		return nil, err
	}
	if b.s.State() == session.RunStatePaused {
		b.spawn(func() { b.sendPaused(b.ctx, "other", nil, nil) })
	}
	return nil, nil
}

type locationParams struct {
	ScriptID     string `json:"scriptId"`
	LineNumber   int    `json:"lineNumber"`
	ColumnNumber int    `json:"columnNumber"`
}

func (b *Bridge) setBreakpointByURL(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		LineNumber   int     `json:"lineNumber"`
		ColumnNumber int     `json:"columnNumber"`
		URL          string  `json:"url"`
		URLRegex     *string `json:"urlRegex"`
		Condition    string  `json:"condition"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.URLRegex != nil {
		return nil, invalidParams("setBreakpointByUrl using urlRegex is not supported")
	}
	if p.URL == "" {
		return nil, invalidParams("url is required")
	}

	name := scriptName(p.URL)
	bp, err := b.bp.SetAt(ctx, name, breakpoints.LineFromZeroBased(p.LineNumber), p.ColumnNumber, true, p.Condition)
	if err != nil {
		return nil, err
	}

	locations := []Location{}
	if id, ok := b.scripts.idForName(name); ok {
		locations = append(locations, Location{ScriptID: id, LineNumber: bp.ZeroBasedLine(), ColumnNumber: bp.Column})
	}
	return map[string]any{"breakpointId": bp.ID(), "locations": locations}, nil
}

func (b *Bridge) setBreakpoint(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Location  locationParams `json:"location"`
		Condition string         `json:"condition"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	script, ok := b.scripts.get(p.Location.ScriptID)
	if !ok {
		return nil, invalidParams("unknown script %q", p.Location.ScriptID)
	}

	bp, err := b.bp.SetAt(ctx, script.Name, breakpoints.LineFromZeroBased(p.Location.LineNumber), p.Location.ColumnNumber, true, p.Condition)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"breakpointId":   bp.ID(),
		"actualLocation": Location{ScriptID: script.ID, LineNumber: bp.ZeroBasedLine(), ColumnNumber: bp.Column},
	}, nil
}

func (b *Bridge) removeBreakpoint(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		BreakpointID string `json:"breakpointId"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := b.bp.RemoveByID(ctx, p.BreakpointID); err != nil {
		if errors.Is(err, breakpoints.ErrNotFound) {
			return nil, invalidParams("unknown breakpoint %q", p.BreakpointID)
		}
		return nil, err
	}
	return nil, nil
}

func (b *Bridge) setBreakpointsActive(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Active bool `json:"active"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, b.bp.SetActive(ctx, p.Active)
}

// exceptionBreakTypes are the target's independent exception break switches.
var exceptionBreakTypes = []string{"all", "uncaught"}

func (b *Bridge) setPauseOnExceptions(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		State string `json:"state"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	switch p.State {
	case "none", "uncaught", "all":
	default:
		return nil, invalidParams("invalid pause on exceptions state %q", p.State)
	}

	for _, typ := range exceptionBreakTypes {
		_, err := b.s.Request(ctx, "setexceptionbreak", map[string]any{
			"type":    typ,
			"enabled": p.State == typ,
		})
		if err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (b *Bridge) getScriptSource(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		ScriptID string `json:"scriptId"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	id, err := strconv.Atoi(p.ScriptID)
	if err != nil {
		return nil, invalidParams("invalid scriptId %q", p.ScriptID)
	}

	body, err := b.s.Request(ctx, "scripts", map[string]any{
		"includeSource": true,
		"types":         4,
		"ids":           []int{id},
	})
	if err != nil {
		return nil, err
	}
	src := gjson.GetBytes(body, "0.source")
	if !src.Exists() {
		return nil, invalidParams("no source for script %s", p.ScriptID)
	}
	return map[string]any{"scriptSource": src.String()}, nil
}

func (b *Bridge) setScriptSource(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		ScriptID     string `json:"scriptId"`
		ScriptSource string `json:"scriptSource"`
		DryRun       bool   `json:"dryRun"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	id, err := strconv.Atoi(p.ScriptID)
	if err != nil {
		return nil, invalidParams("invalid scriptId %q", p.ScriptID)
	}

	body, err := b.s.Request(ctx, "changelive", map[string]any{
		"script_id":    id,
		"new_source":   p.ScriptSource,
		"preview_only": p.DryRun,
	})
	if err != nil {
		return nil, err
	}
	result := gjson.GetBytes(body, "result")

	frames := []CallFrame{}
	if result.Get("stack_modified").Bool() && !result.Get("stack_update_needs_step_in").Bool() {
		if resp, err := b.s.Call(ctx, "backtrace", map[string]any{"inlineRefs": true}); err == nil {
			frames = callFrames(resp.Body, resp.Refs)
		}
	}

	if !p.DryRun {
		b.spawn(func() {
			if _, err := b.bp.Resync(b.ctx); err != nil {
				log.Printf("[bridge] resync after live edit: %v", err)
			}
		})
		b.persistLiveEdit(p.ScriptID, p.ScriptSource)
	}

	out := map[string]any{"callFrames": frames}
	if result.Exists() {
		out["result"] = json.RawMessage(result.Raw)
	}
	return out, nil
}

func (b *Bridge) persistLiveEdit(scriptID, source string) {
	const prefix = "Cannot save changes to disk: "
	if !b.cfg.SaveLiveEdit {
		b.consoleMessage("warning", prefix+"saving live edits is disabled by configuration")
		return
	}
	script, ok := b.scripts.get(scriptID)
	if !ok || !filepath.IsAbs(script.Name) {
		b.consoleMessage("warning", fmt.Sprintf("%sscript %s was not loaded from a file", prefix, scriptID))
		return
	}
	info, err := os.Stat(script.Name)
	if err != nil {
		b.consoleMessage("warning", prefix+err.Error())
		return
	}
	if err := os.WriteFile(script.Name, []byte(source), info.Mode().Perm()); err != nil {
		b.consoleMessage("warning", prefix+err.Error())
	}
}

func (b *Bridge) restartFrame(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		CallFrameID string `json:"callFrameId"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	frame, err := strconv.Atoi(p.CallFrameID)
	if err != nil {
		return nil, invalidParams("invalid callFrameId %q", p.CallFrameID)
	}

	body, err := b.s.Request(ctx, "restartframe", map[string]int{"frame": frame})
	if err != nil {
		return nil, err
	}
	result := gjson.GetBytes(body, "result")
	out := map[string]any{"callFrames": []CallFrame{}}
	if result.Exists() {
		out["result"] = json.RawMessage(result.Raw)
	}

	if result.Get("stack_update_needs_step_in").Bool() {
		if _, err := b.s.Request(ctx, "continue", map[string]any{"stepaction": "in"}); err != nil {
			return nil, err
		}
		return out, nil
	}

	resp, err := b.s.Call(ctx, "backtrace", map[string]any{"inlineRefs": true})
	if err != nil {
		return nil, err
	}
	out["callFrames"] = callFrames(resp.Body, resp.Refs)
	return out, nil
}

// continueToLocation uses a one-shot target breakpoint that the break handler
// clears when it is hit. It is not recorded in the breakpoint table.
func (b *Bridge) continueToLocation(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Location locationParams `json:"location"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	scriptID, err := strconv.Atoi(p.Location.ScriptID)
	if err != nil {
		return nil, invalidParams("invalid scriptId %q", p.Location.ScriptID)
	}

	b.clearTempBreakpoint(ctx)

	body, err := b.s.Request(ctx, "setbreakpoint", map[string]any{
		"type":    "scriptId",
		"target":  scriptID,
		"line":    p.Location.LineNumber,
		"column":  p.Location.ColumnNumber,
		"enabled": true,
	})
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.tempBreak = int(gjson.GetBytes(body, "breakpoint").Int())
	b.mu.Unlock()

	if _, err := b.s.Request(ctx, "continue", nil); err != nil {
		return nil, err
	}
	b.sendResumed()
	return nil, nil
}

func (b *Bridge) clearTempBreakpoint(ctx context.Context) {
	b.mu.Lock()
	id := b.tempBreak
	b.tempBreak = 0
	b.mu.Unlock()
	if id == 0 {
		return
	}
	if _, err := b.s.Request(ctx, "clearbreakpoint", map[string]int{"breakpoint": id}); err != nil {
		log.Printf("[bridge] clear continue-to-location breakpoint #%d: %v", id, err)
	}
}

func (b *Bridge) getProperties(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		ObjectID string `json:"objectId"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	if frame, index, ok := parseScopeObjectID(p.ObjectID); ok {
		resp, err := b.s.Call(ctx, "scope", map[string]any{
			"number":      index,
			"frameNumber": frame,
			"inlineRefs":  true,
		})
		if err != nil {
			return nil, err
		}
		refs := newRefTable(resp.Refs)
		return map[string]any{"result": refs.properties(gjson.GetBytes(resp.Body, "object"))}, nil
	}

	handle, err := strconv.ParseInt(p.ObjectID, 10, 64)
	if err != nil {
		return nil, invalidParams("invalid objectId %q", p.ObjectID)
	}
	resp, err := b.s.Call(ctx, "lookup", map[string]any{
		"handles":       []int64{handle},
		"includeSource": false,
		"inlineRefs":    true,
	})
	if err != nil {
		return nil, err
	}
	refs := newRefTable(resp.Refs)
	obj := gjson.GetBytes(resp.Body, strconv.FormatInt(handle, 10))
	return map[string]any{"result": refs.properties(obj)}, nil
}

func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return invalidParams("invalid params: %v", err)
	}
	return nil
}
