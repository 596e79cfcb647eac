package bridge

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// RemoteObject is the frontend's view of a target value.
type RemoteObject struct {
	Type        string          `json:"type"`
	Subtype     string          `json:"subtype,omitempty"`
	ClassName   string          `json:"className,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	Description string          `json:"description,omitempty"`
	ObjectID    string          `json:"objectId,omitempty"`
}

// Location is a 0-based position in a script.
type Location struct {
	ScriptID     string `json:"scriptId"`
	LineNumber   int    `json:"lineNumber"`
	ColumnNumber int    `json:"columnNumber"`
}

// Scope is one entry of a call frame's scope chain.
type Scope struct {
	Type   string       `json:"type"`
	Object RemoteObject `json:"object"`
}

// CallFrame is one frame of a paused stack.
type CallFrame struct {
	CallFrameID  string       `json:"callFrameId"`
	FunctionName string       `json:"functionName"`
	Location     Location     `json:"location"`
	ScopeChain   []Scope      `json:"scopeChain"`
	This         RemoteObject `json:"this"`
}

// PropertyDescriptor is one property returned by Runtime.getProperties.
type PropertyDescriptor struct {
	Name         string       `json:"name"`
	Value        RemoteObject `json:"value"`
	Writable     bool         `json:"writable"`
	Configurable bool         `json:"configurable"`
	Enumerable   bool         `json:"enumerable"`
	IsOwn        bool         `json:"isOwn"`
}

// refTable resolves target handles carried in a response's refs.
type refTable map[int64]gjson.Result

func newRefTable(refs ...[]byte) refTable {
	t := make(refTable)
	for _, raw := range refs {
		gjson.ParseBytes(raw).ForEach(func(_, v gjson.Result) bool {
			if h := v.Get("handle"); h.Exists() {
				t[h.Int()] = v
			}
			return true
		})
	}
	return t
}

// resolve follows a {ref: N} stub to the full value if refs carry it.
func (t refTable) resolve(v gjson.Result) gjson.Result {
	if v.Get("type").Exists() {
		return v
	}
	if ref := v.Get("ref"); ref.Exists() {
		if full, ok := t[ref.Int()]; ok {
			return full
		}
	}
	return v
}

// remoteObject converts a target value mirror.
func (t refTable) remoteObject(v gjson.Result) RemoteObject {
	v = t.resolve(v)
	handle := v.Get("handle")
	if !handle.Exists() {
		handle = v.Get("ref")
	}

	switch typ := v.Get("type").String(); typ {
	case "undefined":
		return RemoteObject{Type: "undefined", Description: "undefined"}
	case "null":
		return RemoteObject{Type: "object", Subtype: "null", Value: json.RawMessage("null"), Description: "null"}
	case "boolean", "number":
		return RemoteObject{Type: typ, Value: rawValue(v), Description: describe(v)}
	case "string":
		return RemoteObject{Type: "string", Value: rawValue(v), Description: v.Get("value").String()}
	case "function":
		name := v.Get("name").String()
		if name == "" {
			name = v.Get("inferredName").String()
		}
		return RemoteObject{
			Type:        "function",
			ClassName:   "Function",
			Description: fmt.Sprintf("function %s()", name),
			ObjectID:    handle.String(),
		}
	case "object", "regexp", "error", "date", "promise", "map", "set":
		class := v.Get("className").String()
		obj := RemoteObject{
			Type:        "object",
			ClassName:   class,
			Description: class,
			ObjectID:    handle.String(),
		}
		switch {
		case typ == "regexp":
			obj.Subtype, obj.Description = "regexp", v.Get("text").String()
		case typ == "error":
			obj.Subtype, obj.Description = "error", v.Get("text").String()
		case typ == "date":
			obj.Subtype, obj.Description = "date", v.Get("value").String()
		case class == "Array":
			obj.Subtype = "array"
			obj.Description = fmt.Sprintf("Array[%d]", arrayLength(v))
		}
		if obj.Description == "" {
			obj.Description = v.Get("text").String()
		}
		return obj
	default:
		return RemoteObject{Type: "undefined", Description: v.Get("text").String()}
	}
}

func rawValue(v gjson.Result) json.RawMessage {
	val := v.Get("value")
	if !val.Exists() {
		return nil
	}
	return json.RawMessage(val.Raw)
}

func describe(v gjson.Result) string {
	if text := v.Get("text"); text.Exists() {
		return text.String()
	}
	return v.Get("value").String()
}

func arrayLength(v gjson.Result) int {
	n := 0
	v.Get("properties").ForEach(func(_, p gjson.Result) bool {
		if _, err := strconv.Atoi(p.Get("name").String()); err == nil {
			n++
		}
		return true
	})
	return n
}

var scopeTypes = map[int64]string{
	0: "global",
	1: "local",
	2: "with",
	3: "closure",
	4: "catch",
	5: "block",
	6: "script",
}

// scopeObjectID names a frame scope so getProperties can fetch it later.
func scopeObjectID(frame, index int64) string {
	return fmt.Sprintf("scope:%d:%d", frame, index)
}

func parseScopeObjectID(id string) (frame, index int64, ok bool) {
	rest, found := strings.CutPrefix(id, "scope:")
	if !found {
		return 0, 0, false
	}
	f, i, found := strings.Cut(rest, ":")
	if !found {
		return 0, 0, false
	}
	fn, err1 := strconv.ParseInt(f, 10, 64)
	in, err2 := strconv.ParseInt(i, 10, 64)
	return fn, in, err1 == nil && err2 == nil
}

// callFrames converts a backtrace body into frontend call frames.
func callFrames(body, refs []byte) []CallFrame {
	t := newRefTable(refs)
	frames := []CallFrame{}
	gjson.GetBytes(body, "frames").ForEach(func(_, f gjson.Result) bool {
		index := f.Get("index").Int()
		fn := t.resolve(f.Get("func"))

		name := fn.Get("name").String()
		if name == "" {
			name = fn.Get("inferredName").String()
		}

		scriptID := fn.Get("scriptId").String()
		if scriptID == "" {
			scriptID = t.resolve(f.Get("script")).Get("id").String()
		}

		frame := CallFrame{
			CallFrameID:  strconv.FormatInt(index, 10),
			FunctionName: name,
			Location: Location{
				ScriptID:     scriptID,
				LineNumber:   int(f.Get("line").Int()),
				ColumnNumber: int(f.Get("column").Int()),
			},
			ScopeChain: []Scope{},
			This:       t.remoteObject(f.Get("receiver")),
		}
		f.Get("scopes").ForEach(func(_, s gjson.Result) bool {
			si := s.Get("index").Int()
			frame.ScopeChain = append(frame.ScopeChain, Scope{
				Type: scopeTypes[s.Get("type").Int()],
				Object: RemoteObject{
					Type:        "object",
					ClassName:   "Object",
					Description: "Object",
					ObjectID:    scopeObjectID(index, si),
				},
			})
			return true
		})
		frames = append(frames, frame)
		return true
	})
	return frames
}

// properties converts an object mirror's property list.
func (t refTable) properties(obj gjson.Result) []PropertyDescriptor {
	obj = t.resolve(obj)
	out := []PropertyDescriptor{}
	obj.Get("properties").ForEach(func(_, p gjson.Result) bool {
		value := p.Get("value")
		if !value.Exists() {
			value = p
		}
		attrs := p.Get("attributes").Int()
		out = append(out, PropertyDescriptor{
			Name:         p.Get("name").String(),
			Value:        t.remoteObject(value),
			Writable:     attrs&1 == 0,
			Enumerable:   attrs&2 == 0,
			Configurable: attrs&4 == 0,
			IsOwn:        true,
		})
		return true
	})
	return out
}

// scriptURL turns a target script name into a frontend URL. Absolute file
// paths become file URLs; anything else passes through.
func scriptURL(name string) string {
	switch {
	case name == "":
		return ""
	case strings.HasPrefix(name, "/"):
		return (&url.URL{Scheme: "file", Path: name}).String()
	case filepath.VolumeName(name) != "" || (len(name) > 2 && name[1] == ':' && (name[2] == '\\' || name[2] == '/')):
		return (&url.URL{Scheme: "file", Path: "/" + strings.ReplaceAll(name, `\`, "/")}).String()
	default:
		return name
	}
}

// scriptName is the inverse of scriptURL.
func scriptName(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Scheme != "file" {
		return u
	}
	p := parsed.Path
	if len(p) > 3 && p[0] == '/' && p[2] == ':' {
		return strings.ReplaceAll(p[1:], "/", `\`)
	}
	return p
}
