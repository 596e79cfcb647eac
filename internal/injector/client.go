// Package injector loads agent modules into a live target.
//
// # Discovery
//
// The target's debugger protocol has no command for loading code. The client
// reaches the runtime's internal module loader by reflection instead: it
// evaluates an anchor function in the global context, asks the target for
// that function's closure scope, and picks the loader out of it. The loader
// is then used once to load a bootstrap file, which installs a debug-control
// facade on a fixed global.
//
// Discovery needs a paused target. If the target was running, the client
// suspends it first and resumes it afterwards with restartframe, stepping in
// when the target reports that the restart needs it.
//
// # Injection
//
// Each agent is loaded by a global evaluate that takes require and the facade
// from the fixed global and calls the agent as agent(require, debug, options).
// An agent that throws fails only its own inject call.
//
// Discovery and each module's injection are coalesced: concurrent callers
// share one in-flight operation and its outcome. Loads of different modules
// run one at a time, since each one evaluates on the shared target.
package injector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/singleflight"

	"github.com/standardbeagle/inspectbridge/internal/session"
)

var (
	// ErrUnsupportedRuntime means the module loader could not be found from
	// the anchor. Retrying will not help.
	ErrUnsupportedRuntime = errors.New("module loader not found: unsupported runtime version")
	// ErrNotPaused means the target did not confirm a pause after suspend.
	ErrNotPaused = errors.New("target not paused")
)

// DefaultGlobal is the global the bootstrap installs the facade on.
const DefaultGlobal = "__inspectbridge"

const pauseTimeout = 5 * time.Second

// AgentError is an agent whose top-level code threw while loading.
type AgentError struct {
	Module  string
	Message string
	Err     error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("inject %s: %s", e.Module, e.Message)
}

func (e *AgentError) Unwrap() error {
	return e.Err
}

// Options is passed to an agent as its options argument.
type Options struct {
	// Injection is the absolute path the target requires.
	Injection string
	// Values are extra top-level option fields.
	Values map[string]any
}

func (o Options) encode() ([]byte, error) {
	blob, err := sjson.SetBytes([]byte(`{}`), "injection", o.Injection)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(o.Values))
	for k := range o.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		blob, err = sjson.SetBytes(blob, escapeKey(k), o.Values[k])
		if err != nil {
			return nil, fmt.Errorf("option %s: %w", k, err)
		}
	}
	return blob, nil
}

// Client discovers the injection point on one session and loads agents.
type Client struct {
	s          *session.Session
	anchors    []RuntimeAnchor
	anchorName string
	bootstrap  string
	global     string
	stackLimit int

	group singleflight.Group
	// slot admits one agent load at a time.
	slot chan struct{}

	mu        sync.Mutex
	listeners []func(module string)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAnchors replaces the anchor candidates.
func WithAnchors(anchors ...RuntimeAnchor) ClientOption {
	return func(c *Client) {
		c.anchors = anchors
	}
}

// WithAnchorName forces a specific anchor. "auto" or "" picks by version.
func WithAnchorName(name string) ClientOption {
	return func(c *Client) {
		c.anchorName = name
	}
}

// WithStackTraceLimit sets Error.stackTraceLimit in the target at bootstrap.
func WithStackTraceLimit(n int) ClientOption {
	return func(c *Client) {
		c.stackLimit = n
	}
}

// New creates a client for s. bootstrapPath is the absolute path of the
// bootstrap file as seen by the target.
func New(s *session.Session, bootstrapPath string, opts ...ClientOption) *Client {
	c := &Client{
		s:         s,
		anchors:   DefaultAnchors(),
		bootstrap: bootstrapPath,
		global:    DefaultGlobal,
		slot:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	s.On(session.EventClose, func(json.RawMessage) {
		log.Printf("[injector] session %s closed, injection state reset", s.ID())
	})
	return c
}

// OnInjected registers fn to run after each successful agent load.
func (c *Client) OnInjected(fn func(module string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Discovered reports whether the bootstrap is loaded on this session.
func (c *Client) Discovered() bool {
	return c.s.Injection().Discovered()
}

// Injected reports whether module has been loaded on this session.
func (c *Client) Injected(module string) bool {
	return c.s.Injection().Injected(module)
}

// Discover runs discovery once per session.
func (c *Client) Discover(ctx context.Context) error {
	if c.Discovered() {
		return nil
	}
	_, err, _ := c.group.Do("discover", func() (any, error) {
		if c.Discovered() {
			return nil, nil
		}
		return nil, c.discover(ctx)
	})
	return err
}

func (c *Client) discover(ctx context.Context) error {
	anchor, err := c.selectAnchor(ctx)
	if err != nil {
		return err
	}

	running, err := c.s.Running(ctx)
	if err != nil {
		return fmt.Errorf("query run state: %w", err)
	}
	if running {
		if err := c.suspend(ctx); err != nil {
			return err
		}
	}

	err = c.load(ctx, anchor)
	if running {
		if rerr := c.resume(ctx); rerr != nil {
			if err == nil {
				err = fmt.Errorf("resume after discovery: %w", rerr)
			} else {
				log.Printf("[injector] resume after failed discovery: %v", rerr)
			}
		}
	}
	if err != nil {
		return err
	}

	c.s.Injection().MarkDiscovered()
	log.Printf("[injector] bootstrap loaded via %s anchor", anchor.Name())
	return nil
}

func (c *Client) selectAnchor(ctx context.Context) (RuntimeAnchor, error) {
	version := c.s.TargetInfo().V8Version
	if version == "" {
		body, err := c.s.Request(ctx, "version", nil)
		if err != nil {
			return nil, fmt.Errorf("query runtime version: %w", err)
		}
		version = gjson.GetBytes(body, "V8Version").String()
	}
	return SelectAnchor(c.anchors, c.anchorName, version)
}

func (c *Client) load(ctx context.Context, anchor RuntimeAnchor) error {
	loader, err := c.findLoader(ctx, anchor)
	if err != nil {
		return err
	}

	opts, err := sjson.SetBytes([]byte(`{}`), "global", c.global)
	if err != nil {
		return err
	}
	if c.stackLimit > 0 {
		if opts, err = sjson.SetBytes(opts, "stackTraceLimit", c.stackLimit); err != nil {
			return err
		}
	}

	_, err = c.s.Request(ctx, "evaluate", evaluateArgs{
		Expression:   anchor.Bootstrap(c.bootstrap, opts),
		Global:       true,
		DisableBreak: true,
		AdditionalContext: []contextVar{
			{Name: anchor.LoaderName(), Handle: loader},
		},
	})
	if err != nil {
		return fmt.Errorf("load bootstrap: %w", err)
	}
	return nil
}

// findLoader evaluates the anchor and scans its closure scope for the loader.
func (c *Client) findLoader(ctx context.Context, anchor RuntimeAnchor) (int64, error) {
	body, err := c.s.Request(ctx, "evaluate", evaluateArgs{
		Expression:   anchor.Expression(),
		Global:       true,
		DisableBreak: true,
	})
	if err != nil {
		return 0, fmt.Errorf("evaluate anchor %s: %w", anchor.Name(), err)
	}
	fn := gjson.GetBytes(body, "handle")
	if !fn.Exists() || gjson.GetBytes(body, "type").String() != "function" {
		return 0, fmt.Errorf("%w: anchor %s did not yield a function", ErrUnsupportedRuntime, anchor.Name())
	}

	resp, err := c.s.Call(ctx, "scope", scopeArgs{FunctionHandle: fn.Int(), InlineRefs: true})
	if err != nil {
		return 0, fmt.Errorf("scope of anchor %s: %w", anchor.Name(), err)
	}

	handle, ok := scanScope(resp.Body, resp.Refs, anchor.LoaderName())
	if !ok {
		return 0, fmt.Errorf("%w (anchor %s)", ErrUnsupportedRuntime, anchor.Name())
	}
	return handle, nil
}

// scanScope finds the property named name in a scope response. The scope
// object may be inlined in the body or carried in refs.
func scanScope(body, refs []byte, name string) (int64, bool) {
	query := fmt.Sprintf("properties.#(name==%s).ref", jsString(name))

	object := gjson.GetBytes(body, "object")
	if ref := object.Get(query); ref.Exists() {
		return ref.Int(), true
	}
	if ref := object.Get("ref"); ref.Exists() {
		q := fmt.Sprintf("#(handle==%d).%s", ref.Int(), query)
		if found := gjson.GetBytes(refs, q); found.Exists() {
			return found.Int(), true
		}
	}
	// Older targets put the scope object's properties in refs under a handle
	// the body does not name.
	var handle int64
	gjson.ParseBytes(refs).ForEach(func(_, v gjson.Result) bool {
		if r := v.Get(query); r.Exists() {
			handle = r.Int()
			return false
		}
		return true
	})
	return handle, handle != 0
}

func (c *Client) suspend(ctx context.Context) error {
	w := c.s.Expect("break", "exception")
	if _, err := c.s.Request(ctx, "suspend", nil); err != nil {
		w.Cancel()
		return fmt.Errorf("suspend: %w", err)
	}
	if c.s.State() == session.RunStatePaused {
		w.Cancel()
		return nil
	}

	wctx, cancel := context.WithTimeout(ctx, pauseTimeout)
	defer cancel()
	if _, err := w.Wait(wctx); err != nil {
		if errors.Is(err, session.ErrClosed) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrNotPaused, err)
	}
	return nil
}

// resume restarts the top frame, which leaves the call stack consistent
// after a global evaluate, then continues. Some targets can only complete the
// restart with a step-in, in which case the client steps and waits for the
// resulting pause first.
func (c *Client) resume(ctx context.Context) error {
	body, err := c.s.Request(ctx, "restartframe", restartArgs{Frame: 0})
	if err != nil {
		log.Printf("[injector] restartframe failed, continuing: %v", err)
		_, err = c.s.Request(ctx, "continue", nil)
		return err
	}

	if gjson.GetBytes(body, "result.stack_update_needs_step_in").Bool() {
		w := c.s.Expect("break", "exception")
		if _, err := c.s.Request(ctx, "continue", continueArgs{StepAction: "in"}); err != nil {
			w.Cancel()
			return fmt.Errorf("step in: %w", err)
		}
		wctx, cancel := context.WithTimeout(ctx, pauseTimeout)
		defer cancel()
		if _, err := w.Wait(wctx); err != nil {
			return fmt.Errorf("await step: %w", err)
		}
	}

	_, err = c.s.Request(ctx, "continue", nil)
	return err
}

// Inject loads the agent named by opts.Injection, discovering first if
// needed. Loading a module already loaded on this session is a no-op.
func (c *Client) Inject(ctx context.Context, opts Options) error {
	if opts.Injection == "" {
		return errors.New("inject: no module path")
	}
	if err := c.Discover(ctx); err != nil {
		return err
	}
	if c.Injected(opts.Injection) {
		return nil
	}

	_, err, _ := c.group.Do("inject:"+opts.Injection, func() (any, error) {
		select {
		case c.slot <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		defer func() { <-c.slot }()

		if c.Injected(opts.Injection) {
			return nil, nil
		}
		return nil, c.inject(ctx, opts)
	})
	return err
}

func (c *Client) inject(ctx context.Context, opts Options) error {
	blob, err := opts.encode()
	if err != nil {
		return err
	}

	g := jsString(c.global)
	expr := fmt.Sprintf(
		"(function(g, options) { return g.require(options.injection)(g.require, g.debug, options); })(global[%s], %s)",
		g, blob,
	)

	_, err = c.s.Request(ctx, "evaluate", evaluateArgs{
		Expression:   expr,
		Global:       true,
		DisableBreak: true,
	})
	if err != nil {
		var perr *session.ProtocolError
		if errors.As(err, &perr) {
			return &AgentError{Module: opts.Injection, Message: perr.Message, Err: err}
		}
		return err
	}

	c.s.Injection().MarkInjected(opts.Injection)
	log.Printf("[injector] loaded %s", opts.Injection)

	c.mu.Lock()
	listeners := append([]func(string){}, c.listeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(opts.Injection)
	}
	return nil
}

// escapeKey makes k a literal sjson path component.
func escapeKey(k string) string {
	out := make([]byte, 0, len(k))
	for i := 0; i < len(k); i++ {
		switch k[i] {
		case '.', '*', '?', '|', '#', '@', '\\', ':':
			out = append(out, '\\')
		}
		out = append(out, k[i])
	}
	return string(out)
}

type evaluateArgs struct {
	Expression        string       `json:"expression"`
	Frame             *int         `json:"frame,omitempty"`
	Global            bool         `json:"global,omitempty"`
	DisableBreak      bool         `json:"disable_break,omitempty"`
	AdditionalContext []contextVar `json:"additional_context,omitempty"`
}

type contextVar struct {
	Name   string `json:"name"`
	Handle int64  `json:"handle"`
}

type scopeArgs struct {
	FunctionHandle int64 `json:"functionHandle"`
	InlineRefs     bool  `json:"inlineRefs,omitempty"`
}

type restartArgs struct {
	Frame int `json:"frame"`
}

type continueArgs struct {
	StepAction string `json:"stepaction,omitempty"`
	StepCount  int    `json:"stepcount,omitempty"`
}
