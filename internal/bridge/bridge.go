// Package bridge routes between an inspector frontend and one target session.
//
// Frontend commands are looked up in an explicit table and turned into
// session requests, breakpoint table operations, or agent commands. Target
// events are looked up in a second table and turned into frontend
// notifications. The bridge keeps no state that outlives the session beyond
// what routing needs: the scripts the frontend has been told about and the
// transient continue-to-location breakpoint.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/standardbeagle/inspectbridge/internal/breakpoints"
	"github.com/standardbeagle/inspectbridge/internal/injector"
	"github.com/standardbeagle/inspectbridge/internal/injector/scripts"
	"github.com/standardbeagle/inspectbridge/internal/session"
)

// ErrTargetClosed is returned by Run when the target connection ends.
var ErrTargetClosed = errors.New("target disconnected")

var errFrontendClosed = errors.New("frontend disconnected")

// Config controls one bridge.
type Config struct {
	// BootstrapPath is the bootstrap file as the target sees it.
	BootstrapPath string
	// Agents maps each enabled agent domain to its module path.
	Agents map[string]string
	// AgentOptions are extra options passed to each domain's agent.
	AgentOptions map[string]map[string]any
	// Anchor forces a runtime anchor by name; "" or "auto" picks by version.
	Anchor          string
	StackTraceLimit int
	// SaveLiveEdit writes setScriptSource changes back to the script file.
	SaveLiveEdit bool
}

// Bridge connects one frontend to one session.
type Bridge struct {
	s       *session.Session
	fe      *Frontend
	bp      *breakpoints.Table
	inj     *injector.Client
	cfg     Config
	scripts *scriptRegistry

	ctx context.Context
	wg  sync.WaitGroup

	mu         sync.Mutex
	injecting  int
	tempBreak  int
	async      map[int]chan asyncResult
	asyncEarly map[int]asyncResult
	// asyncGone holds sequences whose waiter gave up.
	asyncGone map[int]struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

// maxAsyncBacklog bounds asyncEarly and asyncGone; the lowest sequences go
// first.
const maxAsyncBacklog = 64

type asyncResult struct {
	success bool
	message string
	body    json.RawMessage
}

// New creates a bridge and subscribes it to the session's events. The
// session must not be started yet; Run starts it.
func New(s *session.Session, fe *Frontend, cfg Config) *Bridge {
	b := &Bridge{
		s:          s,
		fe:         fe,
		bp:         breakpoints.New(s),
		cfg:        cfg,
		scripts:    newScriptRegistry(),
		ctx:        context.Background(),
		async:      make(map[int]chan asyncResult),
		asyncEarly: make(map[int]asyncResult),
		asyncGone:  make(map[int]struct{}),
		closed:     make(chan struct{}),
	}
	b.inj = injector.New(s, cfg.BootstrapPath,
		injector.WithAnchorName(cfg.Anchor),
		injector.WithStackTraceLimit(cfg.StackTraceLimit),
	)

	for event, translate := range eventTranslators {
		translate := translate
		s.On(event, func(body json.RawMessage) { translate(b, body) })
	}
	for _, event := range agentEvents {
		event := event
		s.On(event, func(body json.RawMessage) { b.forward(event, body) })
	}
	b.bp.OnChange(b.onBreakpointsChanged)
	return b
}

// Breakpoints exposes the bridge's breakpoint table.
func (b *Bridge) Breakpoints() *breakpoints.Table {
	return b.bp
}

// Run serves the frontend until it disconnects, the target disconnects, or
// ctx is cancelled. Both connections are closed when Run returns. A
// frontend disconnect returns nil.
func (b *Bridge) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	b.ctx = gctx
	b.s.Start()

	g.Go(func() error {
		for {
			cmd, err := b.fe.Read()
			if err != nil {
				return errFrontendClosed
			}
			b.spawn(func() { b.handle(gctx, cmd) })
		}
	})
	g.Go(func() error {
		select {
		case <-b.closed:
			return ErrTargetClosed
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		b.s.Close()
		b.fe.Close()
		return nil
	})

	err := g.Wait()
	b.wg.Wait()
	if errors.Is(err, errFrontendClosed) {
		return nil
	}
	return err
}

func (b *Bridge) spawn(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

func (b *Bridge) handle(ctx context.Context, cmd *Command) {
	result, err := b.dispatch(ctx, cmd)
	if err != nil {
		log.Printf("[bridge] %s failed: %v", cmd.Method, err)
	}
	if werr := b.fe.Reply(cmd.ID, result, err); werr != nil {
		log.Printf("[bridge] reply to %s: %v", cmd.Method, werr)
	}
}

func (b *Bridge) dispatch(ctx context.Context, cmd *Command) (any, error) {
	if h, ok := commands[cmd.Method]; ok {
		return h(b, ctx, cmd.Params)
	}
	if _, ok := noopCommands[cmd.Method]; ok {
		return nil, nil
	}
	if isAgentDomain(domainOf(cmd.Method)) {
		return b.agentCommand(ctx, cmd)
	}
	return nil, methodNotFound(cmd.Method)
}

func domainOf(method string) string {
	domain, _, _ := strings.Cut(method, ".")
	return domain
}

func isAgentDomain(domain string) bool {
	for _, d := range scripts.Domains() {
		if d == domain {
			return true
		}
	}
	return false
}

// ensureAgent loads the agent for domain if it is not loaded yet.
func (b *Bridge) ensureAgent(ctx context.Context, domain string) error {
	path, ok := b.cfg.Agents[domain]
	if !ok {
		return &CommandError{Code: codeServerError, Message: domain + " agent is disabled"}
	}
	if b.inj.Injected(path) {
		return nil
	}

	b.mu.Lock()
	b.injecting++
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.injecting--
		b.mu.Unlock()
	}()

	err := b.inj.Inject(ctx, injector.Options{Injection: path, Values: b.cfg.AgentOptions[domain]})
	if err != nil {
		b.consoleMessage("error", err.Error())
		return err
	}
	return nil
}

// injectAgents loads every enabled agent. Failures are reported to the
// frontend console by ensureAgent.
func (b *Bridge) injectAgents(ctx context.Context) {
	for _, domain := range scripts.Domains() {
		if _, ok := b.cfg.Agents[domain]; !ok {
			continue
		}
		if err := b.ensureAgent(ctx, domain); err != nil {
			log.Printf("[bridge] inject %s agent: %v", domain, err)
			if errors.Is(err, injector.ErrUnsupportedRuntime) || errors.Is(err, session.ErrClosed) {
				return
			}
		}
	}
}

// agentCommand forwards a command to the agent that registered it. Agents
// that answer asynchronously reply first with {"async":true} and later with
// an _asyncResponse event carrying the request sequence.
func (b *Bridge) agentCommand(ctx context.Context, cmd *Command) (any, error) {
	if err := b.ensureAgent(ctx, domainOf(cmd.Method)); err != nil {
		return nil, err
	}

	var params any
	if len(cmd.Params) > 0 {
		params = cmd.Params
	}

	resp, err := b.s.Call(ctx, cmd.Method, params)
	if err != nil {
		return nil, err
	}
	if !gjson.GetBytes(resp.Body, "async").Bool() {
		return rawResult(resp.Body), nil
	}
	return b.awaitAsync(ctx, resp.RequestSeq)
}

func (b *Bridge) awaitAsync(ctx context.Context, seq int) (any, error) {
	b.mu.Lock()
	if r, ok := b.asyncEarly[seq]; ok {
		delete(b.asyncEarly, seq)
		b.mu.Unlock()
		return r.result()
	}
	ch := make(chan asyncResult, 1)
	b.async[seq] = ch
	b.mu.Unlock()

	select {
	case r := <-ch:
		return r.result()
	case <-b.closed:
		return nil, session.ErrClosed
	case <-ctx.Done():
		b.abandonAsync(seq)
		return nil, ctx.Err()
	}
}

// abandonAsync drops the waiter for seq so a late response is discarded.
func (b *Bridge) abandonAsync(seq int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.async, seq)
	b.asyncGone[seq] = struct{}{}
	trimOldest(b.asyncGone)
}

// trimOldest removes the lowest keys until m fits maxAsyncBacklog.
func trimOldest[V any](m map[int]V) {
	for len(m) > maxAsyncBacklog {
		lowest := -1
		for seq := range m {
			if lowest < 0 || seq < lowest {
				lowest = seq
			}
		}
		delete(m, lowest)
	}
}

func (r asyncResult) result() (any, error) {
	if !r.success {
		return nil, &CommandError{Code: codeServerError, Message: r.message}
	}
	return rawResult(r.body), nil
}

func rawResult(body json.RawMessage) any {
	if len(body) == 0 || string(body) == "null" {
		return nil
	}
	return body
}

// sendPaused fetches the stack and tells the frontend the target paused.
func (b *Bridge) sendPaused(ctx context.Context, reason string, hits []int64, data any) {
	resp, err := b.s.Call(ctx, "backtrace", map[string]any{"inlineRefs": true})
	if err != nil {
		log.Printf("[bridge] backtrace: %v", err)
		return
	}

	params := map[string]any{
		"callFrames": callFrames(resp.Body, resp.Refs),
		"reason":     reason,
	}

	var ids []string
	for _, n := range hits {
		if bp, ok := b.bp.ByTargetID(int(n)); ok {
			ids = append(ids, bp.ID())
		}
	}
	if len(ids) > 0 {
		params["hitBreakpoints"] = ids
	}
	if data != nil {
		params["data"] = data
	}
	if err := b.fe.Notify("Debugger.paused", params); err != nil {
		log.Printf("[bridge] notify paused: %v", err)
	}
}

func (b *Bridge) sendResumed() {
	if err := b.fe.Notify("Debugger.resumed", nil); err != nil {
		log.Printf("[bridge] notify resumed: %v", err)
	}
}

// consoleMessage shows a message in the frontend console.
func (b *Bridge) consoleMessage(level, text string) {
	err := b.fe.Notify("Console.messageAdded", map[string]any{
		"message": map[string]any{
			"source":    "other",
			"level":     level,
			"text":      text,
			"timestamp": float64(time.Now().UnixMilli()) / 1000,
		},
	})
	if err != nil {
		log.Printf("[bridge] console message: %v", err)
	}
}

func (b *Bridge) forward(event string, body json.RawMessage) {
	var params any
	if len(body) > 0 {
		params = body
	}
	if err := b.fe.Notify(event, params); err != nil {
		log.Printf("[bridge] forward %s: %v", event, err)
	}
}

func (b *Bridge) onBreakpointsChanged(d breakpoints.Delta) {
	for _, bp := range append(d.Added, d.Moved...) {
		id, ok := b.scripts.idForName(bp.URL)
		if !ok {
			continue
		}
		b.forward("Debugger.breakpointResolved", mustJSON(map[string]any{
			"breakpointId": bp.ID(),
			"location":     Location{ScriptID: id, LineNumber: bp.ZeroBasedLine(), ColumnNumber: bp.Column},
		}))
	}
}

func (b *Bridge) isInjecting() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.injecting > 0
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
