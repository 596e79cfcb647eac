// Package breakpoints keeps the frontend's view of breakpoints reconciled
// with the target's.
//
// The frontend names a breakpoint by script URL and 1-based line. The target
// names it by the number it returned from setbreakpoint and counts lines from
// zero. Table is the only place the two line bases meet.
package breakpoints

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"

	"github.com/standardbeagle/inspectbridge/internal/session"
)

// ErrNotFound is returned when no breakpoint is recorded for a key or id.
var ErrNotFound = errors.New("breakpoint not found")

// Requester is the part of a session the table needs.
type Requester interface {
	Request(ctx context.Context, command string, args any) (json.RawMessage, error)
	On(event string, h session.Handler)
}

// Key identifies a breakpoint on the frontend side.
type Key struct {
	URL  string
	Line int
}

// Breakpoint is one reconciled record.
type Breakpoint struct {
	// TargetID is the target's breakpoint number, 0 until registered.
	TargetID  int
	URL       string
	Line      int
	// Column is the 0-based column the breakpoint was created at.
	Column    int
	Enabled   bool
	Condition string
	// Number is the frontend-facing identity, stable for the record's lifetime.
	Number int
}

// Registered reports whether the target knows this breakpoint.
func (b Breakpoint) Registered() bool {
	return b.TargetID != 0
}

// ID is the identifier handed to the frontend.
func (b Breakpoint) ID() string {
	return strconv.Itoa(b.Number)
}

// ZeroBasedLine is Line counted from zero, as the inspector protocol and the
// target both count.
func (b Breakpoint) ZeroBasedLine() int {
	return b.Line - 1
}

// LineFromZeroBased converts a 0-based inspector line to a table line.
func LineFromZeroBased(n int) int {
	return n + 1
}

// Key returns the record's frontend key.
func (b Breakpoint) Key() Key {
	return Key{URL: b.URL, Line: b.Line}
}

// Delta describes what a reconciliation changed.
type Delta struct {
	Added   []Breakpoint
	Removed []Breakpoint
	Moved   []Breakpoint
}

// Empty reports whether nothing changed.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Moved) == 0
}

// Table maps frontend breakpoints to target breakpoints.
type Table struct {
	s Requester

	mu         sync.Mutex
	byKey      map[Key]*Breakpoint
	locks      map[Key]*keyLock
	nextNumber int
	active     bool
	listeners  []func(Delta)
}

// New creates a table bound to a session and subscribes to the target events
// that change breakpoints behind the frontend's back.
func New(s Requester) *Table {
	t := &Table{
		s:      s,
		byKey:  make(map[Key]*Breakpoint),
		locks:  make(map[Key]*keyLock),
		active: true,
	}
	s.On("setbreakpoint", t.onSetBreakpoint)
	s.On("clearbreakpoint", t.onClearBreakpoint)
	s.On(session.EventClose, t.onClose)
	return t
}

// OnChange registers a listener for reconciliation deltas.
func (t *Table) OnChange(fn func(Delta)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

type setArgs struct {
	Type      string `json:"type"`
	Target    string `json:"target"`
	Line      int    `json:"line"`
	Column    int    `json:"column,omitempty"`
	Enabled   bool   `json:"enabled"`
	Condition string `json:"condition,omitempty"`
}

type changeArgs struct {
	Breakpoint int    `json:"breakpoint"`
	Enabled    bool   `json:"enabled"`
	Condition  string `json:"condition"`
}

type clearArgs struct {
	Breakpoint int `json:"breakpoint"`
}

// Set creates the breakpoint at url:line (1-based), or changes it if one is
// already recorded there. Calls for the same key are serialized, so a second
// call waits for the first call's target id and then issues a change.
func (t *Table) Set(ctx context.Context, url string, line int, enabled bool, condition string) (Breakpoint, error) {
	return t.SetAt(ctx, url, line, 0, enabled, condition)
}

// SetAt is Set with a 0-based column. The column only applies when the
// breakpoint is created; an existing record keeps its column.
func (t *Table) SetAt(ctx context.Context, url string, line, column int, enabled bool, condition string) (Breakpoint, error) {
	if line < 1 {
		return Breakpoint{}, fmt.Errorf("invalid line %d", line)
	}
	if column < 0 {
		return Breakpoint{}, fmt.Errorf("invalid column %d", column)
	}
	key := Key{URL: url, Line: line}

	unlock, err := t.lockKey(ctx, key)
	if err != nil {
		return Breakpoint{}, err
	}
	defer unlock()

	t.mu.Lock()
	existing, ok := t.byKey[key]
	var targetID int
	if ok {
		targetID = existing.TargetID
	}
	onTarget := enabled && t.active
	t.mu.Unlock()

	if targetID != 0 {
		_, err := t.s.Request(ctx, "changebreakpoint", changeArgs{
			Breakpoint: targetID,
			Enabled:    onTarget,
			Condition:  condition,
		})
		if err != nil {
			return Breakpoint{}, err
		}
		return t.store(key, targetID, -1, enabled, condition), nil
	}

	body, err := t.s.Request(ctx, "setbreakpoint", setArgs{
		Type:      "script",
		Target:    url,
		Line:      line - 1,
		Column:    column,
		Enabled:   onTarget,
		Condition: condition,
	})
	if err != nil {
		return Breakpoint{}, err
	}

	var result struct {
		Breakpoint int `json:"breakpoint"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return Breakpoint{}, fmt.Errorf("decode setbreakpoint result: %w", err)
	}
	if result.Breakpoint == 0 {
		return Breakpoint{}, errors.New("setbreakpoint returned no breakpoint number")
	}
	return t.store(key, result.Breakpoint, column, enabled, condition), nil
}

// store records the target's answer. A negative column leaves the record's
// column unchanged.
func (t *Table) store(key Key, targetID, column int, enabled bool, condition string) Breakpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	bp, ok := t.byKey[key]
	if !ok {
		bp = t.newRecord(key)
	}
	bp.TargetID = targetID
	if column >= 0 {
		bp.Column = column
	}
	bp.Enabled = enabled
	bp.Condition = condition
	return *bp
}

// newRecord must be called with t.mu held.
func (t *Table) newRecord(key Key) *Breakpoint {
	t.nextNumber++
	bp := &Breakpoint{URL: key.URL, Line: key.Line, Enabled: true, Number: t.nextNumber}
	t.byKey[key] = bp
	return bp
}

// Remove deletes the breakpoint at url:line. The local record is removed even
// if the target rejects the clear; the failure is logged.
func (t *Table) Remove(ctx context.Context, url string, line int) error {
	key := Key{URL: url, Line: line}

	unlock, err := t.lockKey(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	t.mu.Lock()
	bp, ok := t.byKey[key]
	if ok {
		delete(t.byKey, key)
	}
	t.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	if bp.TargetID == 0 {
		return nil
	}

	if _, err := t.s.Request(ctx, "clearbreakpoint", clearArgs{Breakpoint: bp.TargetID}); err != nil {
		log.Printf("[breakpoints] clear of %s:%d (target #%d) failed, dropped locally: %v", url, line, bp.TargetID, err)
	}
	return nil
}

// RemoveByID deletes the breakpoint with the given frontend id.
func (t *Table) RemoveByID(ctx context.Context, id string) error {
	bp, ok := t.ByID(id)
	if !ok {
		return ErrNotFound
	}
	return t.Remove(ctx, bp.URL, bp.Line)
}

// SetActive enables or disables every breakpoint on the target without
// forgetting each record's own enabled flag.
func (t *Table) SetActive(ctx context.Context, active bool) error {
	t.mu.Lock()
	t.active = active
	records := make([]Breakpoint, 0, len(t.byKey))
	for _, bp := range t.byKey {
		if bp.TargetID != 0 {
			records = append(records, *bp)
		}
	}
	t.mu.Unlock()

	var errs []error
	for _, bp := range records {
		_, err := t.s.Request(ctx, "changebreakpoint", changeArgs{
			Breakpoint: bp.TargetID,
			Enabled:    active && bp.Enabled,
			Condition:  bp.Condition,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("breakpoint #%d: %w", bp.TargetID, err))
		}
	}
	return errors.Join(errs...)
}

// Active reports whether breakpoints are globally active.
func (t *Table) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Get returns the record at url:line.
func (t *Table) Get(url string, line int) (Breakpoint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bp, ok := t.byKey[Key{URL: url, Line: line}]
	if !ok {
		return Breakpoint{}, false
	}
	return *bp, true
}

// ByTargetID returns the record registered under the target's number.
func (t *Table) ByTargetID(id int) (Breakpoint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, bp := range t.byKey {
		if bp.TargetID == id {
			return *bp, true
		}
	}
	return Breakpoint{}, false
}

// ByID returns the record with the given frontend id.
func (t *Table) ByID(id string) (Breakpoint, bool) {
	n, err := strconv.Atoi(id)
	if err != nil {
		return Breakpoint{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, bp := range t.byKey {
		if bp.Number == n {
			return *bp, true
		}
	}
	return Breakpoint{}, false
}

// List returns all records ordered by frontend number.
func (t *Table) List() []Breakpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Breakpoint, 0, len(t.byKey))
	for _, bp := range t.byKey {
		out = append(out, *bp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

type remoteBreakpoint struct {
	Number     int    `json:"number"`
	Type       string `json:"type"`
	ScriptName string `json:"script_name"`
	Line       int    `json:"line"`
	Column     int    `json:"column"`
	Active     *bool  `json:"active"`
	Condition  string `json:"condition"`
}

// Resync asks the target for its breakpoints and rebuilds the table from the
// answer. Records with no target id yet, and keys with an operation in
// flight, are left alone. Listeners receive the resulting delta.
func (t *Table) Resync(ctx context.Context) (Delta, error) {
	body, err := t.s.Request(ctx, "listbreakpoints", nil)
	if err != nil {
		return Delta{}, err
	}
	var list struct {
		Breakpoints []remoteBreakpoint `json:"breakpoints"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return Delta{}, fmt.Errorf("decode listbreakpoints result: %w", err)
	}

	var d Delta
	t.mu.Lock()
	byTarget := make(map[int]*Breakpoint)
	for _, bp := range t.byKey {
		if bp.TargetID != 0 {
			byTarget[bp.TargetID] = bp
		}
	}

	seen := make(map[int]bool, len(list.Breakpoints))
	for _, rb := range list.Breakpoints {
		if rb.Number == 0 || rb.ScriptName == "" {
			continue
		}
		seen[rb.Number] = true
		key := Key{URL: rb.ScriptName, Line: rb.Line + 1}
		if t.busy(key) {
			continue
		}
		enabled := rb.Active == nil || *rb.Active

		if local, ok := byTarget[rb.Number]; ok {
			local.Condition = rb.Condition
			if t.active {
				local.Enabled = enabled
			}
			if local.Key() != key {
				if other, taken := t.byKey[key]; taken && other != local {
					continue
				}
				delete(t.byKey, local.Key())
				local.URL, local.Line = key.URL, key.Line
				t.byKey[key] = local
				d.Moved = append(d.Moved, *local)
			}
			continue
		}

		if existing, ok := t.byKey[key]; ok {
			if existing.TargetID == 0 {
				existing.TargetID = rb.Number
			}
			continue
		}

		bp := t.newRecord(key)
		bp.TargetID = rb.Number
		bp.Column = rb.Column
		bp.Enabled = enabled
		bp.Condition = rb.Condition
		d.Added = append(d.Added, *bp)
	}

	for key, bp := range t.byKey {
		if bp.TargetID == 0 || seen[bp.TargetID] || t.busy(key) {
			continue
		}
		d.Removed = append(d.Removed, *bp)
		delete(t.byKey, key)
	}
	t.mu.Unlock()

	t.notify(d)
	return d, nil
}

func (t *Table) notify(d Delta) {
	if d.Empty() {
		return
	}
	t.mu.Lock()
	listeners := append([]func(Delta){}, t.listeners...)
	t.mu.Unlock()
	for _, fn := range listeners {
		fn(d)
	}
}

func (t *Table) onSetBreakpoint(body json.RawMessage) {
	var ev struct {
		Breakpoint int `json:"breakpoint"`
		Arguments  struct {
			Target    string `json:"target"`
			Line      int    `json:"line"`
			Enabled   *bool  `json:"enabled"`
			Condition string `json:"condition"`
		} `json:"arguments"`
	}
	if err := json.Unmarshal(body, &ev); err != nil || ev.Breakpoint == 0 || ev.Arguments.Target == "" {
		log.Printf("[breakpoints] ignoring setbreakpoint event: %s", body)
		return
	}

	key := Key{URL: ev.Arguments.Target, Line: ev.Arguments.Line + 1}
	enabled := ev.Arguments.Enabled == nil || *ev.Arguments.Enabled

	t.mu.Lock()
	bp, ok := t.byKey[key]
	if !ok {
		bp = t.newRecord(key)
	}
	bp.TargetID = ev.Breakpoint
	bp.Enabled = enabled
	bp.Condition = ev.Arguments.Condition
	added := *bp
	t.mu.Unlock()

	if !ok {
		t.notify(Delta{Added: []Breakpoint{added}})
	}
}

func (t *Table) onClearBreakpoint(body json.RawMessage) {
	var ev struct {
		Breakpoint int `json:"breakpoint"`
	}
	if err := json.Unmarshal(body, &ev); err != nil || ev.Breakpoint == 0 {
		return
	}

	t.mu.Lock()
	var removed []Breakpoint
	for key, bp := range t.byKey {
		if bp.TargetID == ev.Breakpoint {
			removed = append(removed, *bp)
			delete(t.byKey, key)
		}
	}
	t.mu.Unlock()

	t.notify(Delta{Removed: removed})
}

func (t *Table) onClose(json.RawMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, bp := range t.byKey {
		bp.TargetID = 0
	}
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// lockKey serializes operations on one key. The returned func releases it.
func (t *Table) lockKey(ctx context.Context, key Key) (func(), error) {
	t.mu.Lock()
	l, ok := t.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		t.locks[key] = l
	}
	l.refs++
	t.mu.Unlock()

	release := func() {
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, key)
		}
		t.mu.Unlock()
	}

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			release()
		}, nil
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}

// busy reports whether an operation on key is in flight. Caller holds t.mu.
func (t *Table) busy(key Key) bool {
	_, ok := t.locks[key]
	return ok
}
