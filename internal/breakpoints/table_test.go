package breakpoints

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/inspectbridge/internal/session"
	"github.com/standardbeagle/inspectbridge/internal/testutil"
)

// fakeBreakpoints is a minimal target-side breakpoint store.
type fakeBreakpoints struct {
	mu   sync.Mutex
	next int
	bps  map[int]remoteBreakpoint
}

func (f *fakeBreakpoints) install(target *testutil.FakeTarget) {
	f.bps = make(map[int]remoteBreakpoint)
	target.Handle("setbreakpoint", f.set)
	target.Handle("changebreakpoint", f.change)
	target.Handle("clearbreakpoint", f.clear)
	target.Handle("listbreakpoints", f.list)
}

func (f *fakeBreakpoints) set(args json.RawMessage) testutil.Reply {
	var a setArgs
	_ = json.Unmarshal(args, &a)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	active := a.Enabled
	f.bps[f.next] = remoteBreakpoint{
		Number: f.next, Type: "scriptName", ScriptName: a.Target,
		Line: a.Line, Column: a.Column, Active: &active, Condition: a.Condition,
	}
	return testutil.Reply{Body: map[string]any{"type": "scriptName", "breakpoint": f.next}}
}

// change mirrors the target: fields left out of the request keep their value.
func (f *fakeBreakpoints) change(args json.RawMessage) testutil.Reply {
	var a struct {
		Breakpoint int     `json:"breakpoint"`
		Enabled    *bool   `json:"enabled"`
		Condition  *string `json:"condition"`
	}
	_ = json.Unmarshal(args, &a)
	f.mu.Lock()
	defer f.mu.Unlock()
	bp, ok := f.bps[a.Breakpoint]
	if !ok {
		return testutil.Reply{Fail: "unknown breakpoint"}
	}
	if a.Enabled != nil {
		active := *a.Enabled
		bp.Active = &active
	}
	if a.Condition != nil {
		bp.Condition = *a.Condition
	}
	f.bps[a.Breakpoint] = bp
	return testutil.Reply{}
}

func (f *fakeBreakpoints) clear(args json.RawMessage) testutil.Reply {
	var a clearArgs
	_ = json.Unmarshal(args, &a)
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.bps, a.Breakpoint)
	return testutil.Reply{Body: map[string]int{"breakpoint": a.Breakpoint}}
}

func (f *fakeBreakpoints) list(json.RawMessage) testutil.Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := make([]remoteBreakpoint, 0, len(f.bps))
	for _, bp := range f.bps {
		list = append(list, bp)
	}
	return testutil.Reply{Body: map[string]any{"breakpoints": list}}
}

// remote returns the target-side breakpoints as sorted "name:line:condition" strings.
func (f *fakeBreakpoints) remote() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, bp := range f.bps {
		out = append(out, fmt.Sprintf("%s:%d:%s", bp.ScriptName, bp.Line, bp.Condition))
	}
	sort.Strings(out)
	return out
}

func newTable(t *testing.T) (*Table, *session.Session, *testutil.FakeTarget, *fakeBreakpoints) {
	t.Helper()
	target, conn := testutil.NewTarget(t)
	fb := &fakeBreakpoints{}
	fb.install(target)

	s := session.New(conn)
	t.Cleanup(func() { s.Close() })
	table := New(s)
	s.Start()
	return table, s, target, fb
}

func TestSet_SendsZeroBasedLine(t *testing.T) {
	table, _, target, _ := newTable(t)
	ctx := context.Background()

	for line := 1; line <= 5; line++ {
		bp, err := table.Set(ctx, "a.js", line, true, "")
		require.NoError(t, err)
		assert.Equal(t, line, bp.Line)
		assert.True(t, bp.Registered())
	}

	var lines []int
	for _, c := range target.Calls() {
		if c.Command != "setbreakpoint" {
			continue
		}
		var a setArgs
		require.NoError(t, json.Unmarshal(c.Args, &a))
		assert.Equal(t, "script", a.Type)
		assert.Equal(t, "a.js", a.Target)
		lines = append(lines, a.Line)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, lines)
}

func TestSet_ExistingKeyIssuesChange(t *testing.T) {
	table, _, target, _ := newTable(t)
	ctx := context.Background()

	first, err := table.Set(ctx, "a.js", 3, true, "")
	require.NoError(t, err)
	second, err := table.Set(ctx, "a.js", 3, false, "x > 1")
	require.NoError(t, err)

	assert.Equal(t, first.TargetID, second.TargetID)
	assert.Equal(t, first.Number, second.Number)
	assert.False(t, second.Enabled)
	assert.Equal(t, "x > 1", second.Condition)
	assert.Equal(t, 1, target.Count("setbreakpoint"))
	assert.Equal(t, 1, target.Count("changebreakpoint"))
}

func TestSet_EmptyConditionClearsTargetCondition(t *testing.T) {
	table, _, target, fb := newTable(t)
	ctx := context.Background()

	_, err := table.Set(ctx, "a.js", 5, true, "x>1")
	require.NoError(t, err)
	bp, err := table.Set(ctx, "a.js", 5, true, "")
	require.NoError(t, err)
	assert.Empty(t, bp.Condition)

	var sent []string
	for _, c := range target.Calls() {
		if c.Command == "changebreakpoint" {
			sent = append(sent, string(c.Args))
		}
	}
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], `"condition":""`)
	assert.Equal(t, []string{"a.js:4:"}, fb.remote())
}

// entries returns the table as sorted "url:line:enabled:condition" strings.
func entries(table *Table) []string {
	var out []string
	for _, bp := range table.List() {
		out = append(out, fmt.Sprintf("%s:%d:%t:%s", bp.URL, bp.Line, bp.Enabled, bp.Condition))
	}
	sort.Strings(out)
	return out
}

func TestSetRemove_DistinctKeysUnawaitedMatchSequential(t *testing.T) {
	type op struct {
		remove bool
		url    string
		line   int
		cond   string
	}
	ops := []op{
		{url: "a.js", line: 1},
		{remove: true, url: "b.js", line: 2},
		{url: "c.js", line: 3, cond: "n > 2"},
		{remove: true, url: "d.js", line: 4},
		{url: "e.js", line: 5},
		{url: "b.js", line: 9, cond: "ok"},
	}
	ctx := context.Background()

	prepare := func() (*Table, *testutil.FakeTarget, *fakeBreakpoints) {
		table, _, target, fb := newTable(t)
		for _, o := range ops {
			if o.remove {
				_, err := table.Set(ctx, o.url, o.line, true, "")
				require.NoError(t, err)
			}
		}
		return table, target, fb
	}
	apply := func(table *Table, o op) error {
		if o.remove {
			return table.Remove(ctx, o.url, o.line)
		}
		_, err := table.Set(ctx, o.url, o.line, true, o.cond)
		return err
	}

	seqTable, _, seqFake := prepare()
	for _, o := range ops {
		require.NoError(t, apply(seqTable, o))
	}

	table, target, fb := prepare()
	type held struct {
		call  testutil.Call
		reply testutil.Reply
	}
	heldCh := make(chan held, len(ops))
	hold := func(fn func(json.RawMessage) testutil.Reply) func(testutil.Call) testutil.Reply {
		return func(c testutil.Call) testutil.Reply {
			heldCh <- held{call: c, reply: fn(c.Args)}
			return testutil.Reply{Hold: true}
		}
	}
	target.HandleCall("setbreakpoint", hold(fb.set))
	target.HandleCall("clearbreakpoint", hold(fb.clear))

	var wg sync.WaitGroup
	for _, o := range ops {
		wg.Add(1)
		go func(o op) {
			defer wg.Done()
			assert.NoError(t, apply(table, o))
		}(o)
	}

	// Every request is in flight before any is answered; answer in reverse.
	pending := make([]held, 0, len(ops))
	for range ops {
		select {
		case h := <-heldCh:
			pending = append(pending, h)
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d requests sent", len(pending), len(ops))
		}
	}
	for i := len(pending) - 1; i >= 0; i-- {
		require.NoError(t, target.Respond(pending[i].call, pending[i].reply))
	}
	wg.Wait()

	assert.Equal(t, entries(seqTable), entries(table))
	assert.Equal(t, seqFake.remote(), fb.remote())
}

func TestSetAt_ColumnOnlyOnCreate(t *testing.T) {
	table, _, target, _ := newTable(t)
	ctx := context.Background()

	bp, err := table.SetAt(ctx, "a.js", 3, 8, true, "")
	require.NoError(t, err)
	assert.Equal(t, 8, bp.Column)

	bp, err = table.Set(ctx, "a.js", 3, false, "")
	require.NoError(t, err)
	assert.Equal(t, 8, bp.Column)

	var sent []string
	for _, c := range target.Calls() {
		if c.Command == "setbreakpoint" || c.Command == "changebreakpoint" {
			sent = append(sent, c.Command+" "+string(c.Args))
		}
	}
	require.Len(t, sent, 2)
	assert.Contains(t, sent[0], `"column":8`)
	assert.NotContains(t, sent[1], "column")

	_, err = table.SetAt(ctx, "a.js", 4, -1, true, "")
	assert.Error(t, err)
}

func TestSet_ConcurrentSameKeyCreatesOnce(t *testing.T) {
	table, _, target, _ := newTable(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]Breakpoint, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bp, err := table.Set(ctx, "a.js", 10, true, "")
			assert.NoError(t, err)
			results[i] = bp
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, target.Count("setbreakpoint"))
	assert.Equal(t, len(results)-1, target.Count("changebreakpoint"))
	for _, bp := range results {
		assert.Equal(t, results[0].TargetID, bp.TargetID)
	}
	assert.Len(t, table.List(), 1)
}

func TestSet_FailureLeavesNoRecord(t *testing.T) {
	table, _, target, _ := newTable(t)
	target.Handle("setbreakpoint", func(json.RawMessage) testutil.Reply {
		return testutil.Reply{Fail: "no script"}
	})

	_, err := table.Set(context.Background(), "missing.js", 1, true, "")
	require.Error(t, err)
	_, ok := table.Get("missing.js", 1)
	assert.False(t, ok)
}

func TestRemove_DropsRecordEvenWhenClearFails(t *testing.T) {
	table, _, target, _ := newTable(t)
	ctx := context.Background()

	_, err := table.Set(ctx, "a.js", 2, true, "")
	require.NoError(t, err)

	target.Handle("clearbreakpoint", func(json.RawMessage) testutil.Reply {
		return testutil.Reply{Fail: "already gone"}
	})
	require.NoError(t, table.Remove(ctx, "a.js", 2))

	_, ok := table.Get("a.js", 2)
	assert.False(t, ok)
	assert.ErrorIs(t, table.Remove(ctx, "a.js", 2), ErrNotFound)
}

func TestRemoveByID(t *testing.T) {
	table, _, target, _ := newTable(t)
	ctx := context.Background()

	bp, err := table.Set(ctx, "b.js", 7, true, "")
	require.NoError(t, err)
	require.NoError(t, table.RemoveByID(ctx, bp.ID()))
	assert.Empty(t, table.List())
	assert.Equal(t, 1, target.Count("clearbreakpoint"))
	assert.ErrorIs(t, table.RemoveByID(ctx, "nope"), ErrNotFound)
}

func TestResync_RoundTripIsStable(t *testing.T) {
	table, _, _, _ := newTable(t)
	ctx := context.Background()

	_, err := table.Set(ctx, "a.js", 5, true, "x>1")
	require.NoError(t, err)
	before := table.List()

	d, err := table.Resync(ctx)
	require.NoError(t, err)
	assert.True(t, d.Empty(), "unexpected delta %+v", d)
	assert.Equal(t, before, table.List())
}

func TestResync_AdoptsAndDropsTargetChanges(t *testing.T) {
	table, _, _, fb := newTable(t)
	ctx := context.Background()

	kept, err := table.Set(ctx, "a.js", 1, true, "")
	require.NoError(t, err)
	gone, err := table.Set(ctx, "a.js", 2, true, "")
	require.NoError(t, err)

	fb.mu.Lock()
	delete(fb.bps, gone.TargetID)
	active := true
	fb.bps[50] = remoteBreakpoint{Number: 50, Type: "scriptName", ScriptName: "c.js", Line: 8, Active: &active}
	fb.mu.Unlock()

	var notified []Delta
	table.OnChange(func(d Delta) { notified = append(notified, d) })

	d, err := table.Resync(ctx)
	require.NoError(t, err)

	require.Len(t, d.Added, 1)
	assert.Equal(t, Key{URL: "c.js", Line: 9}, d.Added[0].Key())
	assert.Equal(t, 50, d.Added[0].TargetID)
	require.Len(t, d.Removed, 1)
	assert.Equal(t, gone.TargetID, d.Removed[0].TargetID)
	require.Len(t, notified, 1)

	_, ok := table.ByTargetID(kept.TargetID)
	assert.True(t, ok)
}

func TestResync_FollowsMovedBreakpoint(t *testing.T) {
	table, _, _, fb := newTable(t)
	ctx := context.Background()

	bp, err := table.Set(ctx, "a.js", 4, true, "")
	require.NoError(t, err)

	fb.mu.Lock()
	rb := fb.bps[bp.TargetID]
	rb.Line = 9
	fb.bps[bp.TargetID] = rb
	fb.mu.Unlock()

	d, err := table.Resync(ctx)
	require.NoError(t, err)
	require.Len(t, d.Moved, 1)

	moved, ok := table.ByTargetID(bp.TargetID)
	require.True(t, ok)
	assert.Equal(t, 10, moved.Line)
	assert.Equal(t, bp.Number, moved.Number)
}

func TestSetBreakpointEvent_RecordsMapping(t *testing.T) {
	table, _, target, _ := newTable(t)

	added := make(chan Delta, 1)
	table.OnChange(func(d Delta) { added <- d })

	require.NoError(t, target.Emit("setbreakpoint", `{"breakpoint":5,"arguments":{"target":"a.js","line":9}}`))

	select {
	case d := <-added:
		require.Len(t, d.Added, 1)
	case <-time.After(time.Second):
		t.Fatal("no delta for setbreakpoint event")
	}

	bp, ok := table.ByTargetID(5)
	require.True(t, ok)
	assert.Equal(t, "a.js", bp.URL)
	assert.Equal(t, 10, bp.Line)
	assert.True(t, bp.Enabled)
}

func TestClearBreakpointEvent_RemovesRecord(t *testing.T) {
	table, _, target, _ := newTable(t)

	bp, err := table.Set(context.Background(), "a.js", 3, true, "")
	require.NoError(t, err)

	removed := make(chan Delta, 1)
	table.OnChange(func(d Delta) { removed <- d })
	require.NoError(t, target.Emit("clearbreakpoint", map[string]int{"breakpoint": bp.TargetID}))

	select {
	case d := <-removed:
		require.Len(t, d.Removed, 1)
	case <-time.After(time.Second):
		t.Fatal("no delta for clearbreakpoint event")
	}
	_, ok := table.Get("a.js", 3)
	assert.False(t, ok)
}

func TestClose_DropsTargetLinkage(t *testing.T) {
	table, s, _, _ := newTable(t)

	_, err := table.Set(context.Background(), "a.js", 3, true, "")
	require.NoError(t, err)
	s.Close()

	bp, ok := table.Get("a.js", 3)
	require.True(t, ok)
	assert.False(t, bp.Registered())
}

func TestSetActive_DisablesOnTargetOnly(t *testing.T) {
	table, _, _, fb := newTable(t)
	ctx := context.Background()

	bp, err := table.Set(ctx, "a.js", 1, true, "")
	require.NoError(t, err)

	require.NoError(t, table.SetActive(ctx, false))
	assert.False(t, table.Active())

	fb.mu.Lock()
	assert.False(t, *fb.bps[bp.TargetID].Active)
	fb.mu.Unlock()

	local, _ := table.Get("a.js", 1)
	assert.True(t, local.Enabled)
}
