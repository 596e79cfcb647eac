package bridge

import (
	"encoding/json"
	"log"

	"github.com/tidwall/gjson"

	"github.com/standardbeagle/inspectbridge/internal/session"
)

// eventTranslators maps target events to their frontend translation.
var eventTranslators = map[string]func(b *Bridge, body json.RawMessage){
	"break":            (*Bridge).onBreak,
	"exception":        (*Bridge).onException,
	"afterCompile":     (*Bridge).onAfterCompile,
	"_asyncResponse":   (*Bridge).onAsyncResponse,
	session.EventClose: (*Bridge).onClose,
}

// agentEvents are emitted by injected agents and forwarded unchanged.
var agentEvents = []string{
	"Console.messageAdded",
	"Console.messagesCleared",
	"Console.messageRepeatCountUpdated",
	"Network.requestWillBeSent",
	"Network.responseReceived",
	"Network.dataReceived",
	"Network.loadingFinished",
	"Network.loadingFailed",
	"HeapProfiler.addHeapSnapshotChunk",
	"HeapProfiler.reportHeapSnapshotProgress",
	"HeapProfiler.heapStatsUpdate",
	"HeapProfiler.lastSeenObjectId",
	"HeapProfiler.resetProfiles",
}

// Handlers run on the session's read loop and must not wait on requests;
// anything that needs the target is spawned.

func (b *Bridge) onBreak(body json.RawMessage) {
	if b.isInjecting() {
		return
	}

	var hits []int64
	temp := false
	b.mu.Lock()
	tempID := b.tempBreak
	b.mu.Unlock()
	gjson.GetBytes(body, "breakpoints").ForEach(func(_, n gjson.Result) bool {
		if tempID != 0 && int(n.Int()) == tempID {
			temp = true
		}
		hits = append(hits, n.Int())
		return true
	})

	b.spawn(func() {
		if temp {
			b.clearTempBreakpoint(b.ctx)
		}
		b.sendPaused(b.ctx, "other", hits, nil)
	})
}

func (b *Bridge) onException(body json.RawMessage) {
	if b.isInjecting() {
		return
	}
	exception := newRefTable().remoteObject(gjson.GetBytes(body, "exception"))
	b.spawn(func() { b.sendPaused(b.ctx, "exception", nil, exception) })
}

func (b *Bridge) onAfterCompile(body json.RawMessage) {
	s, ok := b.scripts.add(gjson.GetBytes(body, "script"))
	if !ok {
		return
	}
	b.forward("Debugger.scriptParsed", mustJSON(s.scriptParsedParams()))
}

func (b *Bridge) onAsyncResponse(body json.RawMessage) {
	seq := int(gjson.GetBytes(body, "request_seq").Int())
	r := asyncResult{
		success: gjson.GetBytes(body, "success").Bool(),
		message: gjson.GetBytes(body, "message").String(),
	}
	if raw := gjson.GetBytes(body, "body"); raw.Exists() {
		r.body = json.RawMessage(raw.Raw)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.async[seq]; ok {
		delete(b.async, seq)
		ch <- r
		return
	}
	if _, gone := b.asyncGone[seq]; gone {
		delete(b.asyncGone, seq)
		return
	}
	b.asyncEarly[seq] = r
	trimOldest(b.asyncEarly)
}

func (b *Bridge) onClose(json.RawMessage) {
	b.closeOnce.Do(func() {
		b.scripts.reset()
		if err := b.fe.Notify("Inspector.detached", map[string]string{"reason": "target_closed"}); err != nil {
			log.Printf("[bridge] notify detached: %v", err)
		}
		close(b.closed)
	})
}
