package streamsync

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

// a scripted upstream: accepts connections, captures the resume request, and
// lets the test drive the control and data planes by hand
type testUpstream struct {
	server *httptest.Server
	conns  chan *upstreamConn
}

type upstreamConn struct {
	ws     *websocket.Conn
	resume *resumeRequest
}

func newTestUpstream(t *testing.T) *testUpstream {
	upstream := &testUpstream{
		conns: make(chan *upstreamConn, 16),
	}
	upgrader := websocket.Upgrader{}
	upstream.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		resume := &resumeRequest{}
		if err := ws.ReadJSON(resume); err != nil {
			ws.Close()
			return
		}
		upstream.conns <- &upstreamConn{
			ws:     ws,
			resume: resume,
		}
	}))
	t.Cleanup(upstream.server.Close)
	return upstream
}

func (self *testUpstream) url() string {
	return "ws" + strings.TrimPrefix(self.server.URL, "http")
}

func (self *testUpstream) accept(t *testing.T) *upstreamConn {
	select {
	case conn := <-self.conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("no connection")
		return nil
	}
}

func (self *upstreamConn) sendControl(t *testing.T, control map[string]any) {
	err := self.ws.WriteJSON(control)
	assert.Equal(t, err, nil)
}

func (self *upstreamConn) sendCursor(t *testing.T, partition int, offset string) {
	self.sendControl(t, map[string]any{
		"type":      "cursor",
		"partition": partition,
		"offset":    offset,
	})
}

func (self *upstreamConn) sendFrame(t *testing.T, message *StreamMessage) {
	err := self.ws.WriteMessage(websocket.BinaryMessage, wireFrame(t, message, false))
	assert.Equal(t, err, nil)
}

// expectClose drains until the peer closes and asserts the close code
func (self *upstreamConn) expectClose(t *testing.T, code int) {
	self.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := self.ws.ReadMessage()
		if err != nil {
			closeErr, ok := err.(*websocket.CloseError)
			assert.Equal(t, ok, true)
			assert.Equal(t, closeErr.Code, code)
			return
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	end := time.Now().Add(timeout)
	for !condition() {
		if end.Before(time.Now()) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func testSessionSettings() *SessionSettings {
	settings := DefaultSessionSettings()
	settings.ReconnectInitialDelay = 10 * time.Millisecond
	settings.ReconnectMaxDelay = 50 * time.Millisecond
	return settings
}

func newTestSession(t *testing.T, url string, settings *SessionSettings) (*StreamSession, *CursorStore, *RunStore) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cursorStore, err := NewCursorStore("", nil)
	assert.Equal(t, err, nil)
	t.Cleanup(func() {
		cursorStore.Close()
	})
	runStore := NewRunStoreWithDefaults()
	t.Cleanup(runStore.Close)

	session := NewStreamSession(ctx, url, &ClientAuth{}, cursorStore, runStore, settings)
	t.Cleanup(session.Close)
	return session, cursorStore, runStore
}

func TestSessionAppliesPairedFrames(t *testing.T) {
	upstream := newTestUpstream(t)
	session, cursorStore, _ := newTestSession(t, upstream.url(), testSessionSettings())

	conn := upstream.accept(t)
	// a fresh store resumes latest with empty position maps
	assert.Equal(t, conn.resume.Type, "resume")
	assert.Equal(t, conn.resume.From, ResumeFromLatest)
	assert.Equal(t, len(conn.resume.LastOffsetsByPartition), 0)

	conn.sendCursor(t, 0, "100")
	conn.sendFrame(t, &StreamMessage{
		Kind:     MessageKindStateDiff,
		RunId:    "run-1",
		Sequence: "1",
		Ops: []*PatchOp{
			{Kind: PatchOpAdd, Path: "", Value: map[string]any{"status": "running"}},
		},
	})

	waitFor(t, 5*time.Second, func() bool {
		offset, ok := cursorStore.Offset("0")
		return ok && offset == "100"
	})
	sequence, ok := cursorStore.Sequence("run-1")
	assert.Equal(t, ok, true)
	assert.Equal(t, sequence, "1")

	view := session.View()
	assert.Equal(t, len(view.Runs), 1)
	assert.Equal(t, view.Runs[0].Document, map[string]any{"status": "running"})
	assert.Equal(t, view.CurrentCursor, nil)

	// a second pair advances the same partition
	conn.sendCursor(t, 0, "101")
	conn.sendFrame(t, &StreamMessage{
		Kind:     MessageKindStateDiff,
		RunId:    "run-1",
		Sequence: "2",
		Ops: []*PatchOp{
			{Kind: PatchOpReplace, Path: "/status", Value: "done"},
		},
	})
	waitFor(t, 5*time.Second, func() bool {
		offset, _ := cursorStore.Offset("0")
		return offset == "101"
	})
	assert.Equal(t, session.View().Runs[0].Document, map[string]any{"status": "done"})
	assert.Equal(t, session.LagMetrics().AppliedCount, int64(2))
}

func TestSessionResumesFromCursor(t *testing.T) {
	upstream := newTestUpstream(t)

	cursorStore, err := NewCursorStore("", nil)
	assert.Equal(t, err, nil)
	defer cursorStore.Close()
	_, err = cursorStore.CommitOffset("0", "500")
	assert.Equal(t, err, nil)
	_, err = cursorStore.CommitSequence("run-1", "12")
	assert.Equal(t, err, nil)

	runStore := NewRunStoreWithDefaults()
	defer runStore.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	session := NewStreamSession(ctx, upstream.url(), &ClientAuth{}, cursorStore, runStore, testSessionSettings())
	defer session.Close()

	conn := upstream.accept(t)
	assert.Equal(t, conn.resume.From, ResumeFromCursor)
	assert.Equal(t, conn.resume.LastOffsetsByPartition, map[string]string{"0": "500"})
	assert.Equal(t, conn.resume.LastSequencesByStream, map[string]string{"run-1": "12"})
}

func TestSessionDuplicateCursorDesync(t *testing.T) {
	upstream := newTestUpstream(t)
	_, _, runStore := newTestSession(t, upstream.url(), testSessionSettings())

	// seed a run so the resync flag is observable
	err := runStore.ApplyMessage(diffMessage("run-1", "1",
		&PatchOp{Kind: PatchOpAdd, Path: "", Value: map[string]any{}},
	))
	assert.Equal(t, err, nil)

	conn := upstream.accept(t)
	conn.sendCursor(t, 0, "1")
	conn.sendCursor(t, 0, "2")

	conn.expectClose(t, CloseCodeDesyncDuplicateCursor)
	waitFor(t, 5*time.Second, func() bool {
		views := runStore.RunViews()
		return 0 < len(views) && views[0].NeedsResync
	})

	// the session reconnects after the desync
	upstream.accept(t)
}

func TestSessionFrameWithoutCursorDesync(t *testing.T) {
	upstream := newTestUpstream(t)
	_, cursorStore, _ := newTestSession(t, upstream.url(), testSessionSettings())

	conn := upstream.accept(t)
	conn.sendFrame(t, &StreamMessage{
		Kind:     MessageKindStateDiff,
		RunId:    "run-1",
		Sequence: "1",
	})

	conn.expectClose(t, CloseCodeDesyncMissingCursor)
	assert.Equal(t, cursorStore.HasAny(), false)

	upstream.accept(t)
}

func TestSessionDecodeFailureDoesNotCommit(t *testing.T) {
	upstream := newTestUpstream(t)
	_, cursorStore, _ := newTestSession(t, upstream.url(), testSessionSettings())

	conn := upstream.accept(t)
	conn.sendCursor(t, 0, "100")
	// invalid envelope byte
	err := conn.ws.WriteMessage(websocket.BinaryMessage, []byte{0x7f, 0x00})
	assert.Equal(t, err, nil)

	conn.expectClose(t, CloseCodeDecodeFailure)
	// the cursor for the bad frame was never committed
	assert.Equal(t, cursorStore.HasAny(), false)

	// on reconnect the resume is still from latest
	conn2 := upstream.accept(t)
	assert.Equal(t, conn2.resume.From, ResumeFromLatest)
}

func TestSessionGapMarksResync(t *testing.T) {
	upstream := newTestUpstream(t)
	session, _, _ := newTestSession(t, upstream.url(), testSessionSettings())

	conn := upstream.accept(t)
	conn.sendCursor(t, 0, "1")
	conn.sendFrame(t, &StreamMessage{
		Kind:     MessageKindStateDiff,
		RunId:    "run-1",
		Sequence: "1",
		Ops: []*PatchOp{
			{Kind: PatchOpAdd, Path: "", Value: map[string]any{}},
		},
	})
	waitFor(t, 5*time.Second, func() bool {
		return 0 < len(session.View().Runs)
	})

	conn.sendControl(t, map[string]any{
		"type":     "gap",
		"count":    5,
		"severity": "data_loss",
	})
	waitFor(t, 5*time.Second, func() bool {
		views := session.View().Runs
		return 0 < len(views) && views[0].NeedsResync
	})
	// the connection survives a gap
	assert.Equal(t, session.State(), SessionStateOpen)
}

func TestSessionStaleCursorMarksResync(t *testing.T) {
	upstream := newTestUpstream(t)
	session, _, _ := newTestSession(t, upstream.url(), testSessionSettings())

	conn := upstream.accept(t)
	conn.sendCursor(t, 0, "50")
	conn.sendFrame(t, &StreamMessage{
		Kind:     MessageKindStateDiff,
		RunId:    "run-1",
		Sequence: "1",
		Ops: []*PatchOp{
			{Kind: PatchOpAdd, Path: "", Value: map[string]any{}},
		},
	})
	waitFor(t, 5*time.Second, func() bool {
		return 0 < len(session.View().Runs)
	})

	conn.sendControl(t, map[string]any{
		"type":      "cursor_stale",
		"partition": 0,
		"requested": "50",
		"oldest":    "120",
	})
	waitFor(t, 5*time.Second, func() bool {
		views := session.View().Runs
		return 0 < len(views) && views[0].NeedsResync
	})

	// the lost window is recorded per partition for the view
	stale := session.View().StaleCursors["0"]
	assert.Equal(t, stale != nil, true)
	assert.Equal(t, stale.Requested, "50")
	assert.Equal(t, stale.Oldest, "120")
}

func TestSessionBackpressureCloses(t *testing.T) {
	upstream := newTestUpstream(t)
	settings := testSessionSettings()
	settings.MaxPendingFrames = 2
	_, _, runStore := newTestSession(t, upstream.url(), settings)

	conn := upstream.accept(t)

	// stall the apply queue so pending frames accumulate
	runStore.stateLock.Lock()
	stalled := true
	defer func() {
		if stalled {
			runStore.stateLock.Unlock()
		}
	}()

	for i := 0; i < 3; i += 1 {
		conn.sendCursor(t, 0, fmt.Sprintf("%d", 100+i))
		conn.sendFrame(t, &StreamMessage{
			Kind:     MessageKindStateDiff,
			RunId:    "run-1",
			Sequence: fmt.Sprintf("%d", i+1),
			Ops: []*PatchOp{
				{Kind: PatchOpAdd, Path: "", Value: map[string]any{}},
			},
		})
	}

	// the third frame pushes the pending count past the bound
	conn.expectClose(t, CloseCodeBackpressure)

	runStore.stateLock.Unlock()
	stalled = false

	// the session reconnects; the upstream resends from the last
	// committed cursor
	upstream.accept(t)
}

func TestSessionRetryDelayCapped(t *testing.T) {
	settings := testSessionSettings()
	session := &StreamSession{settings: settings}
	retry := session.newRetry()

	for i := 0; i < 64; i += 1 {
		delay := retry.NextBackOff()
		assert.NotEqual(t, delay, backoff.Stop)
		assert.Equal(t, 0 < delay, true)
		// jitter randomizes up to +50% around the capped interval
		assert.Equal(t, delay <= settings.ReconnectMaxDelay*3/2, true)
	}
}

func TestSessionCloseReleasesSharedPool(t *testing.T) {
	upstream := newTestUpstream(t)

	sharedPoolMutex.Lock()
	baseline := sharedPoolRefCount
	sharedPoolMutex.Unlock()

	session, _, _ := newTestSession(t, upstream.url(), testSessionSettings())
	upstream.accept(t)
	session.Close()

	// by the time Close returns the session's retain is gone
	sharedPoolMutex.Lock()
	count := sharedPoolRefCount
	sharedPoolMutex.Unlock()
	assert.Equal(t, count, baseline)
}

func TestSessionCursorResetComplete(t *testing.T) {
	upstream := newTestUpstream(t)
	session, cursorStore, runStore := newTestSession(t, upstream.url(), testSessionSettings())

	conn := upstream.accept(t)
	conn.sendCursor(t, 0, "100")
	conn.sendFrame(t, &StreamMessage{
		Kind:     MessageKindStateDiff,
		RunId:    "run-1",
		Sequence: "1",
		Ops: []*PatchOp{
			{Kind: PatchOpAdd, Path: "", Value: map[string]any{}},
		},
	})
	waitFor(t, 5*time.Second, func() bool {
		return cursorStore.HasAny()
	})

	waitFor(t, 5*time.Second, func() bool {
		return session.RequestCursorReset() == nil
	})
	reset := &cursorResetRequest{}
	err := conn.ws.ReadJSON(reset)
	assert.Equal(t, err, nil)
	assert.Equal(t, reset.Type, controlTypeCursorReset)

	conn.sendControl(t, map[string]any{
		"type": "cursor_reset_complete",
		"latestOffsetsByPartition": map[string]string{
			"0": "900",
			"1": "300",
		},
	})

	waitFor(t, 5*time.Second, func() bool {
		offset, _ := cursorStore.Offset("0")
		return offset == "900"
	})
	assert.Equal(t, cursorStore.Offsets(), map[string]string{"0": "900", "1": "300"})
	assert.Equal(t, cursorStore.Sequences(), map[string]string{})
	assert.Equal(t, len(runStore.RunViews()), 0)
}

func TestSessionSchemaGate(t *testing.T) {
	upstream := newTestUpstream(t)
	session, cursorStore, _ := newTestSession(t, upstream.url(), testSessionSettings())

	conn := upstream.accept(t)

	// a message from the future gates the session without committing
	conn.sendCursor(t, 0, "10")
	conn.sendFrame(t, &StreamMessage{
		Kind:          MessageKindStateDiff,
		RunId:         "run-1",
		Sequence:      "1",
		SchemaVersion: ExpectedSchemaVersion + 1,
		Ops: []*PatchOp{
			{Kind: PatchOpAdd, Path: "", Value: map[string]any{}},
		},
	})
	waitFor(t, 5*time.Second, func() bool {
		return session.View().SchemaGated
	})
	assert.Equal(t, cursorStore.HasAny(), false)
	assert.Equal(t, len(session.View().Runs), 0)
	// gated, not disconnected
	assert.Equal(t, session.State(), SessionStateOpen)

	// a compatible message releases the gate and applies normally
	conn.sendCursor(t, 0, "11")
	conn.sendFrame(t, &StreamMessage{
		Kind:          MessageKindStateDiff,
		RunId:         "run-1",
		Sequence:      "2",
		SchemaVersion: ExpectedSchemaVersion,
		Ops: []*PatchOp{
			{Kind: PatchOpAdd, Path: "", Value: map[string]any{}},
		},
	})
	waitFor(t, 5*time.Second, func() bool {
		return !session.View().SchemaGated && cursorStore.HasAny()
	})
	offset, _ := cursorStore.Offset("0")
	assert.Equal(t, offset, "11")
}

func TestSessionRetriesExhausted(t *testing.T) {
	// a server that is already gone
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	server.Close()

	settings := testSessionSettings()
	settings.ReconnectMaxAttempts = 2

	session, _, _ := newTestSession(t, url, settings)

	select {
	case <-session.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("session did not stop")
	}
	assert.NotEqual(t, session.TerminalErr(), nil)
	assert.Equal(t, session.State(), SessionStateDisconnected)
}

func TestSessionReplayCappedMarksResync(t *testing.T) {
	upstream := newTestUpstream(t)
	session, _, _ := newTestSession(t, upstream.url(), testSessionSettings())

	conn := upstream.accept(t)
	conn.sendCursor(t, 0, "1")
	conn.sendFrame(t, &StreamMessage{
		Kind:     MessageKindStateDiff,
		RunId:    "run-1",
		Sequence: "1",
		Ops: []*PatchOp{
			{Kind: PatchOpAdd, Path: "", Value: map[string]any{}},
		},
	})
	waitFor(t, 5*time.Second, func() bool {
		return 0 < len(session.View().Runs)
	})

	// an uncapped replay completion is informational only
	conn.sendControl(t, map[string]any{
		"type":          "replay_complete",
		"totalReplayed": 1,
		"capped":        false,
	})
	conn.sendControl(t, map[string]any{
		"type":          "replay_complete",
		"totalReplayed": 10000,
		"capped":        true,
	})
	waitFor(t, 5*time.Second, func() bool {
		views := session.View().Runs
		return 0 < len(views) && views[0].NeedsResync
	})
}
