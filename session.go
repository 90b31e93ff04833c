package streamsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

type SessionState string

const (
	SessionStateDisconnected = SessionState("disconnected")
	SessionStateConnecting   = SessionState("connecting")
	SessionStateOpen         = SessionState("open")
	SessionStateClosing      = SessionState("closing")
	SessionStateBackoffWait  = SessionState("backoff-wait")
)

// close codes in the private-use websocket range
const (
	CloseCodeDesyncDuplicateCursor = 4001
	CloseCodeDesyncMissingCursor   = 4002
	CloseCodeDecodeFailure         = 4003
	CloseCodeBackpressure          = 4004
)

var (
	ErrDesync           = errors.New("cursor pairing desync")
	ErrBackpressure     = errors.New("apply queue overflow")
	ErrRetriesExhausted = errors.New("reconnect retry cap reached")
	ErrNotOpen          = errors.New("session is not open")
)

type SessionSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration

	// overall bound on one decode round-trip through the worker pool
	DecodeTimeout time.Duration

	// proactive reconnect threshold for frames enqueued but not applied
	MaxPendingFrames int64

	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	// consecutive failed connect attempts before the session stops with a
	// terminal error
	ReconnectMaxAttempts int

	ExpectedSchemaVersion int

	DecodeSettings *DecodeSettings
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		WsHandshakeTimeout:    2 * time.Second,
		WriteTimeout:          5 * time.Second,
		ReadTimeout:           60 * time.Second,
		DecodeTimeout:         10 * time.Second,
		MaxPendingFrames:      512,
		ReconnectInitialDelay: 500 * time.Millisecond,
		ReconnectMaxDelay:     30 * time.Second,
		ReconnectMaxAttempts:  16,
		ExpectedSchemaVersion: ExpectedSchemaVersion,
		DecodeSettings:        DefaultDecodeSettings(),
	}
}

type applyTask struct {
	epoch       uint64
	cursor      *PendingCursor
	frame       []byte
	enqueueTime time.Time
}

// StaleCursorDetail is the most recent stale-cursor signal for a partition:
// the offset the resume requested and the oldest offset the upstream still
// retains. The window between them is permanently lost history.
type StaleCursorDetail struct {
	Partition  string
	Requested  string
	Oldest     string
	SignalTime time.Time
}

// A StreamSession owns the socket lifecycle: the resume handshake, cursor to
// frame pairing, ordered application of decoded messages, epoch-based
// cancellation, and the reconnect policy. All shared state mutation happens
// on the single apply goroutine; the read loop only stages cursors and
// enqueues frames.
type StreamSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	url  string
	auth *ClientAuth

	instanceId ulid.ULID

	cursorStore *CursorStore
	runStore    *RunStore
	pool        *WorkerPool
	lag         *ApplyLagMonitor

	settings *SessionSettings

	// monotonically increasing connection epoch. Work started under an
	// older epoch is discarded before it can mutate state.
	epoch atomic.Uint64

	stateLock     sync.Mutex
	state         SessionState
	pendingCursor *PendingCursor
	schemaGated   bool
	staleCursors  map[string]*StaleCursorDetail
	ws            *websocket.Conn
	terminalErr   error

	applyTasks chan *applyTask

	done chan struct{}
}

func NewStreamSessionWithDefaults(
	ctx context.Context,
	url string,
	auth *ClientAuth,
	cursorStore *CursorStore,
	runStore *RunStore,
) *StreamSession {
	return NewStreamSession(ctx, url, auth, cursorStore, runStore, DefaultSessionSettings())
}

func NewStreamSession(
	ctx context.Context,
	url string,
	auth *ClientAuth,
	cursorStore *CursorStore,
	runStore *RunStore,
	settings *SessionSettings,
) *StreamSession {
	cancelCtx, cancel := context.WithCancel(ctx)
	session := &StreamSession{
		ctx:          cancelCtx,
		cancel:       cancel,
		url:          url,
		auth:         auth,
		instanceId:   ulid.Make(),
		cursorStore:  cursorStore,
		runStore:     runStore,
		pool:         RetainSharedPool(),
		lag:          NewApplyLagMonitor(),
		settings:     settings,
		state:        SessionStateDisconnected,
		staleCursors: map[string]*StaleCursorDetail{},
		applyTasks:   make(chan *applyTask, settings.MaxPendingFrames+1),
		done:         make(chan struct{}),
	}
	go session.applyLoop()
	go session.run()
	return session
}

func (self *StreamSession) run() {
	defer func() {
		self.setState(SessionStateDisconnected)
		// release before signaling done so a caller that closes and
		// immediately creates a new session never races the refcount
		ReleaseSharedPool()
		close(self.done)
	}()

	retry := self.newRetry()

	failures := 0
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.setState(SessionStateConnecting)
		ws, err := self.dial()
		if err != nil {
			glog.Infof("[s]%s dial error = %s\n", self.instanceId, err)
			failures += 1
			if self.settings.ReconnectMaxAttempts <= failures {
				self.setTerminalErr(fmt.Errorf("%w: %v", ErrRetriesExhausted, err))
				return
			}
			if !self.waitBackoff(retry) {
				return
			}
			continue
		}

		epoch := self.epoch.Add(1)
		self.attachSocket(ws)
		self.setState(SessionStateOpen)

		applied, err := self.runConnection(ws, epoch)
		// invalidate in-flight decode/apply work for this connection
		self.epoch.Add(1)
		self.detachSocket()
		ws.Close()

		if err != nil {
			glog.Infof("[s]%s connection closed = %s\n", self.instanceId, err)
		}
		if applied {
			failures = 0
			retry.Reset()
		} else {
			failures += 1
			if self.settings.ReconnectMaxAttempts <= failures {
				if err == nil {
					err = errors.New("connection closed")
				}
				self.setTerminalErr(fmt.Errorf("%w: %v", ErrRetriesExhausted, err))
				return
			}
		}
		if !self.waitBackoff(retry) {
			return
		}
	}
}

func (self *StreamSession) dial() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	var header http.Header
	if self.auth != nil {
		header = self.auth.header()
	}
	ws, _, err := dialer.DialContext(self.ctx, self.url, header)
	return ws, err
}

// newRetry builds the reconnect policy: exponential with jitter from the
// initial delay, capped at the max delay, never giving up on elapsed time
// (the attempt budget is enforced separately).
func (self *StreamSession) newRetry() *backoff.ExponentialBackOff {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = self.settings.ReconnectInitialDelay
	retry.MaxInterval = self.settings.ReconnectMaxDelay
	retry.MaxElapsedTime = 0
	return retry
}

// waitBackoff sleeps the next backoff interval (exponential with jitter).
// Returns false when the session is closing.
func (self *StreamSession) waitBackoff(retry *backoff.ExponentialBackOff) bool {
	delay := retry.NextBackOff()
	if delay == backoff.Stop {
		return false
	}
	self.setState(SessionStateBackoffWait)
	select {
	case <-self.ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// runConnection drives one physical connection from resume to close.
// `applied` reports whether at least one frame survived to enqueue, which
// resets the retry budget.
func (self *StreamSession) runConnection(ws *websocket.Conn, epoch uint64) (applied bool, err error) {
	if err := self.sendResume(ws); err != nil {
		return false, err
	}

	for {
		select {
		case <-self.ctx.Done():
			return applied, nil
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			return applied, err
		}

		switch messageType {
		case websocket.TextMessage:
			if err := self.handleControl(ws, data); err != nil {
				return applied, err
			}
		case websocket.BinaryMessage:
			if err := self.handleFrame(ws, epoch, data); err != nil {
				return applied, err
			}
			applied = true
		default:
			glog.V(2).Infof("[s]%s other message type = %d\n", self.instanceId, messageType)
		}
	}
}

// sendResume negotiates the resume position. With no cursor and no sequence
// history the session requests "latest" (no historical replay); otherwise it
// requests "cursor" resume with the full persisted maps.
func (self *StreamSession) sendResume(ws *websocket.Conn) error {
	resume := &resumeRequest{
		Type: "resume",
		Mode: "partition",
		From: ResumeFromLatest,
		// always present so the upstream can distinguish an empty cursor
		// from a legacy client
		LastOffsetsByPartition: map[string]string{},
		LastSequencesByStream:  map[string]string{},
	}
	if self.cursorStore.HasAny() {
		resume.From = ResumeFromCursor
		resume.LastOffsetsByPartition = self.cursorStore.Offsets()
		resume.LastSequencesByStream = self.cursorStore.Sequences()
	}
	glog.V(2).Infof("[s]%s resume from=%s partitions=%d streams=%d\n",
		self.instanceId, resume.From, len(resume.LastOffsetsByPartition), len(resume.LastSequencesByStream))

	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return ws.WriteJSON(resume)
}

func (self *StreamSession) handleControl(ws *websocket.Conn, data []byte) error {
	control := &controlMessage{}
	if err := json.Unmarshal(data, control); err != nil {
		glog.Infof("[s]%s bad control message = %s\n", self.instanceId, err)
		return nil
	}

	switch control.Type {
	case controlTypeCursor:
		self.stateLock.Lock()
		duplicate := self.pendingCursor != nil
		if !duplicate {
			self.pendingCursor = &PendingCursor{
				Partition: control.Partition.String(),
				Offset:    control.Offset,
			}
		}
		self.stateLock.Unlock()
		if duplicate {
			self.runStore.MarkAllNeedResync("protocol desync: duplicate cursor")
			self.closeSocket(ws, CloseCodeDesyncDuplicateCursor, "second cursor while one is pending")
			return fmt.Errorf("%w: duplicate cursor", ErrDesync)
		}
	case controlTypeGap:
		glog.Infof("[s]%s gap count=%d severity=%s\n", self.instanceId, control.Count, control.Severity)
		self.runStore.MarkAllNeedResync(fmt.Sprintf("upstream gap: %d messages", control.Count))
	case controlTypeCursorStale:
		partition := control.Partition.String()
		glog.Infof("[s]%s cursor stale partition=%s requested=%s oldest=%s\n",
			self.instanceId, partition, control.Requested, control.Oldest)
		self.stateLock.Lock()
		self.staleCursors[partition] = &StaleCursorDetail{
			Partition:  partition,
			Requested:  control.Requested,
			Oldest:     control.Oldest,
			SignalTime: time.Now(),
		}
		self.stateLock.Unlock()
		self.runStore.MarkAllNeedResync(fmt.Sprintf(
			"stale cursor: partition %s requested %s oldest retained %s",
			partition, control.Requested, control.Oldest))
	case controlTypeDisconnect:
		// the server closes the socket right after this; the read loop
		// observes the close and reconnects with backoff
		glog.Infof("[s]%s server disconnect = %s\n", self.instanceId, control.Reason)
		self.runStore.MarkAllNeedResync("server disconnect: " + control.Reason)
	case controlTypeReplayComplete:
		glog.V(2).Infof("[s]%s replay complete total=%d capped=%t\n",
			self.instanceId, control.TotalReplayed, control.Capped)
		if control.Capped {
			self.runStore.MarkAllNeedResync("replay capped by upstream")
		}
	case controlTypeCursorResetComplete:
		glog.Infof("[s]%s cursor reset complete, %d partitions\n",
			self.instanceId, len(control.LatestOffsetsByPartition))
		self.runStore.ResetAll()
		if err := self.cursorStore.Reset(control.LatestOffsetsByPartition); err != nil {
			glog.Infof("[s]%s cursor reset persist error = %s\n", self.instanceId, err)
		}
		self.stateLock.Lock()
		self.pendingCursor = nil
		self.schemaGated = false
		self.staleCursors = map[string]*StaleCursorDetail{}
		self.stateLock.Unlock()
	case controlTypeError:
		glog.Infof("[s]%s upstream error %s = %s\n", self.instanceId, control.Code, control.Message)
	case controlTypePong:
	default:
		glog.V(2).Infof("[s]%s ignoring control type %q\n", self.instanceId, control.Type)
	}
	return nil
}

func (self *StreamSession) handleFrame(ws *websocket.Conn, epoch uint64, data []byte) error {
	self.stateLock.Lock()
	cursor := self.pendingCursor
	self.pendingCursor = nil
	self.stateLock.Unlock()

	if cursor == nil {
		self.runStore.MarkAllNeedResync("protocol desync: frame without cursor")
		self.closeSocket(ws, CloseCodeDesyncMissingCursor, "binary frame with no pending cursor")
		return fmt.Errorf("%w: frame without cursor", ErrDesync)
	}

	if self.settings.MaxPendingFrames <= self.lag.PendingCount() {
		// reconnect and let the upstream resend from the last committed
		// cursor instead of queueing unbounded memory
		self.closeSocket(ws, CloseCodeBackpressure, "apply queue overflow")
		return ErrBackpressure
	}

	self.lag.FrameEnqueued()
	task := &applyTask{
		epoch:       epoch,
		cursor:      cursor,
		frame:       data,
		enqueueTime: time.Now(),
	}
	select {
	case self.applyTasks <- task:
		return nil
	case <-self.ctx.Done():
		self.lag.FrameDiscarded()
		return nil
	}
}

// applyLoop is the single ordered apply queue: FIFO, one task in flight at a
// time, so out-of-order completion of slow decodes can never reorder state
// mutations.
func (self *StreamSession) applyLoop() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case task := <-self.applyTasks:
			self.applyOne(task)
		}
	}
}

func (self *StreamSession) applyOne(task *applyTask) {
	value, err := self.pool.Submit(func() (any, error) {
		return DecodeFrame(task.frame, self.settings.DecodeSettings)
	}, self.settings.DecodeTimeout)

	// stale-epoch discard, checked at the last moment before any state
	// mutation
	if task.epoch != self.epoch.Load() {
		self.lag.FrameDiscarded()
		return
	}

	if err != nil {
		self.lag.FrameDiscarded()
		self.fatal(task.epoch, CloseCodeDecodeFailure, fmt.Sprintf("decode failure: %s", err))
		return
	}
	message, _ := value.(*StreamMessage)
	if message == nil {
		// unrecoverable decode failure. Never skip: committing the cursor
		// past an unapplied message would permanently lose it.
		self.lag.FrameDiscarded()
		self.fatal(task.epoch, CloseCodeDecodeFailure, "decode returned no message")
		return
	}

	if self.settings.ExpectedSchemaVersion < message.normalizedSchemaVersion() {
		self.stateLock.Lock()
		alreadyGated := self.schemaGated
		self.schemaGated = true
		self.stateLock.Unlock()
		if !alreadyGated {
			glog.Infof("[s]%s schema gate: message v%d > expected v%d\n",
				self.instanceId, message.normalizedSchemaVersion(), self.settings.ExpectedSchemaVersion)
		}
		self.lag.FrameDiscarded()
		return
	}
	self.stateLock.Lock()
	if self.schemaGated {
		self.schemaGated = false
		glog.Infof("[s]%s schema gate released\n", self.instanceId)
	}
	self.stateLock.Unlock()

	if err := self.runStore.ApplyMessage(message); err != nil {
		self.lag.FrameDiscarded()
		self.fatal(task.epoch, CloseCodeDecodeFailure, fmt.Sprintf("apply failure: %s", err))
		return
	}

	// the cursor commits only after successful decode and apply
	regressed, err := self.cursorStore.CommitOffset(task.cursor.Partition, task.cursor.Offset)
	if err != nil {
		glog.Infof("[s]%s offset commit error %s = %s\n", self.instanceId, task.cursor, err)
	}
	if regressed {
		glog.Infof("[s]%s backward offset on partition %s\n", self.instanceId, task.cursor.Partition)
		self.runStore.MarkAllNeedResync("upstream data loss: backward offset on partition " + task.cursor.Partition)
	}
	if message.RunId != "" && message.Sequence != "" {
		if _, err := self.cursorStore.CommitSequence(message.RunId, message.Sequence); err != nil {
			glog.Infof("[s]%s sequence commit error %s = %s\n", self.instanceId, message.RunId, err)
		}
	}
	for runId, sequence := range message.SequenceByRun {
		if _, err := self.cursorStore.CommitSequence(runId, sequence); err != nil {
			glog.Infof("[s]%s sequence commit error %s = %s\n", self.instanceId, runId, err)
		}
	}

	self.lag.FrameApplied(time.Since(task.enqueueTime))
}

// fatal closes the connection that produced the failure. A stale epoch means
// the connection is already gone and there is nothing to do.
func (self *StreamSession) fatal(epoch uint64, code int, reason string) {
	if self.epoch.Load() != epoch {
		return
	}
	self.stateLock.Lock()
	ws := self.ws
	self.stateLock.Unlock()
	if ws == nil {
		return
	}
	glog.Infof("[s]%s fatal = %s\n", self.instanceId, reason)
	self.runStore.MarkAllNeedResync(reason)
	self.closeSocket(ws, code, reason)
}

func (self *StreamSession) closeSocket(ws *websocket.Conn, code int, reason string) {
	self.setState(SessionStateClosing)
	deadline := time.Now().Add(self.settings.WriteTimeout)
	ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	ws.Close()
}

// RequestCursorReset asks the upstream to clear all cursors and reply with
// its latest positions. This is the manual recovery path for corrupted runs.
func (self *StreamSession) RequestCursorReset() error {
	self.stateLock.Lock()
	ws := self.ws
	state := self.state
	self.stateLock.Unlock()
	if ws == nil || state != SessionStateOpen {
		return ErrNotOpen
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return ws.WriteJSON(&cursorResetRequest{Type: controlTypeCursorReset})
}

func (self *StreamSession) attachSocket(ws *websocket.Conn) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.ws = ws
	self.pendingCursor = nil
	// a new connection resets the schema gate
	self.schemaGated = false
}

func (self *StreamSession) detachSocket() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.ws = nil
	self.pendingCursor = nil
}

func (self *StreamSession) setState(state SessionState) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.state = state
}

func (self *StreamSession) State() SessionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *StreamSession) currentEpoch() uint64 {
	return self.epoch.Load()
}

func (self *StreamSession) setTerminalErr(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.terminalErr = err
	glog.Infof("[s]%s terminal = %s\n", self.instanceId, err)
}

// TerminalErr reports why the session stopped retrying, if it has.
func (self *StreamSession) TerminalErr() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.terminalErr
}

// Done closes when the session has stopped for good.
func (self *StreamSession) Done() <-chan struct{} {
	return self.done
}

// LagMetrics exposes the apply-lag monitor for observability.
func (self *StreamSession) LagMetrics() *LagMetrics {
	return self.lag.Metrics()
}

func (self *StreamSession) Close() {
	self.cancel()
	self.stateLock.Lock()
	ws := self.ws
	self.stateLock.Unlock()
	if ws != nil {
		ws.Close()
	}
	<-self.done
}
