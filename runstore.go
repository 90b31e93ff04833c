package streamsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/glog"
	"github.com/jellydator/ttlcache/v3"
	"github.com/oklog/ulid/v2"
)

var (
	ErrRunNotFound     = errors.New("run not found")
	ErrUnknownSequence = errors.New("no state recorded at or before the sequence")
)

type RunStoreSettings struct {
	// capacity bound on runs, garbage-collected oldest-first
	MaxRuns int
	// diagnostic events retained per run
	MaxEventsPerRun int
	// a replay checkpoint is recorded every this many applied patches
	CheckpointInterval int

	// quarantine bounds
	QuarantineCapacity uint64
	QuarantineTTL      time.Duration

	ApplySettings *ApplySettings
}

func DefaultRunStoreSettings() *RunStoreSettings {
	return &RunStoreSettings{
		MaxRuns:            256,
		MaxEventsPerRun:    1024,
		CheckpointInterval: 64,
		QuarantineCapacity: 128,
		QuarantineTTL:      5 * time.Minute,
		ApplySettings:      DefaultApplySettings(),
	}
}

// CorruptionDetail records the first hash divergence for a run.
type CorruptionDetail struct {
	Sequence     string
	ExpectedHash string
	ComputedHash string
}

type AppliedPatch struct {
	Sequence string
	Ops      []*PatchOp
}

type runCheckpoint struct {
	// index into the patch log after which this checkpoint holds
	patchIndex int
	document   any
}

// A Run is one logical execution of the remote workflow. It owns the ordered
// patch log, the materialized document, and the corruption flag.
type Run struct {
	RunId string

	patches     []*AppliedPatch
	checkpoints []*runCheckpoint
	document    any
	stateHash   string

	corrupted  bool
	corruption *CorruptionDetail

	needsResync  bool
	resyncReason string

	events []*RunEvent

	createTime time.Time
	updateTime time.Time
}

// A QuarantineEntry is a received message that could not be attributed to
// any run, retained transiently for diagnostics.
type QuarantineEntry struct {
	EntryId     string
	Message     *StreamMessage
	ReceiveTime time.Time
}

// A RunStore holds every known run. State mutation happens only from the
// session's single apply queue; the lock exists for the read-only view.
type RunStore struct {
	settings *RunStoreSettings

	stateLock  sync.Mutex
	runs       map[string]*Run
	quarantine *ttlcache.Cache[string, *QuarantineEntry]
}

func NewRunStoreWithDefaults() *RunStore {
	return NewRunStore(DefaultRunStoreSettings())
}

func NewRunStore(settings *RunStoreSettings) *RunStore {
	quarantine := ttlcache.New[string, *QuarantineEntry](
		ttlcache.WithTTL[string, *QuarantineEntry](settings.QuarantineTTL),
		ttlcache.WithCapacity[string, *QuarantineEntry](settings.QuarantineCapacity),
	)
	go quarantine.Start()
	return &RunStore{
		settings:   settings,
		runs:       map[string]*Run{},
		quarantine: quarantine,
	}
}

// ApplyMessage applies one decoded message. Messages that cannot be
// attributed to a run are quarantined, not fatal. A patch engine error is
// returned to the caller, which must treat it as fatal to the connection so
// the associated cursor is never committed.
func (self *RunStore) ApplyMessage(message *StreamMessage) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	switch message.Kind {
	case MessageKindStateDiff:
		if message.RunId == "" {
			self.quarantineMessage(message)
			return nil
		}
		run := self.openRun(message.RunId)
		next, err := Apply(run.document, message.Ops, self.settings.ApplySettings)
		if err != nil {
			return fmt.Errorf("apply %s seq %s: %w", message.RunId, message.Sequence, err)
		}
		run.document = next
		run.stateHash = hashDocument(next)
		run.patches = append(run.patches, &AppliedPatch{
			Sequence: message.Sequence,
			Ops:      message.Ops,
		})
		run.updateTime = time.Now()
		self.checkHash(run, message)
		self.maybeCheckpoint(run)
		return nil
	case MessageKindCheckpoint:
		if message.RunId == "" {
			self.quarantineMessage(message)
			return nil
		}
		run := self.openRun(message.RunId)
		run.document = deepClone(message.State)
		run.stateHash = hashDocument(run.document)
		// the marker patch goes first so the checkpoint covers its own
		// replacement and never serves sequences before it
		run.patches = append(run.patches, &AppliedPatch{
			Sequence: message.Sequence,
		})
		run.checkpoints = append(run.checkpoints, &runCheckpoint{
			patchIndex: len(run.patches),
			document:   deepClone(run.document),
		})
		run.updateTime = time.Now()
		self.checkHash(run, message)
		return nil
	case MessageKindEvent:
		if message.RunId == "" {
			self.quarantineMessage(message)
			return nil
		}
		run := self.openRun(message.RunId)
		self.appendEvents(run, message.Events)
		run.updateTime = time.Now()
		return nil
	case MessageKindEventBatch:
		if len(message.SequenceByRun) == 0 && len(message.Events) == 0 {
			self.quarantineMessage(message)
			return nil
		}
		attributed := false
		for _, event := range message.Events {
			if event.RunId == "" {
				continue
			}
			attributed = true
			run := self.openRun(event.RunId)
			self.appendEvents(run, []*RunEvent{event})
			run.updateTime = time.Now()
		}
		if !attributed && 0 < len(message.Events) {
			self.quarantineMessage(message)
		}
		return nil
	default:
		glog.V(2).Infof("[r]ignoring message kind %q\n", message.Kind)
		return nil
	}
}

// caller holds stateLock
func (self *RunStore) openRun(runId string) *Run {
	run, ok := self.runs[runId]
	if ok {
		return run
	}
	run = &Run{
		RunId:      runId,
		createTime: time.Now(),
		updateTime: time.Now(),
	}
	self.runs[runId] = run
	self.collect()
	return run
}

// collect drops the oldest runs over the capacity bound. Caller holds
// stateLock.
func (self *RunStore) collect() {
	for self.settings.MaxRuns < len(self.runs) {
		oldestRunId := ""
		var oldestTime time.Time
		for runId, run := range self.runs {
			if oldestRunId == "" || run.createTime.Before(oldestTime) {
				oldestRunId = runId
				oldestTime = run.createTime
			}
		}
		glog.V(2).Infof("[r]collect %s\n", oldestRunId)
		delete(self.runs, oldestRunId)
	}
}

func (self *RunStore) appendEvents(run *Run, events []*RunEvent) {
	run.events = append(run.events, events...)
	if self.settings.MaxEventsPerRun < len(run.events) {
		run.events = run.events[len(run.events)-self.settings.MaxEventsPerRun:]
	}
}

// checkHash compares the computed post-apply hash against the
// upstream-declared hash when present. The first mismatch flags the run
// corrupted with full diagnostic detail; replay continues until an explicit
// reset. Caller holds stateLock.
func (self *RunStore) checkHash(run *Run, message *StreamMessage) {
	if message.StateHash == "" || message.StateHash == run.stateHash {
		return
	}
	glog.Infof("[r]%s corrupt at seq %s: declared %s computed %s\n",
		run.RunId, message.Sequence, message.StateHash, run.stateHash)
	if run.corrupted {
		return
	}
	run.corrupted = true
	run.corruption = &CorruptionDetail{
		Sequence:     message.Sequence,
		ExpectedHash: message.StateHash,
		ComputedHash: run.stateHash,
	}
}

// maybeCheckpoint records a replay base every CheckpointInterval patches so
// StateAt does not replay from genesis. Caller holds stateLock.
func (self *RunStore) maybeCheckpoint(run *Run) {
	if self.settings.CheckpointInterval <= 0 {
		return
	}
	last := 0
	if 0 < len(run.checkpoints) {
		last = run.checkpoints[len(run.checkpoints)-1].patchIndex
	}
	if self.settings.CheckpointInterval <= len(run.patches)-last {
		run.checkpoints = append(run.checkpoints, &runCheckpoint{
			patchIndex: len(run.patches),
			document:   deepClone(run.document),
		})
	}
}

func (self *RunStore) quarantineMessage(message *StreamMessage) {
	entryId := ulid.Make().String()
	self.quarantine.Set(entryId, &QuarantineEntry{
		EntryId:     entryId,
		Message:     message,
		ReceiveTime: time.Now(),
	}, ttlcache.DefaultTTL)
	glog.V(2).Infof("[r]quarantine %s kind %q\n", entryId, message.Kind)
}

// StateAt reconstructs the run document as of `sequence` by deterministic
// replay from the last checkpoint at or before it.
func (self *RunStore) StateAt(runId string, sequence string) (any, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	run, ok := self.runs[runId]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runId)
	}

	// last patch index whose sequence <= target
	end := -1
	for i, patch := range run.patches {
		cmp, err := compareDecimal(patch.Sequence, sequence)
		if err != nil {
			return nil, err
		}
		if cmp <= 0 {
			end = i
		}
	}
	if end < 0 {
		return nil, fmt.Errorf("%w: %s@%s", ErrUnknownSequence, runId, sequence)
	}

	// latest checkpoint that holds at or before end+1 patches
	var document any
	start := 0
	for _, checkpoint := range run.checkpoints {
		if checkpoint.patchIndex <= end+1 {
			document = deepClone(checkpoint.document)
			start = checkpoint.patchIndex
		}
	}

	for i := start; i <= end; i += 1 {
		patch := run.patches[i]
		if patch.Ops == nil {
			// checkpoint marker, already materialized
			continue
		}
		next, err := Apply(document, patch.Ops, self.settings.ApplySettings)
		if err != nil {
			return nil, err
		}
		document = next
	}
	return document, nil
}

// MarkAllNeedResync flags every run after a data-loss signal. Non-fatal:
// documents stay visible but the view reports them as possibly stale.
func (self *RunStore) MarkAllNeedResync(reason string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, run := range self.runs {
		run.needsResync = true
		run.resyncReason = reason
	}
	if 0 < len(self.runs) {
		glog.Infof("[r]marked %d runs for resync = %s\n", len(self.runs), reason)
	}
}

// ResetAll drops every run. Used by the cursor reset recovery path.
func (self *RunStore) ResetAll() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.runs = map[string]*Run{}
	self.quarantine.DeleteAll()
}

// Run returns the live run for direct inspection, or nil.
func (self *RunStore) Run(runId string) *Run {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.runs[runId]
}

func (self *RunStore) Close() {
	self.quarantine.Stop()
}

// hashDocument content-hashes a document. encoding/json writes map keys in
// sorted order, so equal structures always hash equal.
func hashDocument(document any) string {
	b, err := json.Marshal(document)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}
