package streamsync

import (
	"sort"
	"time"
)

// The view model is the read-only surface consumed by the rendering layer.
// It is recomputed from the run store on each call and shares no mutable
// state with the engine.

type RunView struct {
	RunId    string
	Document any
	// hash of the materialized document
	StateHash    string
	PatchCount   int
	LastSequence string

	Corrupted  bool
	Corruption *CorruptionDetail

	NeedsResync  bool
	ResyncReason string

	Events []*RunEvent

	CreateTime time.Time
	UpdateTime time.Time
}

type ViewModel struct {
	State         SessionState
	Epoch         uint64
	SchemaGated   bool
	CurrentCursor *PendingCursor

	Offsets   map[string]string
	Sequences map[string]string

	// partitions whose resume position fell off the upstream retention
	// window, keyed by partition
	StaleCursors map[string]*StaleCursorDetail

	Runs       []*RunView
	Quarantine []*QuarantineEntry

	Lag *LagMetrics
}

// RunViews snapshots every run, newest update first.
func (self *RunStore) RunViews() []*RunView {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	views := make([]*RunView, 0, len(self.runs))
	for _, run := range self.runs {
		lastSequence := ""
		if 0 < len(run.patches) {
			lastSequence = run.patches[len(run.patches)-1].Sequence
		}
		views = append(views, &RunView{
			RunId:        run.RunId,
			Document:     deepClone(run.document),
			StateHash:    run.stateHash,
			PatchCount:   len(run.patches),
			LastSequence: lastSequence,
			Corrupted:    run.corrupted,
			Corruption:   run.corruption,
			NeedsResync:  run.needsResync,
			ResyncReason: run.resyncReason,
			Events:       append([]*RunEvent{}, run.events...),
			CreateTime:   run.createTime,
			UpdateTime:   run.updateTime,
		})
	}
	sort.Slice(views, func(i int, j int) bool {
		return views[j].UpdateTime.Before(views[i].UpdateTime)
	})
	return views
}

// QuarantineEntries snapshots the unattributable messages currently held.
func (self *RunStore) QuarantineEntries() []*QuarantineEntry {
	entries := []*QuarantineEntry{}
	for _, item := range self.quarantine.Items() {
		entries = append(entries, item.Value())
	}
	sort.Slice(entries, func(i int, j int) bool {
		return entries[i].ReceiveTime.Before(entries[j].ReceiveTime)
	})
	return entries
}

// View assembles the current view model.
func (self *StreamSession) View() *ViewModel {
	self.stateLock.Lock()
	state := self.state
	schemaGated := self.schemaGated
	var currentCursor *PendingCursor
	if self.pendingCursor != nil {
		cursor := *self.pendingCursor
		currentCursor = &cursor
	}
	staleCursors := make(map[string]*StaleCursorDetail, len(self.staleCursors))
	for partition, detail := range self.staleCursors {
		stale := *detail
		staleCursors[partition] = &stale
	}
	self.stateLock.Unlock()

	return &ViewModel{
		State:         state,
		Epoch:         self.currentEpoch(),
		SchemaGated:   schemaGated,
		CurrentCursor: currentCursor,
		Offsets:       self.cursorStore.Offsets(),
		Sequences:     self.cursorStore.Sequences(),
		StaleCursors:  staleCursors,
		Runs:          self.runStore.RunViews(),
		Quarantine:    self.runStore.QuarantineEntries(),
		Lag:           self.lag.Metrics(),
	}
}
