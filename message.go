package streamsync

import (
	"encoding/json"
	"fmt"
)

// schema version this client understands. Messages declaring a higher
// version gate cursor commits and state application until the connection is
// reset or a compatible message arrives.
const ExpectedSchemaVersion = 2

// MessageKind discriminates the decoded data-plane messages.
type MessageKind string

const (
	MessageKindEvent      = MessageKind("event")
	MessageKindEventBatch = MessageKind("event_batch")
	MessageKindStateDiff  = MessageKind("state_diff")
	MessageKindCheckpoint = MessageKind("checkpoint")
)

// A StreamMessage is one decoded data-plane message.
//
//   - state_diff: ordered patch ops against the run document, with an
//     optional upstream-declared post-apply state hash
//   - checkpoint: a full replacement document for the run
//   - event: one diagnostic event appended to the run
//   - event_batch: events for multiple runs, with a per-run sequence map
type StreamMessage struct {
	Kind          MessageKind       `json:"type"`
	RunId         string            `json:"runId,omitempty"`
	Sequence      string            `json:"sequence,omitempty"`
	SequenceByRun map[string]string `json:"sequenceByRun,omitempty"`
	SchemaVersion int               `json:"schemaVersion,omitempty"`
	Ops           []*PatchOp        `json:"ops,omitempty"`
	State         any               `json:"state,omitempty"`
	StateHash     string            `json:"stateHash,omitempty"`
	Events        []*RunEvent       `json:"events,omitempty"`
}

// normalizedSchemaVersion treats version 0 as 1, the wire default for
// messages that predate the version field.
func (self *StreamMessage) normalizedSchemaVersion() int {
	if self.SchemaVersion == 0 {
		return 1
	}
	return self.SchemaVersion
}

type RunEvent struct {
	RunId    string `json:"runId,omitempty"`
	Name     string `json:"name"`
	Sequence string `json:"sequence,omitempty"`
	Detail   any    `json:"detail,omitempty"`
}

// control-plane message types, textual frames on the same socket
const (
	controlTypeCursor              = "cursor"
	controlTypeGap                 = "gap"
	controlTypeCursorStale         = "cursor_stale"
	controlTypeDisconnect          = "disconnect"
	controlTypeReplayComplete      = "replay_complete"
	controlTypeCursorReset         = "cursor_reset"
	controlTypeCursorResetComplete = "cursor_reset_complete"
	controlTypeError               = "error"
	controlTypePong                = "pong"
)

type controlMessage struct {
	Type string `json:"type"`

	// cursor / cursor_stale. The upstream encodes offsets as decimal
	// strings to avoid numeric precision loss; partitions may arrive as
	// numbers or strings.
	Partition json.Number `json:"partition,omitempty"`
	Offset    string      `json:"offset,omitempty"`
	Requested string      `json:"requested,omitempty"`
	Oldest    string      `json:"oldest,omitempty"`

	// gap
	Count    int64  `json:"count,omitempty"`
	Severity string `json:"severity,omitempty"`

	// disconnect / error
	Reason  string `json:"reason,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// replay_complete / cursor_reset_complete
	Capped                   bool              `json:"capped,omitempty"`
	TotalReplayed            int64             `json:"totalReplayed,omitempty"`
	LastOffsetsByPartition   map[string]string `json:"lastOffsetsByPartition,omitempty"`
	LatestOffsetsByPartition map[string]string `json:"latestOffsetsByPartition,omitempty"`
}

// resume strategies
const (
	ResumeFromLatest = "latest"
	ResumeFromCursor = "cursor"
)

// resumeRequest is the client-to-server resume handshake sent on open.
type resumeRequest struct {
	Type                   string            `json:"type"`
	Mode                   string            `json:"mode"`
	From                   string            `json:"from"`
	LastOffsetsByPartition map[string]string `json:"lastOffsetsByPartition"`
	LastSequencesByStream  map[string]string `json:"lastSequencesByStream"`
}

type cursorResetRequest struct {
	Type string `json:"type"`
}

// A PendingCursor is the staged position for the next binary frame. At most
// one may be outstanding; see the session pairing rules.
type PendingCursor struct {
	Partition string
	Offset    string
}

func (self *PendingCursor) String() string {
	return fmt.Sprintf("%s@%s", self.Partition, self.Offset)
}
