package core

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/segmentio/ksuid"

	"github.com/torlando-tech/columba-sub007/protocol"
)

// ErrSyncActive is returned when a sync is requested while one is already
// running.
var ErrSyncActive = errors.New("sync already in progress")

// ErrStopped is returned for operations on a controller that is not running.
var ErrStopped = errors.New("controller is not running")

// Trigger says what started a sync session.
type Trigger int

const (
	// TriggerManual syncs are user initiated and surface their result.
	TriggerManual Trigger = iota
	// TriggerPeriodic syncs run on the retrieval schedule; failures are
	// logged, not surfaced.
	TriggerPeriodic
)

func (t Trigger) String() string {
	switch t {
	case TriggerManual:
		return "manual"
	case TriggerPeriodic:
		return "periodic"
	default:
		return "unknown"
	}
}

// ResultKind classifies how a sync session ended.
type ResultKind int

const (
	ResultSuccess ResultKind = iota
	ResultError
	ResultNoRelay
	ResultNotReady
	ResultTimeout
)

func (k ResultKind) String() string {
	switch k {
	case ResultSuccess:
		return "success"
	case ResultError:
		return "error"
	case ResultNoRelay:
		return "no_relay"
	case ResultNotReady:
		return "not_ready"
	case ResultTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// SyncResult is the terminal outcome of one sync session.
type SyncResult struct {
	Kind     ResultKind
	Messages int
	Reason   string
	Code     protocol.TransferState
}

func successResult(messages int) SyncResult {
	return SyncResult{Kind: ResultSuccess, Messages: messages}
}

func errorResult(reason string, code protocol.TransferState) SyncResult {
	return SyncResult{Kind: ResultError, Reason: reason, Code: code}
}

func noRelayResult() SyncResult {
	return SyncResult{Kind: ResultNoRelay, Reason: "no relay configured"}
}

func notReadyResult() SyncResult {
	return SyncResult{Kind: ResultNotReady, Reason: "network not ready"}
}

func timeoutResult() SyncResult {
	return SyncResult{Kind: ResultTimeout, Reason: "sync timed out"}
}

// SyncStatus is the observable phase of the sync machinery. Active covers the
// whole presentation window, including the short linger after a completed
// retrieval.
type SyncStatus struct {
	Active   bool
	Phase    string
	Progress float64
	Messages int
}

// syncSession tracks one in-flight sync from request to terminal event.
type syncSession struct {
	id        string
	trigger   Trigger
	startedAt time.Time
	watchdog  *clock.Timer
	result    chan SyncResult
}

func newSyncSession(trigger Trigger, now time.Time) *syncSession {
	return &syncSession{
		id:        ksuid.New().String(),
		trigger:   trigger,
		startedAt: now,
		result:    make(chan SyncResult, 1),
	}
}
