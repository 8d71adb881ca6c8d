package protocol

import "fmt"

// TransferState is the propagation transfer state reported by the mesh layer
// during a sync with the selected relay.
//
// Codes below TransferErrorThreshold are advisory progress phases. Codes at or
// above it are terminal failures. TransferComplete is the terminal success.
type TransferState int

const (
	TransferIdle             TransferState = 0x00
	TransferPathRequested    TransferState = 0x01
	TransferLinkEstablishing TransferState = 0x02
	TransferLinkEstablished  TransferState = 0x03
	TransferRequestSent      TransferState = 0x04
	TransferReceiving        TransferState = 0x05
	TransferResponseReceived TransferState = 0x06
	TransferComplete         TransferState = 0x07

	TransferErrNoPath         TransferState = 0xf0
	TransferErrLinkFailed     TransferState = 0xf1
	TransferErrTransferFailed TransferState = 0xf2
	TransferErrNoIdentity     TransferState = 0xf3
	TransferErrNoAccess       TransferState = 0xf4
	TransferErrFailed         TransferState = 0xfe
)

// TransferErrorThreshold separates progress phases from terminal failures.
const TransferErrorThreshold TransferState = 0xf0

// Completed reports terminal success.
func (s TransferState) Completed() bool {
	return s == TransferComplete
}

// Failed reports a terminal failure code.
func (s TransferState) Failed() bool {
	return s >= TransferErrorThreshold
}

// Terminal reports whether the state ends a sync session.
func (s TransferState) Terminal() bool {
	return s.Completed() || s.Failed()
}

func (s TransferState) String() string {
	switch s {
	case TransferIdle:
		return "idle"
	case TransferPathRequested:
		return "path requested"
	case TransferLinkEstablishing:
		return "establishing link"
	case TransferLinkEstablished:
		return "link established"
	case TransferRequestSent:
		return "request sent"
	case TransferReceiving:
		return "receiving messages"
	case TransferResponseReceived:
		return "response received"
	case TransferComplete:
		return "complete"
	case TransferErrNoPath:
		return "no path"
	case TransferErrLinkFailed:
		return "link failed"
	case TransferErrTransferFailed:
		return "transfer failed"
	case TransferErrNoIdentity:
		return "no identity received"
	case TransferErrNoAccess:
		return "access denied"
	case TransferErrFailed:
		return "failed"
	default:
		return fmt.Sprintf("state 0x%02x", int(s))
	}
}

// FailureReason maps a terminal failure code to the message surfaced to
// manual sync callers. Unknown codes keep the raw code visible.
func (s TransferState) FailureReason() string {
	switch s {
	case TransferErrNoPath:
		return "no path to relay"
	case TransferErrLinkFailed:
		return "connection to relay failed"
	case TransferErrTransferFailed:
		return "transfer from relay failed"
	case TransferErrNoIdentity:
		return "relay identity not received"
	case TransferErrNoAccess:
		return "access to relay denied"
	default:
		return fmt.Sprintf("sync failed (code 0x%02x)", int(s))
	}
}

// SyncEvent is one message on the transport's sync event stream.
//
// Progress is a fraction in [0,1]. Messages is only meaningful on
// TransferComplete, where it carries the number of messages received.
type SyncEvent struct {
	State    TransferState
	Progress float64
	Messages int
}
