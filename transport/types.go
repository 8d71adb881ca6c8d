package transport

import "github.com/torlando-tech/columba-sub007/protocol"

// Transport-level aliases for protocol types, so transport interfaces stay readable.
type DestinationHash = protocol.DestinationHash
type SyncEvent = protocol.SyncEvent
type TransferState = protocol.TransferState
type Announce = protocol.Announce
