package columba

import (
	"github.com/sirupsen/logrus"

	"github.com/torlando-tech/columba-sub007/core"
	"github.com/torlando-tech/columba-sub007/protocol"
	"github.com/torlando-tech/columba-sub007/store"
	"github.com/torlando-tech/columba-sub007/transport"
)

// --- Protocol types ---

type DestinationHash = protocol.DestinationHash
type NodeType = protocol.NodeType
type RelayCandidate = protocol.RelayCandidate
type Announce = protocol.Announce

const (
	NodeTypePeer  = protocol.NodeTypePeer
	NodeTypeRelay = protocol.NodeTypeRelay
)

const HopsUnknown = protocol.HopsUnknown

const (
	AspectPropagation = protocol.AspectPropagation
	AspectDelivery    = protocol.AspectDelivery
)

type TransferState = protocol.TransferState
type SyncEvent = protocol.SyncEvent

const (
	TransferIdle             = protocol.TransferIdle
	TransferPathRequested    = protocol.TransferPathRequested
	TransferLinkEstablishing = protocol.TransferLinkEstablishing
	TransferLinkEstablished  = protocol.TransferLinkEstablished
	TransferRequestSent      = protocol.TransferRequestSent
	TransferReceiving        = protocol.TransferReceiving
	TransferResponseReceived = protocol.TransferResponseReceived
	TransferComplete         = protocol.TransferComplete

	TransferErrNoPath         = protocol.TransferErrNoPath
	TransferErrLinkFailed     = protocol.TransferErrLinkFailed
	TransferErrTransferFailed = protocol.TransferErrTransferFailed
	TransferErrNoIdentity     = protocol.TransferErrNoIdentity
	TransferErrNoAccess       = protocol.TransferErrNoAccess
	TransferErrFailed         = protocol.TransferErrFailed
)

const TransferErrorThreshold = protocol.TransferErrorThreshold

func ParseDestinationHash(s string) (DestinationHash, error) {
	return protocol.ParseDestinationHash(s)
}

// --- Transport boundary types ---

type Bridge = transport.Bridge
type EventSubscription = transport.EventSubscription
type AnnounceSource = transport.AnnounceSource
type AnnounceSubscription = transport.AnnounceSubscription

var ErrUnimplemented = transport.ErrUnimplemented
var ErrNotReady = transport.ErrNotReady
var ErrNoRelay = transport.ErrNoRelay

// --- Core engine types ---

type Controller = core.Controller
type Config = core.Config
type SettingsStore = core.SettingsStore
type ContactStore = core.ContactStore
type AnnounceFeed = core.AnnounceFeed

type Mode = core.Mode
type RelaySelection = core.RelaySelection

const (
	ModeAuto   = core.ModeAuto
	ModeManual = core.ModeManual
)

type ResultKind = core.ResultKind
type SyncResult = core.SyncResult
type SyncStatus = core.SyncStatus

const (
	ResultSuccess  = core.ResultSuccess
	ResultError    = core.ResultError
	ResultNoRelay  = core.ResultNoRelay
	ResultNotReady = core.ResultNotReady
	ResultTimeout  = core.ResultTimeout
)

var ErrSyncActive = core.ErrSyncActive
var ErrStopped = core.ErrStopped

type AnnouncePump = core.AnnouncePump
type AnnounceSink = core.AnnounceSink

// --- Persistence ---

type Store = store.Store

// Open opens the sqlite-backed store whose collaborators satisfy the
// engine's settings, contact and announce ports.
func Open(path string, logger *logrus.Entry) (*Store, error) {
	return store.Open(path, logger)
}

// New builds the relay controller. Start begins its loops.
func New(cfg Config) (*Controller, error) {
	return core.New(cfg)
}

// NewAnnouncePump drains src into sink, typically a transport client into the
// store's announce directory.
func NewAnnouncePump(src AnnounceSource, sink AnnounceSink, logger *logrus.Entry) *AnnouncePump {
	return core.NewAnnouncePump(src, sink, nil, logger)
}
