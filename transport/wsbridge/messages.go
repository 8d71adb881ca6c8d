// Package wsbridge talks JSON over a websocket to an external mesh daemon,
// implementing the engine's Bridge and AnnounceSource ports. The daemon owns
// the routing stack; this client only pushes commands down and streams events
// and announces back up.
package wsbridge

// Frame types exchanged with the daemon.
const (
	frameReady       = "ready"        // daemon -> client, transport initialized
	frameSetRelay    = "set_relay"    // client -> daemon
	frameSyncRequest = "sync_request" // client -> daemon
	frameSyncEvent   = "sync_event"   // daemon -> client
	frameAnnounce    = "announce"     // daemon -> client
)

// frame is the single wire shape for every message in both directions.
// Fields not used by a given type stay at their zero value and are omitted.
type frame struct {
	Type string `json:"type"`

	// set_relay: lowercase hex destination hash, empty to clear.
	Relay string `json:"relay,omitempty"`

	// sync_event
	State    int     `json:"state,omitempty"`
	Progress float64 `json:"progress,omitempty"`
	Messages int     `json:"messages,omitempty"`

	// announce
	Hash        string `json:"hash,omitempty"`
	Aspect      string `json:"aspect,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	PublicKey   []byte `json:"public_key,omitempty"`
	Hops        int    `json:"hops,omitempty"`
	ReceivedAt  int64  `json:"received_at,omitempty"` // unix millis
}
