package conn

// State is the connection lifecycle phase. Exactly one Manager exists per
// application scope, so consumers treat this as the application's
// connectivity.
type State int32

const (
	// Disconnected means no connection exists and none is being attempted.
	Disconnected State = iota
	// Connecting means a dial attempt is in flight.
	Connecting
	// Connected means the transport is live and subscribed.
	Connected
	// Reconnecting means the connection was lost or refused and a retry is
	// pending at the current backoff deadline.
	Reconnecting
	// Failed means the maximum consecutive failures were reached; the
	// manager stays down until an explicit Connect call.
	Failed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}
