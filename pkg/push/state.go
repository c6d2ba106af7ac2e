package push

// State is the lifecycle state of a push session
type State string

const (
	StateIdle       State = "idle"       // opened, no track info yet
	StateReady      State = "ready"      // at least one track configured
	StateConnecting State = "connecting" // handshake/negotiation in flight
	StateConnected  State = "connected"  // publish accepted, media may flow
	StateClosing    State = "closing"    // close in progress
	StateClosed     State = "closed"     // resources released
	StateError      State = "error"      // unrecoverable failure, close to release
)
