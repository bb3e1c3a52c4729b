package core

// Frame is one encoded relay envelope.
type Frame []byte

// PeerConn is the hub's handle on one relay client. TrySend never blocks;
// Pending reports frames queued but not yet written.
type PeerConn interface {
	TrySend(Frame) error
	Pending() int
	Close()
}
