package signalling

import "github.com/google/uuid"

// PeerIdentifier names one duplex signalling channel for the lifetime of the connection.
type PeerIdentifier struct {
	Uuid       uuid.UUID
	RemoteAddr string
}

func NewPeerIdentifier(remoteAddr string) PeerIdentifier {
	return PeerIdentifier{
		Uuid:       uuid.New(),
		RemoteAddr: remoteAddr,
	}
}

func (p PeerIdentifier) String() string {
	return p.Uuid.String()
}
