package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is carried in every datagram; other versions are dropped.
const ProtocolVersion = 1

type MessageType string

const (
	TypeAnnounce MessageType = "ANNOUNCE"
	// TypeQuery asks every listener to announce right away.
	TypeQuery MessageType = "QUERY"
	// TypeLeave is broadcast by a node shutting down.
	TypeLeave MessageType = "LEAVE"
)

var errMalformed = errors.New("malformed datagram")

// Announcement is the JSON body of one discovery datagram.
type Announcement struct {
	Type    MessageType `json:"type"`
	Version int         `json:"version"`
	PeerID  string      `json:"peer_id"`
	Name    string      `json:"name,omitempty"`
	TCPPort int         `json:"tcp_port,omitempty"`
}

func (a Announcement) validate() error {
	if a.Version != ProtocolVersion {
		return fmt.Errorf("%w: version %d", errMalformed, a.Version)
	}
	if a.PeerID == "" {
		return fmt.Errorf("%w: missing peer_id", errMalformed)
	}
	switch a.Type {
	case TypeAnnounce, TypeQuery:
		if a.TCPPort <= 0 || a.TCPPort > 65535 {
			return fmt.Errorf("%w: tcp_port %d", errMalformed, a.TCPPort)
		}
	case TypeLeave:
	default:
		return fmt.Errorf("%w: type %q", errMalformed, a.Type)
	}
	return nil
}

func parseAnnouncement(data []byte) (Announcement, error) {
	var a Announcement
	if err := json.Unmarshal(data, &a); err != nil {
		return Announcement{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if err := a.validate(); err != nil {
		return Announcement{}, err
	}
	return a, nil
}
