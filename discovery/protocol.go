// Package discovery implements the local rendezvous broker and its client
// adapter. Producers and consumers register under a symbolic service key
// over a unix datagram socket; the broker answers each registration with
// one PEER notification per existing participant and fans the newcomer
// out to everybody already registered. A PEER notification carries the
// peer's shared-memory ring name (or "-" when the peer has none), which
// is all a consumer needs to attach.
package discovery

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

const (
	// MaxDatagram bounds a single broker datagram.
	MaxDatagram = 1024

	// NoRing is the ring-name placeholder for participants that have no
	// ring to share (consumers).
	NoRing = "-"

	verbRegister   = "REGISTER"
	verbDeregister = "DEREGISTER"
	verbPeer       = "PEER"
)

// Record identifies one participant under a service key.
type Record struct {
	// Service is the rendezvous key.
	Service string
	// Addr is the participant's own datagram socket path.
	Addr string
	// Ring is the shared-memory ring name the participant offers, or
	// NoRing.
	Ring string
}

// request is one parsed client datagram: a verb plus a participant record.
type request struct {
	verb string
	rec  Record
}

func parseRequest(b []byte) (request, error) {
	fields := strings.Fields(string(b))
	if len(fields) != 4 {
		return request{}, errors.Errorf("want 4 tokens, got %d", len(fields))
	}
	return request{
		verb: fields[0],
		rec:  Record{Service: fields[1], Addr: fields[2], Ring: fields[3]},
	}, nil
}

func encodeRequest(verb string, rec Record) []byte {
	return []byte(fmt.Sprintf("%s %s %s %s", verb, rec.Service, rec.Addr, rec.Ring))
}

func encodePeer(rec Record) []byte {
	return []byte(fmt.Sprintf("%s %s %s %s", verbPeer, rec.Service, rec.Addr, rec.Ring))
}

// ParsePeer decodes a PEER notification datagram.
func ParsePeer(b []byte) (Record, error) {
	fields := strings.Fields(string(b))
	if len(fields) != 4 || fields[0] != verbPeer {
		return Record{}, errors.Errorf("not a peer notification: %q", b)
	}
	return Record{Service: fields[1], Addr: fields[2], Ring: fields[3]}, nil
}
