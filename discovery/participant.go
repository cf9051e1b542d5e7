package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// peerPollInterval is how often a blocked NextPeer checks for caller
// cancellation.
const peerPollInterval = 200 * time.Millisecond

// ParticipantConfig describes one registration with the broker.
type ParticipantConfig struct {
	// BrokerPath is the broker's well-known socket path.
	BrokerPath string
	// Service is the rendezvous key to register under.
	Service string
	// Ring is the shared-memory ring name offered to peers, or empty /
	// NoRing for a participant that only consumes.
	Ring string
	// SocketPath overrides the participant's own socket path. Defaults to
	// /tmp/ipc_<role>_<pid>.sock, unique per process.
	SocketPath string
}

// Participant is a client-side registration handle. It owns a private
// datagram socket, registers on construction, and deregisters (removing
// the socket file) on Close.
type Participant struct {
	cfg        ParticipantConfig
	conn       *net.UnixConn
	brokerAddr *net.UnixAddr
	logger     log.Logger
}

func defaultSocketPath(ring string) string {
	role := "consumer"
	if ring != NoRing {
		role = "producer"
	}
	return fmt.Sprintf("/tmp/ipc_%s_%d.sock", role, os.Getpid())
}

// NewParticipant binds the participant socket and registers with the
// broker.
func NewParticipant(cfg ParticipantConfig, logger log.Logger) (*Participant, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.Ring == "" {
		cfg.Ring = NoRing
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = defaultSocketPath(cfg.Ring)
	}

	brokerAddr, err := net.ResolveUnixAddr("unixgram", cfg.BrokerPath)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve broker %s", cfg.BrokerPath)
	}
	os.Remove(cfg.SocketPath)
	laddr, err := net.ResolveUnixAddr("unixgram", cfg.SocketPath)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", cfg.SocketPath)
	}
	conn, err := net.ListenUnixgram("unixgram", laddr)
	if err != nil {
		return nil, errors.Wrapf(err, "bind %s", cfg.SocketPath)
	}

	p := &Participant{cfg: cfg, conn: conn, brokerAddr: brokerAddr, logger: logger}
	if _, err := conn.WriteToUnix(encodeRequest(verbRegister, p.record()), brokerAddr); err != nil {
		conn.Close()
		os.Remove(cfg.SocketPath)
		return nil, errors.Wrapf(err, "register with broker %s", cfg.BrokerPath)
	}
	level.Info(logger).Log("msg", "registered with broker", "service", cfg.Service,
		"addr", cfg.SocketPath, "ring", cfg.Ring)
	return p, nil
}

func (p *Participant) record() Record {
	return Record{Service: p.cfg.Service, Addr: p.cfg.SocketPath, Ring: p.cfg.Ring}
}

// Addr returns the participant's own socket path, as known to the broker.
func (p *Participant) Addr() string {
	return p.cfg.SocketPath
}

// NextPeer blocks until the broker delivers the next PEER notification,
// or ctx is done.
func (p *Participant) NextPeer(ctx context.Context) (Record, error) {
	buf := make([]byte, MaxDatagram)
	for {
		if err := ctx.Err(); err != nil {
			return Record{}, err
		}
		p.conn.SetReadDeadline(time.Now().Add(peerPollInterval))
		n, _, err := p.conn.ReadFromUnix(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return Record{}, errors.Wrap(err, "read peer notification")
		}
		rec, err := ParsePeer(buf[:n])
		if err != nil {
			level.Debug(p.logger).Log("msg", "ignoring datagram", "err", err)
			continue
		}
		return rec, nil
	}
}

// Close deregisters from the broker (best effort), closes the socket and
// removes its file.
func (p *Participant) Close() error {
	p.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	if _, err := p.conn.WriteToUnix(encodeRequest(verbDeregister, p.record()), p.brokerAddr); err != nil {
		level.Debug(p.logger).Log("msg", "deregister not delivered", "err", err)
	}
	err := p.conn.Close()
	os.Remove(p.cfg.SocketPath)
	return err
}
