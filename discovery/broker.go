package discovery

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// sendTimeout caps how long the broker spends delivering one notification.
// A client whose receive queue is full just misses the datagram; the
// broker never blocks on it.
const sendTimeout = 50 * time.Millisecond

// Broker is the service-discovery registry. It is a bookkeeper, not a
// router: application data flows through shared memory, the broker only
// tells participants about each other.
type Broker struct {
	path    string
	conn    *net.UnixConn
	logger  log.Logger
	metrics *brokerMetrics

	mu       sync.Mutex
	registry map[string][]Record
}

type brokerMetrics struct {
	registrations     *prometheus.CounterVec
	deregistrations   *prometheus.CounterVec
	peerNotifications prometheus.Counter
	sendFailures      prometheus.Counter
	badRequests       prometheus.Counter
}

func newBrokerMetrics(reg prometheus.Registerer) *brokerMetrics {
	f := promauto.With(reg)
	return &brokerMetrics{
		registrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shmbus", Subsystem: "broker",
			Name: "registrations_total",
			Help: "REGISTER requests accepted, by service key.",
		}, []string{"service"}),
		deregistrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shmbus", Subsystem: "broker",
			Name: "deregistrations_total",
			Help: "DEREGISTER requests accepted, by service key.",
		}, []string{"service"}),
		peerNotifications: f.NewCounter(prometheus.CounterOpts{
			Namespace: "shmbus", Subsystem: "broker",
			Name: "peer_notifications_total",
			Help: "PEER datagrams delivered to participants.",
		}),
		sendFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "shmbus", Subsystem: "broker",
			Name: "send_failures_total",
			Help: "PEER datagrams dropped because delivery failed.",
		}),
		badRequests: f.NewCounter(prometheus.CounterOpts{
			Namespace: "shmbus", Subsystem: "broker",
			Name: "bad_requests_total",
			Help: "Datagrams ignored as malformed or unknown commands.",
		}),
	}
}

// NewBroker binds the broker's datagram socket at socketPath. A stale
// socket file from a previous run is replaced.
func NewBroker(socketPath string, logger log.Logger, reg prometheus.Registerer) (*Broker, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	os.Remove(socketPath)

	addr, err := net.ResolveUnixAddr("unixgram", socketPath)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", socketPath)
	}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", socketPath)
	}
	return &Broker{
		path:     socketPath,
		conn:     conn,
		logger:   logger,
		metrics:  newBrokerMetrics(reg),
		registry: make(map[string][]Record),
	}, nil
}

// Run serves requests until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) error {
	level.Info(b.logger).Log("msg", "broker listening", "socket", b.path)

	stop := context.AfterFunc(ctx, func() {
		b.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, MaxDatagram)
	for {
		n, _, err := b.conn.ReadFromUnix(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return errors.Wrap(err, "broker read")
		}
		b.handle(buf[:n])
	}
}

func (b *Broker) handle(datagram []byte) {
	req, err := parseRequest(datagram)
	if err != nil {
		b.metrics.badRequests.Inc()
		level.Warn(b.logger).Log("msg", "ignoring malformed request", "err", err)
		return
	}
	switch req.verb {
	case verbRegister:
		b.register(req.rec)
	case verbDeregister:
		b.deregister(req.rec)
	default:
		b.metrics.badRequests.Inc()
		level.Warn(b.logger).Log("msg", "ignoring unknown command", "command", req.verb)
	}
}

// register tells the newcomer about every participant already under the
// service key, records it, and fans the newcomer out to the others.
func (b *Broker) register(rec Record) {
	b.mu.Lock()
	existing := append([]Record(nil), b.registry[rec.Service]...)
	b.registry[rec.Service] = append(b.registry[rec.Service], rec)
	b.mu.Unlock()

	for _, p := range existing {
		b.sendPeer(p, rec.Addr)
	}
	for _, p := range existing {
		b.sendPeer(rec, p.Addr)
	}

	b.metrics.registrations.WithLabelValues(rec.Service).Inc()
	level.Info(b.logger).Log("msg", "registered", "service", rec.Service,
		"addr", rec.Addr, "ring", rec.Ring, "peers", len(existing))
}

// deregister drops the first record equal to rec. Peers are not told
// about departures; they find out when the ring's kernel objects go away.
func (b *Broker) deregister(rec Record) {
	b.mu.Lock()
	recs := b.registry[rec.Service]
	for i, p := range recs {
		if p == rec {
			b.registry[rec.Service] = append(recs[:i], recs[i+1:]...)
			break
		}
	}
	if len(b.registry[rec.Service]) == 0 {
		delete(b.registry, rec.Service)
	}
	b.mu.Unlock()

	b.metrics.deregistrations.WithLabelValues(rec.Service).Inc()
	level.Info(b.logger).Log("msg", "deregistered", "service", rec.Service, "addr", rec.Addr)
}

// sendPeer delivers one PEER record to a participant's socket path.
// Failures are dropped: a dead or slow client must not hold up the
// registry, and its record stays until it deregisters.
func (b *Broker) sendPeer(rec Record, to string) {
	addr, err := net.ResolveUnixAddr("unixgram", to)
	if err != nil {
		b.metrics.sendFailures.Inc()
		level.Debug(b.logger).Log("msg", "dropping peer notification", "to", to, "err", err)
		return
	}
	b.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	if _, err := b.conn.WriteToUnix(encodePeer(rec), addr); err != nil {
		b.metrics.sendFailures.Inc()
		level.Debug(b.logger).Log("msg", "dropping peer notification", "to", to, "err", err)
		return
	}
	b.metrics.peerNotifications.Inc()
}

// Participants returns the registered records for a service key.
func (b *Broker) Participants(service string) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Record(nil), b.registry[service]...)
}

// Close releases the broker socket and removes its path.
func (b *Broker) Close() error {
	err := b.conn.Close()
	os.Remove(b.path)
	return err
}
