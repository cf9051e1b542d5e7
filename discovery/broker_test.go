package discovery

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func startTestBroker(t *testing.T) (*Broker, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.sock")

	b, err := NewBroker(path, nil, prometheus.NewRegistry())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		b.Close()
	})
	return b, dir
}

func newTestParticipant(t *testing.T, b *Broker, dir, name, service, ring string) *Participant {
	t.Helper()
	p, err := NewParticipant(ParticipantConfig{
		BrokerPath: b.path,
		Service:    service,
		Ring:       ring,
		SocketPath: filepath.Join(dir, name+".sock"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func nextPeer(t *testing.T, p *Participant) Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rec, err := p.NextPeer(ctx)
	require.NoError(t, err)
	return rec
}

func TestRendezvous(t *testing.T) {
	b, dir := startTestBroker(t)

	producer := newTestParticipant(t, b, dir, "producer", "demo", "/r1")
	consumer := newTestParticipant(t, b, dir, "consumer", "demo", "")

	// The consumer learns about the existing producer, and the producer
	// about the newly joined consumer.
	require.Equal(t, Record{Service: "demo", Addr: producer.Addr(), Ring: "/r1"},
		nextPeer(t, consumer))
	require.Equal(t, Record{Service: "demo", Addr: consumer.Addr(), Ring: NoRing},
		nextPeer(t, producer))
}

func TestBrokerForwardsToEarlierJoiners(t *testing.T) {
	b, dir := startTestBroker(t)

	producer := newTestParticipant(t, b, dir, "producer", "demo", "/r1")
	consumerA := newTestParticipant(t, b, dir, "a", "demo", "")

	// Drain the join of A.
	require.Equal(t, producer.Addr(), nextPeer(t, consumerA).Addr)
	require.Equal(t, consumerA.Addr(), nextPeer(t, producer).Addr)

	consumerB := newTestParticipant(t, b, dir, "b", "demo", "")

	// B hears about both existing participants; both of them hear about B.
	require.Equal(t, producer.Addr(), nextPeer(t, consumerB).Addr)
	require.Equal(t, consumerA.Addr(), nextPeer(t, consumerB).Addr)
	require.Equal(t, consumerB.Addr(), nextPeer(t, producer).Addr)
	require.Equal(t, consumerB.Addr(), nextPeer(t, consumerA).Addr)
}

func TestServicesAreIsolated(t *testing.T) {
	b, dir := startTestBroker(t)

	newTestParticipant(t, b, dir, "producer", "alpha", "/r1")
	consumer := newTestParticipant(t, b, dir, "consumer", "beta", "")

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := consumer.NextPeer(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDeregisterRemovesRecord(t *testing.T) {
	b, dir := startTestBroker(t)

	newTestParticipant(t, b, dir, "producer", "demo", "/r1")
	consumer := newTestParticipant(t, b, dir, "consumer", "demo", "")
	require.NoError(t, consumer.Close())

	require.Eventually(t, func() bool {
		return len(b.Participants("demo")) == 1
	}, 2*time.Second, 20*time.Millisecond)

	// A later joiner hears only about the remaining producer.
	late := newTestParticipant(t, b, dir, "late", "demo", "")
	require.Equal(t, "/r1", nextPeer(t, late).Ring)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := late.NextPeer(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBrokerIgnoresJunk(t *testing.T) {
	b, dir := startTestBroker(t)

	raddr, err := net.ResolveUnixAddr("unixgram", b.path)
	require.NoError(t, err)
	laddr, err := net.ResolveUnixAddr("unixgram", filepath.Join(dir, "junk.sock"))
	require.NoError(t, err)
	conn, err := net.ListenUnixgram("unixgram", laddr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.WriteToUnix([]byte("BOGUS a b c"), raddr)
	require.NoError(t, err)
	_, err = conn.WriteToUnix([]byte("short"), raddr)
	require.NoError(t, err)

	// The broker keeps serving; the datagram socket preserves ordering,
	// so a successful rendezvous proves the junk was already handled.
	producer := newTestParticipant(t, b, dir, "producer", "demo", "/r1")
	consumer := newTestParticipant(t, b, dir, "consumer", "demo", "")
	require.Equal(t, producer.Addr(), nextPeer(t, consumer).Addr)

	require.Equal(t, float64(2), testutil.ToFloat64(b.metrics.badRequests))
}

func TestBrokerDropsUndeliverable(t *testing.T) {
	b, dir := startTestBroker(t)

	// Register an address nobody listens on, then a real consumer. The
	// dead peer must not stall or poison the rendezvous.
	raddr, err := net.ResolveUnixAddr("unixgram", b.path)
	require.NoError(t, err)
	laddr, err := net.ResolveUnixAddr("unixgram", filepath.Join(dir, "ghostsrc.sock"))
	require.NoError(t, err)
	conn, err := net.ListenUnixgram("unixgram", laddr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.WriteToUnix([]byte("REGISTER demo "+filepath.Join(dir, "ghost.sock")+" /r9"), raddr)
	require.NoError(t, err)

	consumer := newTestParticipant(t, b, dir, "consumer", "demo", "")
	require.Equal(t, "/r9", nextPeer(t, consumer).Ring)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(b.metrics.sendFailures) >= 1
	}, 2*time.Second, 20*time.Millisecond)
	require.Len(t, b.Participants("demo"), 2)
}
