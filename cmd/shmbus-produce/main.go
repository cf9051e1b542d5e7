// shmbus-produce creates a ring, registers it with the broker and writes
// a timestamped message per tick until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/shmbus/shmbus/config"
	"github.com/shmbus/shmbus/discovery"
	"github.com/shmbus/shmbus/logging"
	"github.com/shmbus/shmbus/shm"
)

func main() {
	godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		os.Stderr.WriteString("shmbus-produce: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := logging.New(cfg.Log.Level)

	service := "demo"
	if s := os.Getenv("SHMBUS_SERVICE"); s != "" {
		service = s
	}
	ringName := fmt.Sprintf("/ipc_demo_%d", os.Getpid())
	if s := os.Getenv("SHMBUS_RING"); s != "" {
		ringName = s
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ring, err := shm.Create(ringName, cfg.Ring.SlotCount, cfg.Ring.SlotSize, log.With(logger, "component", "ring"))
	if err != nil {
		level.Error(logger).Log("msg", "ring create failed", "err", err)
		os.Exit(1)
	}
	defer ring.Close()
	defer ring.Unlink()

	part, err := discovery.NewParticipant(discovery.ParticipantConfig{
		BrokerPath: cfg.Broker.SocketPath,
		Service:    service,
		Ring:       ringName,
	}, log.With(logger, "component", "participant"))
	if err != nil {
		level.Error(logger).Log("msg", "broker registration failed", "err", err)
		os.Exit(1)
	}
	defer part.Close()

	// Peer notifications are informational for a producer: consumers come
	// to us via the ring name the broker hands them.
	go func() {
		for {
			peer, err := part.NextPeer(ctx)
			if err != nil {
				return
			}
			level.Info(logger).Log("msg", "peer joined", "addr", peer.Addr, "ring", peer.Ring)
		}
	}()

	run := uuid.NewString()[:8]
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			level.Info(logger).Log("msg", "producer stopping", "sent", seq)
			return
		case <-ticker.C:
			msg := fmt.Sprintf("%s %s %d %s", service, run, seq, time.Now().UTC().Format(time.RFC3339Nano))
			if err := ring.WriteMessage([]byte(msg)); err != nil {
				level.Error(logger).Log("msg", "write failed", "err", err)
				return
			}
			seq++
		}
	}
}
