// shmbus-consume registers with the broker, waits for a peer that offers
// a ring, attaches and prints every message it receives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
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
		os.Stderr.WriteString("shmbus-consume: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := logging.New(cfg.Log.Level)

	service := "demo"
	if s := os.Getenv("SHMBUS_SERVICE"); s != "" {
		service = s
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	part, err := discovery.NewParticipant(discovery.ParticipantConfig{
		BrokerPath: cfg.Broker.SocketPath,
		Service:    service,
	}, log.With(logger, "component", "participant"))
	if err != nil {
		level.Error(logger).Log("msg", "broker registration failed", "err", err)
		os.Exit(1)
	}
	defer part.Close()

	var ring *shm.Ring
	for ring == nil {
		peer, err := part.NextPeer(ctx)
		if err != nil {
			level.Info(logger).Log("msg", "consumer stopping", "err", err)
			return
		}
		if peer.Ring == discovery.NoRing {
			continue
		}
		ring, err = shm.Attach(peer.Ring, log.With(logger, "component", "ring"))
		if err != nil {
			level.Error(logger).Log("msg", "attach failed", "ring", peer.Ring, "err", err)
			os.Exit(1)
		}
	}
	defer ring.Close()

	for {
		if ctx.Err() != nil {
			level.Info(logger).Log("msg", "consumer stopping")
			return
		}
		msg, err := ring.ReadMessage()
		if err != nil {
			level.Error(logger).Log("msg", "read failed", "err", err)
			return
		}
		fmt.Printf("%s\n", msg)
	}
}
