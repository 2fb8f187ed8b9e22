// Package discovery announces the server on the local network. A UDP
// broadcast beacon sends a fixed sentinel on a fixed interval; clients that
// hear it learn the server's address from the datagram's source tuple.
package discovery

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Sentinel is the fixed payload clients match on. Anything else arriving on
// the discovery port is ignored by clients.
const Sentinel = "PYTHON_CHAT_SERVER_DISCOVERY_V1"

// Beacon periodically broadcasts the sentinel to 255.255.255.255 on the
// configured port.
type Beacon struct {
	dest     *net.UDPAddr
	interval time.Duration
	logger   zerolog.Logger
}

// New builds a beacon for the given discovery port.
func New(port int, interval time.Duration, logger zerolog.Logger) *Beacon {
	return &Beacon{
		dest:     &net.UDPAddr{IP: net.IPv4bcast, Port: port},
		interval: interval,
		logger:   logger.With().Str("component", "discovery").Logger(),
	}
}

// Run broadcasts until the context is cancelled. Individual send failures
// are logged and retried on the next tick; the beacon is best-effort.
func (b *Beacon) Run(ctx context.Context) error {
	conn, err := openBroadcastSocket(ctx)
	if err != nil {
		return fmt.Errorf("discovery: opening broadcast socket: %w", err)
	}
	defer conn.Close()

	b.logger.Info().
		Str("dest", b.dest.String()).
		Dur("interval", b.interval).
		Msg("discovery beacon started")

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	payload := []byte(Sentinel)
	for {
		select {
		case <-ctx.Done():
			b.logger.Info().Msg("discovery beacon stopped")
			return nil
		case <-ticker.C:
			if _, err := conn.WriteTo(payload, b.dest); err != nil {
				b.logger.Warn().Err(err).Msg("beacon broadcast failed")
			}
		}
	}
}

// openBroadcastSocket binds an ephemeral UDP socket with SO_BROADCAST set,
// which sending to the limited broadcast address requires.
func openBroadcastSocket(ctx context.Context) (net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.ListenPacket(ctx, "udp4", ":0")
}
