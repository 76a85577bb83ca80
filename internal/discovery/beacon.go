// Package discovery announces the service on the management multicast
// group so agents can find the ingest endpoints without static
// configuration.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	announceInterval = 2 * time.Second
	statusInterval   = 5 * time.Second
)

// Announcement is the fast beacon: where to reach the service.
type Announcement struct {
	Kind          string `json:"kind"`
	Hostname      string `json:"hostname"`
	HTTPPort      int    `json:"http_port"`
	WebSocketPort int    `json:"websocket_port"`
}

// Status is the slow beacon: a coarse liveness summary.
type Status struct {
	Kind      string `json:"kind"`
	Hostname  string `json:"hostname"`
	NodeCount int    `json:"node_count"`
	UptimeSec int64  `json:"uptime_sec"`
}

// NodeCounter supplies the status beacon's node count.
type NodeCounter interface {
	Len() int
}

// Beacon periodically multicasts announcements and status summaries.
type Beacon struct {
	group    string
	httpPort int
	wsPort   int
	nodes    NodeCounter
	started  time.Time
}

// NewBeacon validates the group address and builds the beacon.
func NewBeacon(groupIP string, groupPort, httpPort, wsPort int, nodes NodeCounter) (*Beacon, error) {
	ip := net.ParseIP(groupIP)
	if ip == nil || !ip.IsMulticast() {
		return nil, fmt.Errorf("invalid multicast group %q", groupIP)
	}
	return &Beacon{
		group:    fmt.Sprintf("%s:%d", groupIP, groupPort),
		httpPort: httpPort,
		wsPort:   wsPort,
		nodes:    nodes,
		started:  time.Now(),
	}, nil
}

// Run sends beacons until the context is canceled. A send failure is logged
// and retried on the next tick.
func (b *Beacon) Run(ctx context.Context) {
	conn, err := net.Dial("udp4", b.group)
	if err != nil {
		log.Warn().Err(err).Str("group", b.group).Msg("Discovery beacon disabled, dial failed")
		return
	}
	defer conn.Close()

	hostname, _ := os.Hostname()
	announce := time.NewTicker(announceInterval)
	status := time.NewTicker(statusInterval)
	defer announce.Stop()
	defer status.Stop()

	log.Info().Str("group", b.group).Msg("Discovery beacons started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Discovery beacons stopped")
			return
		case <-announce.C:
			b.send(conn, Announcement{
				Kind:          "announce",
				Hostname:      hostname,
				HTTPPort:      b.httpPort,
				WebSocketPort: b.wsPort,
			})
		case <-status.C:
			count := 0
			if b.nodes != nil {
				count = b.nodes.Len()
			}
			b.send(conn, Status{
				Kind:      "status",
				Hostname:  hostname,
				NodeCount: count,
				UptimeSec: int64(time.Since(b.started).Seconds()),
			})
		}
	}
}

func (b *Beacon) send(conn net.Conn, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Warn().Err(err).Msg("Beacon payload encoding failed")
		return
	}
	if _, err := conn.Write(data); err != nil {
		log.Debug().Err(err).Msg("Beacon send failed")
	}
}
