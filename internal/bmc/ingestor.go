package bmc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gridwatch/gridwatch/internal/registry"
	"github.com/gridwatch/gridwatch/internal/telemetry"
	"github.com/gridwatch/gridwatch/internal/tsdb"
)

// TimeSeriesSink receives the decoded fan and sensor rows.
type TimeSeriesSink interface {
	InsertRows(ctx context.Context, family string, rows []tsdb.Row) error
}

// NodeSink receives per-board node updates.
type NodeSink interface {
	UpsertBMC(update registry.BMCUpdate)
}

// Ingestor joins the BMC multicast group and routes every valid packet to
// the time-series store and the node registry. Start and Stop are
// idempotent.
type Ingestor struct {
	group net.IP
	port  int
	store TimeSeriesSink
	nodes NodeSink

	mu      sync.Mutex
	conn    *net.UDPConn
	running bool
	done    chan struct{}
}

// NewIngestor constructs an ingestor for the given multicast group and port.
func NewIngestor(group string, port int, store TimeSeriesSink, nodes NodeSink) (*Ingestor, error) {
	ip := net.ParseIP(group)
	if ip == nil || !ip.IsMulticast() {
		return nil, fmt.Errorf("invalid multicast group %q", group)
	}
	return &Ingestor{group: ip, port: port, store: store, nodes: nodes}, nil
}

// Start joins the group and launches the receive loop.
func (i *Ingestor) Start() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.running {
		return nil
	}

	conn, err := net.ListenMulticastUDP("udp4", nil, &net.UDPAddr{IP: i.group, Port: i.port})
	if err != nil {
		return fmt.Errorf("join multicast %s:%d: %w", i.group, i.port, err)
	}
	if err := conn.SetReadBuffer(1 << 20); err != nil {
		log.Debug().Err(err).Msg("SetReadBuffer on BMC socket failed")
	}

	i.conn = conn
	i.running = true
	i.done = make(chan struct{})
	go i.receiveLoop(conn, i.done)

	log.Info().Str("group", i.group.String()).Int("port", i.port).Msg("BMC multicast ingestor started")
	return nil
}

// Stop terminates the receive loop and leaves the group.
func (i *Ingestor) Stop() {
	i.mu.Lock()
	if !i.running {
		i.mu.Unlock()
		return
	}
	i.running = false
	conn := i.conn
	done := i.done
	i.conn = nil
	i.mu.Unlock()

	conn.Close()
	<-done
	log.Info().Msg("BMC multicast ingestor stopped")
}

func (i *Ingestor) isRunning() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.running
}

// receiveLoop reads datagrams with a 1 s deadline so Stop is observed
// promptly even while the group is silent.
func (i *Ingestor) receiveLoop(conn *net.UDPConn, done chan struct{}) {
	defer close(done)

	buf := make([]byte, PacketSize+64)
	for i.isRunning() {
		if err := conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			log.Warn().Err(err).Msg("BMC socket deadline failed")
			return
		}
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if i.isRunning() {
				log.Warn().Err(err).Msg("BMC socket read failed")
			}
			return
		}
		i.handleDatagram(buf[:n])
	}
}

func (i *Ingestor) handleDatagram(data []byte) {
	packet, err := Decode(data)
	if err != nil {
		telemetry.BMCPacketsDropped.Inc()
		log.Warn().Err(err).Int("size", len(data)).Msg("BMC packet discarded")
		return
	}
	telemetry.BMCPacketsAccepted.Inc()
	i.fanOut(packet)
}

// fanOut stores fan and sensor rows under one server timestamp and applies
// per-board node updates.
func (i *Ingestor) fanOut(packet *Packet) {
	now := time.Now()
	boxID := int(packet.BoxID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fanRows := make([]tsdb.Row, 0, fanCount)
	for _, fan := range packet.Fans {
		fanRows = append(fanRows, tsdb.Row{
			TS: now,
			Tags: map[string]string{
				"box_id":  strconv.Itoa(boxID),
				"fan_seq": strconv.Itoa(int(fan.FanSeq)),
			},
			Fields: map[string]float64{
				"speed":      float64(fan.Speed),
				"work_mode":  float64(fan.WorkMode()),
				"alarm_type": float64(fan.AlarmType()),
			},
		})
	}
	if err := i.store.InsertRows(ctx, tsdb.FamilyBMCFan.Name, fanRows); err != nil {
		log.Warn().Err(err).Int("box_id", boxID).Msg("BMC fan insert failed")
	}

	var sensorRows []tsdb.Row
	for _, board := range packet.Boards {
		if board.Empty() {
			continue
		}
		slot, known := SlotForIPMB(board.IPMBAddr)
		if !known {
			log.Warn().Uint8("ipmb_addr", board.IPMBAddr).Int("box_id", boxID).Msg("Unknown IPMB address, board skipped")
			continue
		}
		hostIP, knownSlot := HostIPForSlot(boxID, slot)
		if !knownSlot {
			log.Warn().Int("slot_id", slot).Int("box_id", boxID).Str("host_ip", hostIP).Msg("Unknown slot, using default host address")
		}

		i.nodes.UpsertBMC(registry.BMCUpdate{
			HostIP:      hostIP,
			BoxID:       boxID,
			SlotID:      slot,
			IPMBAddress: board.IPMBAddr,
			ModuleType:  board.ModuleType,
			BMCCompany:  board.BMCCompany,
			BMCVersion:  board.VersionString(),
		})

		count := int(board.SensorNum)
		if count > sensorCount {
			count = sensorCount
		}
		for _, sensor := range board.Sensors[:count] {
			sensorRows = append(sensorRows, tsdb.Row{
				TS: now,
				Tags: map[string]string{
					"box_id":      strconv.Itoa(boxID),
					"slot_id":     strconv.Itoa(slot),
					"sensor_seq":  strconv.Itoa(int(sensor.Seq)),
					"sensor_name": sensor.CleanName(),
					"sensor_type": strconv.Itoa(int(sensor.Type)),
					"host_ip":     hostIP,
				},
				Fields: map[string]float64{
					"sensor_value": float64(sensor.Value()),
					"alarm_type":   float64(sensor.AlarmType),
				},
			})
		}
	}
	if len(sensorRows) > 0 {
		if err := i.store.InsertRows(ctx, tsdb.FamilyBMCSensor.Name, sensorRows); err != nil {
			log.Warn().Err(err).Int("box_id", boxID).Msg("BMC sensor insert failed")
		}
	}
}
