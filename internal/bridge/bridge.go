// Package bridge feeds merged sACN frames into MQTT topics.
package bridge

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dsmurfin/sacnkit/internal/clientmqtt"
	"github.com/dsmurfin/sacnkit/internal/config"
	"github.com/dsmurfin/sacnkit/internal/logger"
	"github.com/dsmurfin/sacnkit/packet"
	"github.com/dsmurfin/sacnkit/sacn"
)

// Bridge runs a ReceiverGroup over the configured universes and publishes
// the channels that changed in each merged frame.
type Bridge struct {
	log       logger.Logger
	client    clientmqtt.MQTTClient
	topicBase string

	group *sacn.ReceiverGroup

	mu sync.Mutex
	// last published frame per universe, for diffing
	last map[uint16][packet.SlotCount]byte
	seen map[uint16]bool
}

// New builds a bridge for the configured universes.
func New(log logger.Logger, client clientmqtt.MQTTClient, cfg config.SACNConf, topicBase string) (*Bridge, error) {
	b := &Bridge{
		log:       log,
		client:    client,
		topicBase: topicBase,
		last:      make(map[uint16][packet.SlotCount]byte),
		seen:      make(map[uint16]bool),
	}
	mode, err := parseIPMode(cfg.IPMode)
	if err != nil {
		return nil, err
	}
	group, err := sacn.NewReceiverGroup(sacn.ReceiverGroupConfig{
		Universes:     cfg.Universes,
		IPMode:        mode,
		Interfaces:    cfg.Interfaces,
		SourceLimit:   cfg.SourceLimit,
		FilterPreview: cfg.FilterPreview,
		Delegate:      b,
	})
	if err != nil {
		return nil, err
	}
	b.group = group
	return b, nil
}

// Start begins receiving.
func (b *Bridge) Start() error {
	return b.group.Start()
}

// Stop halts receiving.
func (b *Bridge) Stop() error {
	return b.group.Stop()
}

func parseIPMode(s string) (sacn.IPMode, error) {
	switch s {
	case "", "ipv4":
		return sacn.IPv4Only, nil
	case "ipv6":
		return sacn.IPv6Only, nil
	case "both":
		return sacn.IPv4AndIPv6, nil
	default:
		return sacn.IPv4Only, fmt.Errorf("bridge: unknown ip-mode %q", s)
	}
}

// MergedData publishes the channels that changed since the last frame.
func (b *Bridge) MergedData(data sacn.MergedData) {
	b.mu.Lock()
	prev := b.last[data.Universe]
	first := !b.seen[data.Universe]
	var payload clientmqtt.Payload
	for i := 0; i < packet.SlotCount; i++ {
		if first || prev[i] != data.Levels[i] {
			payload = append(payload, clientmqtt.DMXCommand{
				Channel: uint16(i),
				Value:   data.Levels[i],
			})
		}
	}
	b.last[data.Universe] = data.Levels
	b.seen[data.Universe] = true
	b.mu.Unlock()

	if len(payload) == 0 {
		return
	}
	topic := fmt.Sprintf("%s/universe/%d", b.topicBase, data.Universe)
	b.client.Publish(topic, payload)
}

// SamplingStarted logs the start of a universe's sampling window.
func (b *Bridge) SamplingStarted(universe uint16) {
	b.log.With(logger.Fields{"module": "sacn", "universe": universe}).Debug("sampling started")
}

// SamplingEnded logs the end of a universe's sampling window.
func (b *Bridge) SamplingEnded(universe uint16) {
	b.log.With(logger.Fields{"module": "sacn", "universe": universe}).Debug("sampling ended")
}

// SourcesLost logs sources that went quiet.
func (b *Bridge) SourcesLost(universe uint16, cids []uuid.UUID) {
	b.log.With(logger.Fields{"module": "sacn", "universe": universe}).Infof("sources lost: %v", cids)
}

// SourceLimitExceeded warns that more sources transmit than the receiver
// tracks.
func (b *Bridge) SourceLimitExceeded(universe uint16) {
	b.log.With(logger.Fields{"module": "sacn", "universe": universe}).Warn("source limit exceeded")
}

// SocketClosed reports a socket closing at runtime.
func (b *Bridge) SocketClosed(universe uint16, iface string, err error) {
	if err != nil {
		b.log.With(logger.Fields{"module": "sacn", "universe": universe, "interface": iface}).
			Errorf("socket closed: %v", err)
	}
}
