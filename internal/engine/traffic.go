package engine

import (
	"math"
	"time"

	"mtdbench/internal/attack"
	"mtdbench/internal/domain"
)

const (
	baseLatencyMs              = 20.0
	attackPacketsPerConnection = 10.0
	defaultJitter              = 0.1
)

// TrafficSource produces one sample per proxy per monitoring interval.
type TrafficSource interface {
	Sample(proxyID uint32, now, interval time.Duration) domain.TrafficStats
}

// LoadView reports how many users sit on a proxy. *shuffle.Controller satisfies it.
type LoadView interface {
	ProxyLoad(proxyID uint32) int
}

// AttackView exposes cumulative attack counters per target. *attack.Coordinator
// satisfies it.
type AttackView interface {
	TargetCounters() map[uint32]attack.TargetCounter
}

type jitterSource interface {
	Float64() float64
}

// SyntheticTraffic derives proxy traffic from the users placed on it and the
// attack packets aimed at it since the previous sample.
type SyntheticTraffic struct {
	BaselineRate float64
	PacketSize   uint32
	Capacity     float64
	Jitter       float64

	load    LoadView
	attacks AttackView
	rng     jitterSource

	last   map[uint32]attack.TargetCounter
	totals map[uint32]*domain.TrafficStats
}

func NewSyntheticTraffic(load LoadView, attacks AttackView, rng jitterSource) *SyntheticTraffic {
	return &SyntheticTraffic{
		BaselineRate: 5,
		PacketSize:   512,
		Capacity:     5000,
		Jitter:       defaultJitter,
		load:         load,
		attacks:      attacks,
		rng:          rng,
		last:         make(map[uint32]attack.TargetCounter),
		totals:       make(map[uint32]*domain.TrafficStats),
	}
}

func (t *SyntheticTraffic) Sample(proxyID uint32, now, interval time.Duration) domain.TrafficStats {
	secs := interval.Seconds()
	if secs <= 0 {
		secs = 1
	}

	users := 0
	if t.load != nil {
		users = t.load.ProxyLoad(proxyID)
	}
	baseline := float64(users) * t.BaselineRate
	if t.rng != nil && t.Jitter > 0 {
		baseline *= 1 + t.Jitter*(2*t.rng.Float64()-1)
	}

	var attackPackets, attackBytes float64
	if t.attacks != nil {
		current := t.attacks.TargetCounters()[proxyID]
		prev := t.last[proxyID]
		attackPackets = float64(current.Packets - prev.Packets)
		attackBytes = float64(current.Bytes - prev.Bytes)
		t.last[proxyID] = current
	}
	attackRate := attackPackets / secs

	rate := baseline + attackRate
	served := rate
	if t.Capacity > 0 {
		served = math.Min(rate, t.Capacity)
	}
	util := 0.0
	if t.Capacity > 0 {
		util = math.Min(1, rate/t.Capacity)
	}

	total, ok := t.totals[proxyID]
	if !ok {
		total = &domain.TrafficStats{}
		t.totals[proxyID] = total
	}
	total.PacketsIn += uint64(rate * secs)
	total.PacketsOut += uint64(served * secs)
	total.BytesIn += uint64(baseline*secs)*uint64(t.PacketSize) + uint64(attackBytes)
	total.BytesOut += uint64(served*secs) * uint64(t.PacketSize)

	sample := *total
	sample.PacketRate = rate
	sample.ByteRate = baseline*float64(t.PacketSize) + attackBytes/secs
	sample.ActiveConnections = uint32(users) + uint32(attackRate/attackPacketsPerConnection)
	sample.AverageLatency = baseLatencyMs * (1 + 4*util*util)
	sample.Timestamp = now
	return sample
}

// utilization is the share of capacity a sample represents, capped at 1.
func utilization(s domain.TrafficStats, capacity float64) float64 {
	if capacity <= 0 {
		return 0
	}
	return math.Min(1, s.PacketRate/capacity)
}
