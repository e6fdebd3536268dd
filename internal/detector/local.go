// Package detector turns traffic samples into DetectionObservations.
package detector

import (
	"sort"

	"github.com/charmbracelet/log"

	"mtdbench/internal/domain"
)

const DefaultHistorySize = 60

const (
	ThresholdPacketRate   = "packetRate"
	ThresholdByteRate     = "byteRate"
	ThresholdConnections  = "connections"
	ThresholdAnomalyScore = "anomalyScore"
)

type Thresholds struct {
	PacketRate   float64 `json:"packet_rate"`
	ByteRate     float64 `json:"byte_rate"`
	Connections  float64 `json:"connections"`
	AnomalyScore float64 `json:"anomaly_score"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		PacketRate:   10000,
		ByteRate:     10000000,
		Connections:  1000,
		AnomalyScore: 0.7,
	}
}

type window struct {
	samples []domain.TrafficStats
	head    int
	limit   int
}

func (w *window) push(s domain.TrafficStats) {
	if len(w.samples) < w.limit {
		w.samples = append(w.samples, s)
		return
	}
	w.samples[w.head] = s
	w.head = (w.head + 1) % len(w.samples)
}

func (w *window) ordered() []domain.TrafficStats {
	out := make([]domain.TrafficStats, 0, len(w.samples))
	out = append(out, w.samples[w.head:]...)
	return append(out, w.samples[:w.head]...)
}

func (w *window) resize(limit int) {
	ordered := w.ordered()
	if len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	w.samples = ordered
	w.head = 0
	w.limit = limit
}

// LocalDetector scores each endpoint against its own recent history.
type LocalDetector struct {
	thresholds  Thresholds
	historySize int
	current     map[uint32]domain.TrafficStats
	history     map[uint32]*window
	underAttack map[uint32]bool
	last        map[uint32]domain.DetectionObservation
}

func NewLocalDetector() *LocalDetector {
	return &LocalDetector{
		thresholds:  DefaultThresholds(),
		historySize: DefaultHistorySize,
		current:     make(map[uint32]domain.TrafficStats),
		history:     make(map[uint32]*window),
		underAttack: make(map[uint32]bool),
		last:        make(map[uint32]domain.DetectionObservation),
	}
}

func (d *LocalDetector) SetThresholds(t Thresholds) {
	d.thresholds = t
}

func (d *LocalDetector) Thresholds() Thresholds {
	return d.thresholds
}

// UpdateThreshold sets one threshold by key and reports whether the key is known.
func (d *LocalDetector) UpdateThreshold(key string, value float64) bool {
	switch key {
	case ThresholdPacketRate:
		d.thresholds.PacketRate = value
	case ThresholdByteRate:
		d.thresholds.ByteRate = value
	case ThresholdConnections:
		d.thresholds.Connections = value
	case ThresholdAnomalyScore:
		d.thresholds.AnomalyScore = value
	default:
		log.Warn("local detector: unknown threshold", "key", key)
		return false
	}
	return true
}

func (d *LocalDetector) SetHistorySize(size int) {
	if size <= 0 {
		return
	}
	d.historySize = size
	for _, w := range d.history {
		w.resize(size)
	}
}

func (d *LocalDetector) UpdateStats(endpointID uint32, stats domain.TrafficStats) {
	d.current[endpointID] = stats

	w, ok := d.history[endpointID]
	if !ok {
		w = &window{limit: d.historySize}
		d.history[endpointID] = w
	}
	w.push(stats)
}

func (d *LocalDetector) Stats(endpointID uint32) (domain.TrafficStats, bool) {
	stats, ok := d.current[endpointID]
	return stats, ok
}

// History returns the retained window for an endpoint, oldest first.
func (d *LocalDetector) History(endpointID uint32) []domain.TrafficStats {
	w, ok := d.history[endpointID]
	if !ok {
		return nil
	}
	return w.ordered()
}

// Analyze scores the latest sample of an endpoint. Unknown endpoints yield a
// zero observation.
func (d *LocalDetector) Analyze(endpointID uint32) domain.DetectionObservation {
	latest, ok := d.current[endpointID]
	if !ok {
		return domain.DetectionObservation{SuspectedType: domain.AttackNone}
	}

	history := d.History(endpointID)
	obs := domain.DetectionObservation{
		RateAnomaly:       d.zAnomaly(history, latest.PacketRate, packetRate),
		ConnectionAnomaly: d.zAnomaly(history, float64(latest.ActiveConnections), connections),
		PatternAnomaly:    d.patternAnomaly(latest),
		PersistenceFactor: d.persistence(history),
		Timestamp:         latest.Timestamp,
	}
	obs.Confidence = obs.PatternAnomaly
	obs.SuspectedType = suspectedType(obs)

	attacked := obs.PatternAnomaly > d.thresholds.AnomalyScore
	if attacked && !d.underAttack[endpointID] {
		log.Debug("local detector: endpoint flagged", "endpoint", endpointID, "pattern", obs.PatternAnomaly, "type", obs.SuspectedType)
	}
	d.underAttack[endpointID] = attacked
	d.last[endpointID] = obs

	return obs
}

// LastObservation returns what the latest Analyze call produced for the
// endpoint without analyzing again.
func (d *LocalDetector) LastObservation(endpointID uint32) (domain.DetectionObservation, bool) {
	obs, ok := d.last[endpointID]
	return obs, ok
}

func packetRate(s domain.TrafficStats) float64 { return s.PacketRate }

func connections(s domain.TrafficStats) float64 { return float64(s.ActiveConnections) }

func (d *LocalDetector) zAnomaly(history []domain.TrafficStats, value float64, feature func(domain.TrafficStats) float64) float64 {
	if len(history) < 2 {
		return 0
	}
	values := make([]float64, len(history))
	for i, s := range history {
		values[i] = feature(s)
	}
	mean, std := meanStd(values)
	return normalizedZ(value, mean, std)
}

// patternAnomaly adds a weighted ratio for each feature that is over its threshold.
func (d *LocalDetector) patternAnomaly(s domain.TrafficStats) float64 {
	var score float64
	t := d.thresholds
	if t.PacketRate > 0 && s.PacketRate > t.PacketRate {
		score += 0.4 * (s.PacketRate / t.PacketRate)
	}
	if t.ByteRate > 0 && s.ByteRate > t.ByteRate {
		score += 0.3 * (s.ByteRate / t.ByteRate)
	}
	if t.Connections > 0 && float64(s.ActiveConnections) > t.Connections {
		score += 0.3 * (float64(s.ActiveConnections) / t.Connections)
	}
	return clamp01(score)
}

func (d *LocalDetector) persistence(history []domain.TrafficStats) float64 {
	if len(history) == 0 || d.thresholds.PacketRate <= 0 {
		return 0
	}
	over := 0
	for _, s := range history {
		if s.PacketRate > d.thresholds.PacketRate {
			over++
		}
	}
	return float64(over) / float64(len(history))
}

func suspectedType(obs domain.DetectionObservation) domain.AttackType {
	switch {
	case obs.PatternAnomaly > 0.8:
		if obs.ConnectionAnomaly > obs.RateAnomaly {
			return domain.AttackSYNFlood
		}
		return domain.AttackUDPFlood
	case obs.PatternAnomaly > 0.5:
		return domain.AttackDoS
	default:
		return domain.AttackNone
	}
}

// IsUnderAttack reflects the most recent Analyze call for the endpoint.
func (d *LocalDetector) IsUnderAttack(endpointID uint32) bool {
	return d.underAttack[endpointID]
}

func (d *LocalDetector) ResetStats(endpointID uint32) {
	delete(d.current, endpointID)
	delete(d.history, endpointID)
	delete(d.underAttack, endpointID)
	delete(d.last, endpointID)
}

func (d *LocalDetector) MonitoredAgents() []uint32 {
	ids := make([]uint32, 0, len(d.current))
	for id := range d.current {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
