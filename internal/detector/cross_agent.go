package detector

import (
	"sort"
	"strings"

	"mtdbench/internal/domain"
)

const DefaultOutlierThreshold = 2.0

type Feature string

const (
	FeaturePacketRate  Feature = "packetRate"
	FeatureByteRate    Feature = "byteRate"
	FeatureConnections Feature = "connections"
	FeatureLatency     Feature = "latency"
)

func (f Feature) value(s domain.TrafficStats) float64 {
	switch f {
	case FeatureByteRate:
		return s.ByteRate
	case FeatureConnections:
		return float64(s.ActiveConnections)
	case FeatureLatency:
		return s.AverageLatency
	default:
		return s.PacketRate
	}
}

func ParseFeature(raw string) (Feature, bool) {
	for _, f := range []Feature{FeaturePacketRate, FeatureByteRate, FeatureConnections, FeatureLatency} {
		if strings.EqualFold(string(f), strings.TrimSpace(raw)) {
			return f, true
		}
	}
	return "", false
}

// StatsSource supplies the latest sample per endpoint. *LocalDetector satisfies it.
type StatsSource interface {
	Stats(endpointID uint32) (domain.TrafficStats, bool)
}

type AgentObservation struct {
	AgentID     uint32                      `json:"agent_id"`
	Observation domain.DetectionObservation `json:"observation"`
}

// CrossAgentDetector compares endpoints with each other over the configured
// feature set.
type CrossAgentDetector struct {
	features []Feature
	agents   map[uint32]StatsSource
}

func NewCrossAgentDetector(features ...Feature) *CrossAgentDetector {
	d := &CrossAgentDetector{agents: make(map[uint32]StatsSource)}
	d.SetFeatures(features...)
	return d
}

// SetFeatures replaces the feature set; an empty set falls back to packet rate.
// The first feature drives TrafficDistribution.
func (d *CrossAgentDetector) SetFeatures(features ...Feature) {
	if len(features) == 0 {
		features = []Feature{FeaturePacketRate}
	}
	d.features = append([]Feature(nil), features...)
}

func (d *CrossAgentDetector) Features() []Feature {
	return append([]Feature(nil), d.features...)
}

func (d *CrossAgentDetector) RegisterAgent(agentID uint32, source StatsSource) {
	d.agents[agentID] = source
}

func (d *CrossAgentDetector) UnregisterAgent(agentID uint32) {
	delete(d.agents, agentID)
}

func (d *CrossAgentDetector) Agents() []uint32 {
	ids := make([]uint32, 0, len(d.agents))
	for id := range d.agents {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type agentSample struct {
	id    uint32
	stats domain.TrafficStats
}

func (d *CrossAgentDetector) samples() []agentSample {
	var out []agentSample
	for _, id := range d.Agents() {
		if stats, ok := d.agents[id].Stats(id); ok {
			out = append(out, agentSample{id: id, stats: stats})
		}
	}
	return out
}

type featureMoments struct {
	mean float64
	std  float64
}

func (d *CrossAgentDetector) moments(samples []agentSample) map[Feature]featureMoments {
	out := make(map[Feature]featureMoments, len(d.features))
	for _, f := range d.features {
		values := make([]float64, len(samples))
		for i, s := range samples {
			values[i] = f.value(s.stats)
		}
		mean, std := meanStd(values)
		out[f] = featureMoments{mean: mean, std: std}
	}
	return out
}

// AnalyzePatterns returns, per endpoint, the largest normalized z-score across
// the configured features.
func (d *CrossAgentDetector) AnalyzePatterns() map[uint32]float64 {
	samples := d.samples()
	scores := make(map[uint32]float64, len(samples))
	if len(samples) < 2 {
		for _, s := range samples {
			scores[s.id] = 0
		}
		return scores
	}

	moments := d.moments(samples)
	for _, s := range samples {
		var best float64
		for _, f := range d.features {
			m := moments[f]
			if z := normalizedZ(f.value(s.stats), m.mean, m.std); z > best {
				best = z
			}
		}
		scores[s.id] = best
	}
	return scores
}

// TrafficDistribution returns each endpoint's share of the primary feature.
func (d *CrossAgentDetector) TrafficDistribution() map[uint32]float64 {
	samples := d.samples()
	primary := d.features[0]

	var total float64
	for _, s := range samples {
		total += primary.value(s.stats)
	}

	dist := make(map[uint32]float64, len(samples))
	for _, s := range samples {
		if total > 0 {
			dist[s.id] = primary.value(s.stats) / total
		} else {
			dist[s.id] = 0
		}
	}
	return dist
}

// IdentifyOutliers lists endpoints whose |z| exceeds threshold on any configured
// feature. A non-positive threshold uses DefaultOutlierThreshold.
func (d *CrossAgentDetector) IdentifyOutliers(threshold float64) []uint32 {
	if threshold <= 0 {
		threshold = DefaultOutlierThreshold
	}
	samples := d.samples()
	if len(samples) < 2 {
		return nil
	}

	moments := d.moments(samples)
	var outliers []uint32
	for _, s := range samples {
		for _, f := range d.features {
			m := moments[f]
			if m.std <= 0 {
				continue
			}
			z := (f.value(s.stats) - m.mean) / m.std
			if z > threshold || z < -threshold {
				outliers = append(outliers, s.id)
				break
			}
		}
	}
	return outliers
}

// AnomalyReport lists endpoints whose cross-agent anomaly is above 0.5.
func (d *CrossAgentDetector) AnomalyReport() []AgentObservation {
	scores := d.AnalyzePatterns()
	var report []AgentObservation
	for _, id := range d.Agents() {
		score, ok := scores[id]
		if !ok || score <= 0.5 {
			continue
		}
		stats, _ := d.agents[id].Stats(id)
		suspected := domain.AttackProbe
		if score > 0.8 {
			suspected = domain.AttackDoS
		}
		report = append(report, AgentObservation{
			AgentID: id,
			Observation: domain.DetectionObservation{
				RateAnomaly:    score,
				PatternAnomaly: score,
				SuspectedType:  suspected,
				Confidence:     score,
				Timestamp:      stats.Timestamp,
			},
		})
	}
	return report
}
