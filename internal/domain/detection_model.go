package domain

import (
	"strings"
	"time"
)

type AttackType uint8

const (
	AttackNone AttackType = iota
	AttackDoS
	AttackSYNFlood
	AttackUDPFlood
	AttackHTTPFlood
	AttackProbe
	AttackPortScan
	AttackCustom
)

var attackTypeNames = [...]string{
	AttackNone:      "NONE",
	AttackDoS:       "DOS",
	AttackSYNFlood:  "SYN_FLOOD",
	AttackUDPFlood:  "UDP_FLOOD",
	AttackHTTPFlood: "HTTP_FLOOD",
	AttackProbe:     "PROBE",
	AttackPortScan:  "PORT_SCAN",
	AttackCustom:    "CUSTOM",
}

func (a AttackType) String() string {
	if int(a) < len(attackTypeNames) {
		return attackTypeNames[a]
	}
	return "UNKNOWN"
}

func ParseAttackType(raw string) (AttackType, bool) {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	switch raw {
	case "DDOS":
		return AttackDoS, true
	case "SYN":
		return AttackSYNFlood, true
	case "UDP":
		return AttackUDPFlood, true
	case "HTTP":
		return AttackHTTPFlood, true
	}
	for i, name := range attackTypeNames {
		if name == raw {
			return AttackType(i), true
		}
	}
	return AttackNone, false
}

type DetectionObservation struct {
	RateAnomaly       float64       `json:"rate_anomaly"`
	ConnectionAnomaly float64       `json:"connection_anomaly"`
	PatternAnomaly    float64       `json:"pattern_anomaly"`
	PersistenceFactor float64       `json:"persistence_factor"`
	SuspectedType     AttackType    `json:"suspected_type"`
	Confidence        float64       `json:"confidence"`
	Timestamp         time.Duration `json:"timestamp"`
}

// Anomalous reports whether any anomaly component is non-zero.
func (o DetectionObservation) Anomalous() bool {
	return o.RateAnomaly > 0 || o.ConnectionAnomaly > 0 || o.PatternAnomaly > 0 || o.PersistenceFactor > 0
}

// Features returns the vector used by the nearest-centroid classifier.
func (o DetectionObservation) Features() []float64 {
	return []float64{o.RateAnomaly, o.ConnectionAnomaly, o.PatternAnomaly, o.PersistenceFactor}
}
