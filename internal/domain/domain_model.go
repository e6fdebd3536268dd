package domain

import "time"

type Domain struct {
	ID               uint32        `json:"id"`
	Name             string        `json:"name"`
	ProxyIDs         []uint32      `json:"proxy_ids"`
	UserIDs          []uint32      `json:"user_ids"`
	LoadFactor       float64       `json:"load_factor"`
	ShuffleFrequency time.Duration `json:"shuffle_frequency"`
}

// Clone returns a copy that does not share member slices with d.
func (d Domain) Clone() Domain {
	d.ProxyIDs = append([]uint32(nil), d.ProxyIDs...)
	d.UserIDs = append([]uint32(nil), d.UserIDs...)
	return d
}

func (d Domain) HasProxy(proxyID uint32) bool {
	for _, id := range d.ProxyIDs {
		if id == proxyID {
			return true
		}
	}
	return false
}

type DomainMetrics struct {
	DomainID         uint32        `json:"domain_id"`
	UserCount        int           `json:"user_count"`
	ProxyCount       int           `json:"proxy_count"`
	LoadFactor       float64       `json:"load_factor"`
	AverageRiskScore float64       `json:"average_risk_score"`
	ShuffleCount     uint64        `json:"shuffle_count"`
	LastShuffle      time.Duration `json:"last_shuffle"`
}
