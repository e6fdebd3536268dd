package domain

import (
	"strings"
	"time"
)

type ShuffleMode uint8

const (
	ShuffleRandom ShuffleMode = iota
	ShuffleScoreDriven
	ShuffleRoundRobin
	ShuffleAttackerAvoid
	ShuffleLoadBalanced
	ShuffleCustom
)

var shuffleModeNames = [...]string{
	ShuffleRandom:        "RANDOM",
	ShuffleScoreDriven:   "SCORE_DRIVEN",
	ShuffleRoundRobin:    "ROUND_ROBIN",
	ShuffleAttackerAvoid: "ATTACKER_AVOID",
	ShuffleLoadBalanced:  "LOAD_BALANCED",
	ShuffleCustom:        "CUSTOM",
}

func (m ShuffleMode) String() string {
	if int(m) < len(shuffleModeNames) {
		return shuffleModeNames[m]
	}
	return "UNKNOWN"
}

func ParseShuffleMode(raw string) (ShuffleMode, bool) {
	raw = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(raw), "-", "_"))
	for i, name := range shuffleModeNames {
		if name == raw {
			return ShuffleMode(i), true
		}
	}
	return ShuffleRandom, false
}

type ShuffleEvent struct {
	Timestamp     time.Duration `json:"timestamp"`
	DomainID      uint32        `json:"domain_id"`
	Mode          ShuffleMode   `json:"mode"`
	UsersAffected int           `json:"users_affected"`
	ExecutionTime time.Duration `json:"execution_time"`
	Success       bool          `json:"success"`
	Reason        string        `json:"reason,omitempty"`
}

type ProxyAssignment struct {
	UserID     uint32        `json:"user_id"`
	OldProxyID uint32        `json:"old_proxy_id"`
	NewProxyID uint32        `json:"new_proxy_id"`
	AssignedAt time.Duration `json:"assigned_at"`
	Mode       ShuffleMode   `json:"mode"`
}
