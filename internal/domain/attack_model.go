package domain

import (
	"strings"
	"time"
)

type AttackBehavior uint8

const (
	BehaviorStatic AttackBehavior = iota
	BehaviorRandomBurst
	BehaviorAdaptive
	BehaviorIntelligent
)

var attackBehaviorNames = [...]string{
	BehaviorStatic:      "STATIC",
	BehaviorRandomBurst: "RANDOM_BURST",
	BehaviorAdaptive:    "ADAPTIVE",
	BehaviorIntelligent: "INTELLIGENT",
}

func (b AttackBehavior) String() string {
	if int(b) < len(attackBehaviorNames) {
		return attackBehaviorNames[b]
	}
	return "UNKNOWN"
}

func ParseAttackBehavior(raw string) (AttackBehavior, bool) {
	raw = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(raw), "-", "_"))
	for i, name := range attackBehaviorNames {
		if name == raw {
			return AttackBehavior(i), true
		}
	}
	return BehaviorStatic, false
}

type AttackParams struct {
	Type           AttackType    `json:"type"`
	Rate           float64       `json:"rate"`
	PacketSize     uint32        `json:"packet_size"`
	Duration       time.Duration `json:"duration"`
	TargetProxies  []uint32      `json:"target_proxies"`
	AdaptToDefense bool          `json:"adapt_to_defense"`
	Cooldown       time.Duration `json:"cooldown"`
}

func DefaultAttackParams() AttackParams {
	return AttackParams{
		Type:           AttackDoS,
		Rate:           1000,
		PacketSize:     512,
		Duration:       60 * time.Second,
		AdaptToDefense: true,
		Cooldown:       10 * time.Second,
	}
}

type AttackEvent struct {
	Timestamp        time.Duration `json:"timestamp"`
	Type             AttackType    `json:"type"`
	TargetProxyID    uint32        `json:"target_proxy_id"`
	Rate             float64       `json:"rate"`
	Duration         time.Duration `json:"duration"`
	DefenseTriggered bool          `json:"defense_triggered"`
}
