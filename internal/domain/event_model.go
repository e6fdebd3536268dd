package domain

import (
	"strings"
	"time"
)

type EventType uint8

const (
	EventShuffleTriggered EventType = iota
	EventShuffleCompleted
	EventDomainSplit
	EventDomainMerge
	EventUserMigrated
	EventAttackDetected
	EventAttackStarted
	EventAttackStopped
	EventProxySwitched
	EventThresholdExceeded
	EventScoreUpdated
)

var eventTypeNames = [...]string{
	EventShuffleTriggered:  "SHUFFLE_TRIGGERED",
	EventShuffleCompleted:  "SHUFFLE_COMPLETED",
	EventDomainSplit:       "DOMAIN_SPLIT",
	EventDomainMerge:       "DOMAIN_MERGE",
	EventUserMigrated:      "USER_MIGRATED",
	EventAttackDetected:    "ATTACK_DETECTED",
	EventAttackStarted:     "ATTACK_STARTED",
	EventAttackStopped:     "ATTACK_STOPPED",
	EventProxySwitched:     "PROXY_SWITCHED",
	EventThresholdExceeded: "THRESHOLD_EXCEEDED",
	EventScoreUpdated:      "SCORE_UPDATED",
}

func (t EventType) String() string {
	if int(t) < len(eventTypeNames) {
		return eventTypeNames[t]
	}
	return "UNKNOWN"
}

func EventTypes() []EventType {
	types := make([]EventType, len(eventTypeNames))
	for i := range eventTypeNames {
		types[i] = EventType(i)
	}
	return types
}

func ParseEventType(raw string) (EventType, bool) {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	for i, name := range eventTypeNames {
		if name == raw {
			return EventType(i), true
		}
	}
	return 0, false
}

// Metadata keys shared by publishers and subscribers.
const (
	MetaDomainID        = "domainId"
	MetaNewDomainID     = "newDomainId"
	MetaMergedDomainID  = "mergedDomainId"
	MetaUserID          = "userId"
	MetaOldDomain       = "oldDomain"
	MetaNewDomain       = "newDomain"
	MetaScore           = "score"
	MetaRiskLevel       = "riskLevel"
	MetaUsersAffected   = "usersAffected"
	MetaExecutionTime   = "executionTime"
	MetaSuccess         = "success"
	MetaReason          = "reason"
	MetaMode            = "mode"
	MetaOldProxy        = "oldProxy"
	MetaNewProxy        = "newProxy"
	MetaProxyID         = "proxyId"
	MetaType            = "type"
	MetaRate            = "rate"
	MetaConfidence      = "confidence"
	MetaPackets         = "packetsGenerated"
	MetaBytes           = "bytesGenerated"
	MetaAttacksLaunched = "attacksLaunched"
)

// MtdEvent is the only message exchanged between engine components.
type MtdEvent struct {
	Type         EventType         `json:"type"`
	Timestamp    time.Duration     `json:"timestamp"`
	SourceNodeID uint32            `json:"source_node_id"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func NewEvent(eventType EventType, at time.Duration) MtdEvent {
	return MtdEvent{
		Type:      eventType,
		Timestamp: at,
		Metadata:  make(map[string]string),
	}
}

// With sets a metadata key and returns the event for chaining.
func (e MtdEvent) With(key, value string) MtdEvent {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

func (e MtdEvent) Get(key string) string {
	return e.Metadata[key]
}
