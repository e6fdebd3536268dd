package defense

import (
	"strings"
	"time"

	"mtdbench/internal/domain"
)

type Action uint8

const (
	ActionNone Action = iota
	ActionTriggerShuffle
	ActionMigrateUser
	ActionSplitDomain
	ActionMergeDomains
	ActionUpdateScore
	ActionChangeFrequency
	ActionCustom
)

var actionNames = [...]string{
	ActionNone:            "NO_ACTION",
	ActionTriggerShuffle:  "TRIGGER_SHUFFLE",
	ActionMigrateUser:     "MIGRATE_USER",
	ActionSplitDomain:     "SPLIT_DOMAIN",
	ActionMergeDomains:    "MERGE_DOMAINS",
	ActionUpdateScore:     "UPDATE_SCORE",
	ActionChangeFrequency: "CHANGE_FREQUENCY",
	ActionCustom:          "CUSTOM",
}

func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return "UNKNOWN"
}

func ParseAction(raw string) (Action, bool) {
	name := strings.ToUpper(strings.TrimSpace(raw))
	for i, n := range actionNames {
		if n == name {
			return Action(i), true
		}
	}
	return ActionNone, false
}

// Decision is one instruction returned by an Evaluator. Which fields matter
// depends on Action.
type Decision struct {
	Action            Action             `json:"action"`
	DomainID          uint32             `json:"domain_id,omitempty"`
	SecondaryDomainID uint32             `json:"secondary_domain_id,omitempty"`
	UserID            uint32             `json:"user_id,omitempty"`
	ProxyID           uint32             `json:"proxy_id,omitempty"`
	Score             float64            `json:"score,omitempty"`
	Frequency         time.Duration      `json:"frequency,omitempty"`
	Mode              domain.ShuffleMode `json:"mode"`
	Params            map[string]string  `json:"params,omitempty"`
	Reason            string             `json:"reason,omitempty"`
}

func Shuffle(domainID uint32, mode domain.ShuffleMode) Decision {
	return Decision{Action: ActionTriggerShuffle, DomainID: domainID, Mode: mode}
}

func Migrate(userID, domainID uint32) Decision {
	return Decision{Action: ActionMigrateUser, UserID: userID, DomainID: domainID}
}

func Split(domainID uint32) Decision {
	return Decision{Action: ActionSplitDomain, DomainID: domainID}
}

func Merge(a, b uint32) Decision {
	return Decision{Action: ActionMergeDomains, DomainID: a, SecondaryDomainID: b}
}

func UpdateScore(userID uint32, score float64) Decision {
	return Decision{Action: ActionUpdateScore, UserID: userID, Score: score}
}

func ChangeFrequency(domainID uint32, freq time.Duration) Decision {
	return Decision{Action: ActionChangeFrequency, DomainID: domainID, Frequency: freq}
}

// Record is one executed decision in the bridge history.
type Record struct {
	At       time.Duration `json:"at"`
	Decision Decision      `json:"decision"`
	Success  bool          `json:"success"`
}

// State is the snapshot handed to an Evaluator. Observations are keyed by
// proxy id.
type State struct {
	Now          time.Duration
	Domains      map[uint32]domain.Domain
	Scores       map[uint32]domain.UserScore
	ProxyStats   map[uint32]domain.TrafficStats
	Observations map[uint32]domain.DetectionObservation
	RecentEvents []domain.MtdEvent
}
