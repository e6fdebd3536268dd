// Package domainmgr owns domain membership: which proxies and users belong to
// which domain, and the structural split/merge operations on them.
package domainmgr

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"mtdbench/internal/domain"
	"mtdbench/internal/eventbus"
	"mtdbench/internal/scheduler"
	"mtdbench/internal/support"
)

const DefaultShuffleFrequency = 30 * time.Second

type Strategy uint8

const (
	StrategyConsistentHash Strategy = iota
	StrategyLoadAware
	StrategyCustom
)

func (s Strategy) String() string {
	switch s {
	case StrategyConsistentHash:
		return "consistent_hash"
	case StrategyLoadAware:
		return "load_aware"
	case StrategyCustom:
		return "custom"
	default:
		return "unknown"
	}
}

func ParseStrategy(raw string) (Strategy, bool) {
	for _, s := range []Strategy{StrategyConsistentHash, StrategyLoadAware, StrategyCustom} {
		if s.String() == raw {
			return s, true
		}
	}
	return StrategyConsistentHash, false
}

// DeletionPolicy picks the domain that receives a deleted domain's members.
type DeletionPolicy uint8

const (
	DeleteToLeastLoaded DeletionPolicy = iota
	DeleteToFirstOther
)

func ParseDeletionPolicy(raw string) (DeletionPolicy, bool) {
	switch raw {
	case "least_loaded":
		return DeleteToLeastLoaded, true
	case "first_other":
		return DeleteToFirstOther, true
	default:
		return DeleteToLeastLoaded, false
	}
}

// AssignFunc is a custom domain assignment strategy. Returning 0 or an unknown
// id leaves the user unassigned.
type AssignFunc func(userID uint32, domains []domain.Domain) uint32

type Thresholds struct {
	SplitThreshold float64 `json:"split_threshold"`
	MergeThreshold float64 `json:"merge_threshold"`
	MinProxies     int     `json:"min_proxies"`
	MaxProxies     int     `json:"max_proxies"`
	MinUsers       int     `json:"min_users"`
	MaxUsers       int     `json:"max_users"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		SplitThreshold: 0.8,
		MergeThreshold: 0.2,
		MinProxies:     2,
		MaxProxies:     20,
		MinUsers:       10,
		MaxUsers:       500,
	}
}

// Manager keeps the domain table and the user and proxy reverse indices in
// step. Unknown ids yield false or 0. It is not safe for concurrent use.
type Manager struct {
	domains      map[uint32]*domain.Domain
	userDomain   map[uint32]uint32
	proxyDomain  map[uint32]uint32
	nextID       uint32
	thresholds   Thresholds
	strategy     Strategy
	assignFn     AssignFunc
	deletePolicy DeletionPolicy
	clock        scheduler.Clock
	publisher    eventbus.Publisher
}

func NewManager(clock scheduler.Clock) *Manager {
	return &Manager{
		domains:     make(map[uint32]*domain.Domain),
		userDomain:  make(map[uint32]uint32),
		proxyDomain: make(map[uint32]uint32),
		nextID:      1,
		thresholds:  DefaultThresholds(),
		clock:       clock,
	}
}

func (m *Manager) SetPublisher(p eventbus.Publisher) { m.publisher = p }

func (m *Manager) SetThresholds(t Thresholds) { m.thresholds = t }

func (m *Manager) Thresholds() Thresholds { return m.thresholds }

func (m *Manager) SetStrategy(s Strategy) { m.strategy = s }

func (m *Manager) Strategy() Strategy { return m.strategy }

// SetAssignFunc installs a custom strategy and switches to it; nil reverts to
// consistent hashing.
func (m *Manager) SetAssignFunc(fn AssignFunc) {
	m.assignFn = fn
	if fn == nil {
		m.strategy = StrategyConsistentHash
		return
	}
	m.strategy = StrategyCustom
}

func (m *Manager) SetDeletionPolicy(p DeletionPolicy) { m.deletePolicy = p }

func (m *Manager) now() time.Duration {
	if m.clock == nil {
		return 0
	}
	return m.clock.Now()
}

func (m *Manager) CreateDomain(name string) uint32 {
	id := m.nextID
	m.nextID++
	m.domains[id] = &domain.Domain{
		ID:               id,
		Name:             name,
		ShuffleFrequency: DefaultShuffleFrequency,
	}
	log.Debug("domain created", "domain", id, "name", name)
	return id
}

// DeleteDomain moves members to another domain chosen by the deletion policy.
// It fails when members exist and no other domain does.
func (m *Manager) DeleteDomain(id uint32) bool {
	d, ok := m.domains[id]
	if !ok {
		return false
	}

	if len(d.UserIDs) > 0 || len(d.ProxyIDs) > 0 {
		target := m.deletionTarget(id)
		if target == 0 {
			log.Warn("domain delete refused: no migration target", "domain", id, "users", len(d.UserIDs), "proxies", len(d.ProxyIDs))
			return false
		}
		for _, userID := range append([]uint32(nil), d.UserIDs...) {
			m.MoveUser(userID, target)
		}
		dst := m.domains[target]
		for _, proxyID := range d.ProxyIDs {
			dst.ProxyIDs = append(dst.ProxyIDs, proxyID)
			m.proxyDomain[proxyID] = target
		}
		d.ProxyIDs = nil
	}

	delete(m.domains, id)
	log.Debug("domain deleted", "domain", id)
	return true
}

func (m *Manager) deletionTarget(exclude uint32) uint32 {
	var target uint32
	for _, id := range m.DomainIDs() {
		if id == exclude {
			continue
		}
		if m.deletePolicy == DeleteToFirstOther {
			return id
		}
		if target == 0 || m.domains[id].LoadFactor < m.domains[target].LoadFactor {
			target = id
		}
	}
	return target
}

// AddUser places an unassigned user in a domain.
func (m *Manager) AddUser(domainID, userID uint32) bool {
	d, ok := m.domains[domainID]
	if !ok {
		return false
	}
	if current, assigned := m.userDomain[userID]; assigned {
		if current == domainID {
			return true
		}
		return m.MoveUser(userID, domainID)
	}
	d.UserIDs = append(d.UserIDs, userID)
	m.userDomain[userID] = domainID
	return true
}

func (m *Manager) RemoveUser(userID uint32) bool {
	domainID, ok := m.userDomain[userID]
	if !ok {
		return false
	}
	d := m.domains[domainID]
	d.UserIDs = removeID(d.UserIDs, userID)
	delete(m.userDomain, userID)
	return true
}

// MoveUser migrates an assigned user and emits USER_MIGRATED.
func (m *Manager) MoveUser(userID, toDomain uint32) bool {
	dst, ok := m.domains[toDomain]
	if !ok {
		return false
	}
	from, assigned := m.userDomain[userID]
	if !assigned {
		return false
	}
	if from == toDomain {
		return true
	}

	src := m.domains[from]
	src.UserIDs = removeID(src.UserIDs, userID)
	dst.UserIDs = append(dst.UserIDs, userID)
	m.userDomain[userID] = toDomain

	m.publish(domain.NewEvent(domain.EventUserMigrated, m.now()).
		With(domain.MetaUserID, formatID(userID)).
		With(domain.MetaOldDomain, formatID(from)).
		With(domain.MetaNewDomain, formatID(toDomain)))
	return true
}

// AddProxy places a proxy in a domain. A proxy already owned by another domain
// is refused.
func (m *Manager) AddProxy(domainID, proxyID uint32) bool {
	d, ok := m.domains[domainID]
	if !ok {
		return false
	}
	if owner, assigned := m.proxyDomain[proxyID]; assigned {
		return owner == domainID
	}
	d.ProxyIDs = append(d.ProxyIDs, proxyID)
	m.proxyDomain[proxyID] = domainID
	return true
}

func (m *Manager) RemoveProxy(domainID, proxyID uint32) bool {
	d, ok := m.domains[domainID]
	if !ok || m.proxyDomain[proxyID] != domainID {
		return false
	}
	d.ProxyIDs = removeID(d.ProxyIDs, proxyID)
	delete(m.proxyDomain, proxyID)
	return true
}

// SplitDomain moves the trailing half of users (and of proxies, when there are
// at least 2*MinProxies) into a new domain named "<name>_split".
func (m *Manager) SplitDomain(id uint32) uint32 {
	src, ok := m.domains[id]
	if !ok {
		return 0
	}
	if len(src.UserIDs) < 2*m.thresholds.MinUsers || len(src.UserIDs) < 2 {
		log.Debug("domain split refused: too few users", "domain", id, "users", len(src.UserIDs), "min_users", m.thresholds.MinUsers)
		return 0
	}

	newID := m.CreateDomain(src.Name + "_split")
	dst := m.domains[newID]
	dst.ShuffleFrequency = src.ShuffleFrequency

	total := len(src.UserIDs)
	keep := total - total/2
	moved := append([]uint32(nil), src.UserIDs[keep:]...)
	src.UserIDs = src.UserIDs[:keep:keep]
	dst.UserIDs = moved
	for _, userID := range moved {
		m.userDomain[userID] = newID
	}

	if len(src.ProxyIDs) >= 2*m.thresholds.MinProxies && len(src.ProxyIDs) >= 2 {
		pKeep := len(src.ProxyIDs) - len(src.ProxyIDs)/2
		movedProxies := append([]uint32(nil), src.ProxyIDs[pKeep:]...)
		src.ProxyIDs = src.ProxyIDs[:pKeep:pKeep]
		dst.ProxyIDs = movedProxies
		for _, proxyID := range movedProxies {
			m.proxyDomain[proxyID] = newID
		}
	}

	load := src.LoadFactor
	src.LoadFactor = load * float64(keep) / float64(total)
	dst.LoadFactor = load * float64(len(moved)) / float64(total)

	log.Info("domain split", "domain", id, "new_domain", newID, "users_moved", len(moved), "proxies_moved", len(dst.ProxyIDs))
	m.publish(domain.NewEvent(domain.EventDomainSplit, m.now()).
		With(domain.MetaDomainID, formatID(id)).
		With(domain.MetaNewDomainID, formatID(newID)).
		With(domain.MetaUsersAffected, strconv.Itoa(len(moved))))
	return newID
}

// MergeDomain folds b into a, deletes b and returns a.
func (m *Manager) MergeDomain(a, b uint32) uint32 {
	if a == b {
		return 0
	}
	dst, ok := m.domains[a]
	if !ok {
		return 0
	}
	src, ok := m.domains[b]
	if !ok {
		return 0
	}

	for _, userID := range src.UserIDs {
		dst.UserIDs = append(dst.UserIDs, userID)
		m.userDomain[userID] = a
	}
	for _, proxyID := range src.ProxyIDs {
		dst.ProxyIDs = append(dst.ProxyIDs, proxyID)
		m.proxyDomain[proxyID] = a
	}
	dst.LoadFactor = clamp01(dst.LoadFactor + src.LoadFactor)
	movedUsers := len(src.UserIDs)
	delete(m.domains, b)

	log.Info("domains merged", "domain", a, "merged", b, "users_moved", movedUsers)
	m.publish(domain.NewEvent(domain.EventDomainMerge, m.now()).
		With(domain.MetaDomainID, formatID(a)).
		With(domain.MetaMergedDomainID, formatID(b)).
		With(domain.MetaUsersAffected, strconv.Itoa(movedUsers)))
	return a
}

// AssignUserToDomain places a user according to the active strategy and
// returns the chosen domain, or 0 when no domain exists.
func (m *Manager) AssignUserToDomain(userID uint32) uint32 {
	if current, ok := m.userDomain[userID]; ok {
		return current
	}
	ids := m.DomainIDs()
	if len(ids) == 0 {
		return 0
	}

	var target uint32
	switch m.strategy {
	case StrategyLoadAware:
		target = ids[0]
		for _, id := range ids[1:] {
			if m.domains[id].LoadFactor < m.domains[target].LoadFactor {
				target = id
			}
		}
	case StrategyCustom:
		if m.assignFn != nil {
			target = m.assignFn(userID, m.Domains())
			break
		}
		fallthrough
	default:
		hash := support.HashString(strconv.FormatUint(uint64(userID), 10))
		target = ids[hash%uint64(len(ids))]
	}

	if !m.AddUser(target, userID) {
		log.Warn("domain assignment failed", "user", userID, "strategy", m.strategy, "domain", target)
		return 0
	}
	return target
}

func (m *Manager) DomainOf(userID uint32) uint32 {
	return m.userDomain[userID]
}

func (m *Manager) ProxyDomain(proxyID uint32) uint32 {
	return m.proxyDomain[proxyID]
}

func (m *Manager) Domain(id uint32) (domain.Domain, bool) {
	d, ok := m.domains[id]
	if !ok {
		return domain.Domain{}, false
	}
	return d.Clone(), true
}

func (m *Manager) Exists(id uint32) bool {
	_, ok := m.domains[id]
	return ok
}

// DomainIDs returns ids in ascending (creation) order.
func (m *Manager) DomainIDs() []uint32 {
	ids := make([]uint32, 0, len(m.domains))
	for id := range m.domains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *Manager) Domains() []domain.Domain {
	ids := m.DomainIDs()
	out := make([]domain.Domain, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.domains[id].Clone())
	}
	return out
}

func (m *Manager) Users(id uint32) []uint32 {
	d, ok := m.domains[id]
	if !ok {
		return nil
	}
	return append([]uint32(nil), d.UserIDs...)
}

func (m *Manager) Proxies(id uint32) []uint32 {
	d, ok := m.domains[id]
	if !ok {
		return nil
	}
	return append([]uint32(nil), d.ProxyIDs...)
}

func (m *Manager) UpdateLoadFactor(id uint32, load float64) bool {
	d, ok := m.domains[id]
	if !ok {
		return false
	}
	d.LoadFactor = clamp01(load)
	return true
}

func (m *Manager) SetShuffleFrequency(id uint32, freq time.Duration) bool {
	d, ok := m.domains[id]
	if !ok {
		return false
	}
	d.ShuffleFrequency = freq
	return true
}

func (m *Manager) ShuffleFrequency(id uint32) time.Duration {
	if d, ok := m.domains[id]; ok {
		return d.ShuffleFrequency
	}
	return 0
}

func (m *Manager) NeedsRebalancing() bool {
	for _, d := range m.domains {
		if d.LoadFactor > m.thresholds.SplitThreshold || d.LoadFactor < m.thresholds.MergeThreshold {
			return true
		}
	}
	return false
}

// AutoRebalance splits every domain above the split threshold and merges
// domains below the merge threshold pairwise, oldest first. Candidates are
// taken before any operation runs. It returns the number of successful
// operations.
func (m *Manager) AutoRebalance() int {
	var toSplit, toMerge []uint32
	for _, id := range m.DomainIDs() {
		load := m.domains[id].LoadFactor
		switch {
		case load > m.thresholds.SplitThreshold:
			toSplit = append(toSplit, id)
		case load < m.thresholds.MergeThreshold:
			toMerge = append(toMerge, id)
		}
	}

	ops := 0
	for _, id := range toSplit {
		if m.SplitDomain(id) != 0 {
			ops++
		}
	}
	for i := 0; i+1 < len(toMerge); i += 2 {
		if m.MergeDomain(toMerge[i], toMerge[i+1]) != 0 {
			ops++
		}
	}

	if ops > 0 {
		log.Info("domains rebalanced", "operations", ops, "split_candidates", len(toSplit), "merge_candidates", len(toMerge))
	}
	return ops
}

// Validate checks that the reverse indices agree with the domain table.
func (m *Manager) Validate() error {
	seenUsers := make(map[uint32]uint32)
	for _, id := range m.DomainIDs() {
		for _, userID := range m.domains[id].UserIDs {
			if prev, dup := seenUsers[userID]; dup {
				return fmt.Errorf("domainmgr: user %d in domains %d and %d", userID, prev, id)
			}
			seenUsers[userID] = id
			if m.userDomain[userID] != id {
				return fmt.Errorf("domainmgr: user %d indexed to domain %d, listed in %d", userID, m.userDomain[userID], id)
			}
		}
		for _, proxyID := range m.domains[id].ProxyIDs {
			if m.proxyDomain[proxyID] != id {
				return fmt.Errorf("domainmgr: proxy %d indexed to domain %d, listed in %d", proxyID, m.proxyDomain[proxyID], id)
			}
		}
	}
	if len(seenUsers) != len(m.userDomain) {
		return fmt.Errorf("domainmgr: %d indexed users, %d listed", len(m.userDomain), len(seenUsers))
	}
	return nil
}

func (m *Manager) publish(event domain.MtdEvent) {
	if m.publisher != nil {
		m.publisher.Publish(event)
	}
}

func removeID(ids []uint32, target uint32) []uint32 {
	for i, id := range ids {
		if id == target {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func formatID(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
