package domainmgr

import (
	"testing"

	"mtdbench/internal/domain"
	"mtdbench/internal/eventbus"
	"mtdbench/internal/scheduler"
)

func newTestManager() (*Manager, *eventbus.Bus) {
	bus := eventbus.New(eventbus.WithHistory(1000))
	m := NewManager(scheduler.New())
	m.SetPublisher(bus)
	return m, bus
}

func populate(m *Manager, domainID uint32, firstUser, users int, firstProxy, proxies int) {
	for i := 0; i < users; i++ {
		m.AddUser(domainID, uint32(firstUser+i))
	}
	for i := 0; i < proxies; i++ {
		m.AddProxy(domainID, uint32(firstProxy+i))
	}
}

func TestCreateDomainIDsStartAtOne(t *testing.T) {
	m, _ := newTestManager()
	if id := m.CreateDomain("alpha"); id != 1 {
		t.Fatalf("first domain id = %d, want 1", id)
	}
	if id := m.CreateDomain("beta"); id != 2 {
		t.Fatalf("second domain id = %d, want 2", id)
	}
	d, ok := m.Domain(1)
	if !ok || d.Name != "alpha" || d.ShuffleFrequency != DefaultShuffleFrequency {
		t.Fatalf("Domain(1) = %+v/%v", d, ok)
	}
}

func TestUnknownIDsReturnSentinels(t *testing.T) {
	m, _ := newTestManager()
	if m.DeleteDomain(9) || m.AddUser(9, 1) || m.AddProxy(9, 1) || m.RemoveUser(1) || m.MoveUser(1, 9) {
		t.Fatal("operation on unknown id reported success")
	}
	if m.SplitDomain(9) != 0 || m.MergeDomain(1, 2) != 0 || m.AssignUserToDomain(1) != 0 {
		t.Fatal("operation on unknown id returned a non-zero id")
	}
}

func TestUserBelongsToOneDomain(t *testing.T) {
	m, bus := newTestManager()
	a := m.CreateDomain("a")
	b := m.CreateDomain("b")

	m.AddUser(a, 100)
	if !m.AddUser(b, 100) {
		t.Fatal("AddUser to a second domain failed instead of migrating")
	}

	if got := m.DomainOf(100); got != b {
		t.Fatalf("DomainOf(100) = %d, want %d", got, b)
	}
	if users := m.Users(a); len(users) != 0 {
		t.Fatalf("Users(a) = %v, want empty", users)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}

	migrations := bus.HistoryOf(domain.EventUserMigrated)
	if len(migrations) != 1 || migrations[0].Get(domain.MetaOldDomain) != "1" || migrations[0].Get(domain.MetaNewDomain) != "2" {
		t.Fatalf("USER_MIGRATED events = %+v", migrations)
	}
}

func TestProxyOwnedByOneDomain(t *testing.T) {
	m, _ := newTestManager()
	a := m.CreateDomain("a")
	b := m.CreateDomain("b")

	m.AddProxy(a, 5)
	if m.AddProxy(b, 5) {
		t.Fatal("proxy owned by domain a was added to domain b")
	}
	if m.RemoveProxy(b, 5) {
		t.Fatal("RemoveProxy succeeded on the wrong domain")
	}
	if !m.RemoveProxy(a, 5) || m.ProxyDomain(5) != 0 {
		t.Fatal("RemoveProxy did not release the proxy")
	}
}

func TestSplitDomainConservesMembers(t *testing.T) {
	m, bus := newTestManager()
	id := m.CreateDomain("edge")
	populate(m, id, 1, 25, 100, 5)
	m.UpdateLoadFactor(id, 0.9)

	newID := m.SplitDomain(id)
	if newID == 0 {
		t.Fatal("SplitDomain failed")
	}

	src, _ := m.Domain(id)
	dst, _ := m.Domain(newID)
	if dst.Name != "edge_split" {
		t.Fatalf("split domain name = %s, want edge_split", dst.Name)
	}
	if len(src.UserIDs)+len(dst.UserIDs) != 25 || len(dst.UserIDs) != 12 {
		t.Fatalf("user counts = %d/%d, want 13/12", len(src.UserIDs), len(dst.UserIDs))
	}
	if len(src.ProxyIDs)+len(dst.ProxyIDs) != 5 || len(dst.ProxyIDs) != 2 {
		t.Fatalf("proxy counts = %d/%d, want 3/2", len(src.ProxyIDs), len(dst.ProxyIDs))
	}
	if dst.UserIDs[0] != 14 || dst.ProxyIDs[0] != 103 {
		t.Fatalf("split did not move the trailing halves: users %v proxies %v", dst.UserIDs, dst.ProxyIDs)
	}
	if m.DomainOf(25) != newID || m.ProxyDomain(104) != newID {
		t.Fatal("reverse indices not updated by split")
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	if len(bus.HistoryOf(domain.EventDomainSplit)) != 1 {
		t.Fatal("DOMAIN_SPLIT not published")
	}
}

func TestSplitKeepsProxiesWhenTooFew(t *testing.T) {
	m, _ := newTestManager()
	id := m.CreateDomain("edge")
	populate(m, id, 1, 20, 100, 3)

	newID := m.SplitDomain(id)
	if newID == 0 {
		t.Fatal("SplitDomain failed")
	}
	if got := len(m.Proxies(newID)); got != 0 {
		t.Fatalf("split moved %d proxies with only 3 available, want 0", got)
	}
}

func TestSplitRefusesSmallDomain(t *testing.T) {
	m, _ := newTestManager()
	id := m.CreateDomain("small")
	populate(m, id, 1, 19, 100, 4)

	if got := m.SplitDomain(id); got != 0 {
		t.Fatalf("SplitDomain on 19 users = %d, want 0", got)
	}
	if len(m.DomainIDs()) != 1 {
		t.Fatal("failed split created a domain")
	}
}

func TestMergeDomainUnionsMembers(t *testing.T) {
	m, bus := newTestManager()
	a := m.CreateDomain("a")
	b := m.CreateDomain("b")
	populate(m, a, 1, 3, 100, 2)
	populate(m, b, 10, 4, 200, 1)

	if got := m.MergeDomain(a, b); got != a {
		t.Fatalf("MergeDomain = %d, want %d", got, a)
	}
	if m.Exists(b) {
		t.Fatal("merged domain still exists")
	}
	if got := len(m.Users(a)); got != 7 {
		t.Fatalf("merged users = %d, want 7", got)
	}
	if got := len(m.Proxies(a)); got != 3 {
		t.Fatalf("merged proxies = %d, want 3", got)
	}
	if m.DomainOf(12) != a || m.ProxyDomain(200) != a {
		t.Fatal("reverse indices not updated by merge")
	}
	if m.MergeDomain(a, a) != 0 {
		t.Fatal("self merge succeeded")
	}
	if len(bus.HistoryOf(domain.EventDomainMerge)) != 1 {
		t.Fatal("DOMAIN_MERGE not published")
	}
}

func TestDeleteDomainMigratesToLeastLoaded(t *testing.T) {
	m, _ := newTestManager()
	a := m.CreateDomain("a")
	b := m.CreateDomain("b")
	c := m.CreateDomain("c")
	m.UpdateLoadFactor(b, 0.7)
	m.UpdateLoadFactor(c, 0.1)
	populate(m, a, 1, 2, 100, 1)

	if !m.DeleteDomain(a) {
		t.Fatal("DeleteDomain failed")
	}
	if m.DomainOf(1) != c || m.ProxyDomain(100) != c {
		t.Fatalf("members moved to %d/%d, want least loaded %d", m.DomainOf(1), m.ProxyDomain(100), c)
	}

	m.SetDeletionPolicy(DeleteToFirstOther)
	if !m.DeleteDomain(c) || m.DomainOf(1) != b {
		t.Fatalf("first-other policy moved user to %d, want %d", m.DomainOf(1), b)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
}

func TestDeleteLastDomainWithMembersFails(t *testing.T) {
	m, _ := newTestManager()
	a := m.CreateDomain("a")
	m.AddUser(a, 1)
	if m.DeleteDomain(a) {
		t.Fatal("deleted the only domain while it had members")
	}

	empty := m.CreateDomain("empty")
	m.RemoveUser(1)
	m.DeleteDomain(a)
	if !m.DeleteDomain(empty) {
		t.Fatal("failed to delete an empty last domain")
	}
}

func TestAssignUserConsistentHashIsStable(t *testing.T) {
	m, _ := newTestManager()
	for i := 0; i < 4; i++ {
		m.CreateDomain("d")
	}
	other, _ := newTestManager()
	for i := 0; i < 4; i++ {
		other.CreateDomain("d")
	}

	for userID := uint32(1); userID <= 50; userID++ {
		got := m.AssignUserToDomain(userID)
		if got == 0 {
			t.Fatalf("AssignUserToDomain(%d) = 0", userID)
		}
		if again := m.AssignUserToDomain(userID); again != got {
			t.Fatalf("reassignment moved user %d from %d to %d", userID, got, again)
		}
		if o := other.AssignUserToDomain(userID); o != got {
			t.Fatalf("hash assignment differs between managers for user %d: %d vs %d", userID, got, o)
		}
	}
}

func TestAssignUserLoadAwareAndCustom(t *testing.T) {
	m, _ := newTestManager()
	a := m.CreateDomain("a")
	b := m.CreateDomain("b")
	m.UpdateLoadFactor(a, 0.5)
	m.UpdateLoadFactor(b, 0.2)

	m.SetStrategy(StrategyLoadAware)
	if got := m.AssignUserToDomain(1); got != b {
		t.Fatalf("load-aware assignment = %d, want %d", got, b)
	}

	var seen int
	m.SetAssignFunc(func(userID uint32, domains []domain.Domain) uint32 {
		seen = len(domains)
		return domains[0].ID
	})
	if got := m.AssignUserToDomain(2); got != a || seen != 2 {
		t.Fatalf("custom assignment = %d (saw %d domains), want %d", got, seen, a)
	}

	m.SetAssignFunc(func(uint32, []domain.Domain) uint32 { return 99 })
	if got := m.AssignUserToDomain(3); got != 0 {
		t.Fatalf("custom assignment to unknown domain = %d, want 0", got)
	}
}

func TestAutoRebalanceOneSplitOneMerge(t *testing.T) {
	m, _ := newTestManager()
	hot := m.CreateDomain("hot")
	coldA := m.CreateDomain("coldA")
	coldB := m.CreateDomain("coldB")
	steady := m.CreateDomain("steady")

	populate(m, hot, 1, 20, 100, 4)
	populate(m, coldA, 100, 2, 200, 2)
	populate(m, coldB, 200, 2, 300, 2)
	populate(m, steady, 300, 5, 400, 2)

	m.UpdateLoadFactor(hot, 0.9)
	m.UpdateLoadFactor(coldA, 0.1)
	m.UpdateLoadFactor(coldB, 0.1)
	m.UpdateLoadFactor(steady, 0.5)

	if !m.NeedsRebalancing() {
		t.Fatal("NeedsRebalancing() = false")
	}
	if ops := m.AutoRebalance(); ops != 2 {
		t.Fatalf("AutoRebalance() = %d, want 2", ops)
	}
	if m.Exists(coldB) || !m.Exists(coldA) {
		t.Fatal("merge did not fold the younger cold domain into the older one")
	}
	if got := len(m.DomainIDs()); got != 4 {
		t.Fatalf("domain count after rebalance = %d, want 4", got)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
}
