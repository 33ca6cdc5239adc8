package flatten

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDirectory implements Directory backed by in-memory maps.
type fakeDirectory struct {
	members     map[string][]MemberRef
	users       map[string]UserRecord
	memberErrs  map[string]error
	userErrs    map[string]error
	userLookups int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		members:    make(map[string][]MemberRef),
		users:      make(map[string]UserRecord),
		memberErrs: make(map[string]error),
		userErrs:   make(map[string]error),
	}
}

func (d *fakeDirectory) addGroup(id string, members ...MemberRef) {
	d.members[id] = members
}

func (d *fakeDirectory) addUser(rec UserRecord) {
	d.users[rec.ID] = rec
}

func (d *fakeDirectory) ResolveMembers(_ context.Context, groupID string) ([]MemberRef, error) {
	if err, ok := d.memberErrs[groupID]; ok {
		return nil, err
	}
	members, ok := d.members[groupID]
	if !ok {
		return nil, fmt.Errorf("group %s not found", groupID)
	}
	return members, nil
}

func (d *fakeDirectory) UserDetails(_ context.Context, userID string) (UserRecord, error) {
	d.userLookups++
	if err, ok := d.userErrs[userID]; ok {
		return UserRecord{}, err
	}
	// Absent users return the zero record with no error
	return d.users[userID], nil
}

func user(id string) MemberRef  { return MemberRef{ID: id, Type: MemberTypeUser} }
func group(id string) MemberRef { return MemberRef{ID: id, Type: MemberTypeGroup} }
func other(id string) MemberRef { return MemberRef{ID: id, Type: MemberTypeOther} }

func completeUser(id, name string) UserRecord {
	return UserRecord{
		ID:                id,
		DisplayName:       name,
		UserPrincipalName: name + "@example.com",
	}
}

func expandGroup(t *testing.T, dir Directory, groupID string) *Cache {
	t.Helper()
	expander := NewExpander(dir, hclog.NewNullLogger())
	cache := NewCache()
	require.NoError(t, expander.Expand(context.Background(), groupID, cache))
	return cache
}

func TestExpandDirectMembers(t *testing.T) {
	dir := newFakeDirectory()
	dir.addGroup("eng", user("alice"), user("bob"))
	dir.addUser(completeUser("alice", "Alice"))
	dir.addUser(completeUser("bob", "Bob"))

	cache := expandGroup(t, dir, "eng")

	users := cache.Users()
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].ID)
	assert.Equal(t, "bob", users[1].ID)
}

func TestExpandCarriesMailAttribute(t *testing.T) {
	dir := newFakeDirectory()
	dir.addGroup("eng", user("alice"), user("bob"))

	withMail := completeUser("alice", "Alice")
	withMail.Mail = "alice.mail@example.com"
	dir.addUser(withMail)
	// Mail is optional: a record without it is still complete.
	dir.addUser(completeUser("bob", "Bob"))

	users := expandGroup(t, dir, "eng").Users()
	require.Len(t, users, 2)
	assert.Equal(t, "alice.mail@example.com", users[0].Mail)
	assert.Empty(t, users[1].Mail)
}

func TestExpandNestedGroupsDeduplicate(t *testing.T) {
	// Engineering contains user A directly and a sub-group whose members
	// are A (again) and B. The result must list each user once.
	dir := newFakeDirectory()
	dir.addGroup("eng", user("a"), group("eng-sub"))
	dir.addGroup("eng-sub", user("a"), user("b"))
	dir.addUser(completeUser("a", "User A"))
	dir.addUser(completeUser("b", "User B"))

	cache := expandGroup(t, dir, "eng")

	users := cache.Users()
	require.Len(t, users, 2)
	assert.Equal(t, "a", users[0].ID)
	assert.Equal(t, "b", users[1].ID)
}

func TestExpandResultsSortedByID(t *testing.T) {
	dir := newFakeDirectory()
	dir.addGroup("g", user("zeta"), user("alpha"), user("mid"))
	dir.addUser(completeUser("zeta", "Zeta"))
	dir.addUser(completeUser("alpha", "Alpha"))
	dir.addUser(completeUser("mid", "Mid"))

	users := expandGroup(t, dir, "g").Users()

	require.Len(t, users, 3)
	assert.Equal(t, "alpha", users[0].ID)
	assert.Equal(t, "mid", users[1].ID)
	assert.Equal(t, "zeta", users[2].ID)
}

func TestExpandDeepNesting(t *testing.T) {
	dir := newFakeDirectory()
	dir.addGroup("l1", group("l2"))
	dir.addGroup("l2", group("l3"))
	dir.addGroup("l3", user("deep"))
	dir.addUser(completeUser("deep", "Deep User"))

	users := expandGroup(t, dir, "l1").Users()

	require.Len(t, users, 1)
	assert.Equal(t, "deep", users[0].ID)
}

func TestExpandSkipsOtherMembers(t *testing.T) {
	dir := newFakeDirectory()
	dir.addGroup("g", user("u"), other("workstation"), other("svc"))
	dir.addUser(completeUser("u", "User"))

	users := expandGroup(t, dir, "g").Users()

	require.Len(t, users, 1)
	assert.Equal(t, "u", users[0].ID)
}

func TestExpandExcludesIncompleteUsers(t *testing.T) {
	dir := newFakeDirectory()
	dir.addGroup("g", user("full"), user("no-name"), user("no-upn"))
	dir.addUser(completeUser("full", "Full User"))
	dir.addUser(UserRecord{ID: "no-name", UserPrincipalName: "no-name@example.com"})
	dir.addUser(UserRecord{ID: "no-upn", DisplayName: "No UPN"})

	users := expandGroup(t, dir, "g").Users()

	require.Len(t, users, 1)
	assert.Equal(t, "full", users[0].ID)
}

func TestExpandExcludesUnknownUsers(t *testing.T) {
	// A member reference whose user no longer exists resolves to the zero
	// record and is silently excluded.
	dir := newFakeDirectory()
	dir.addGroup("g", user("present"), user("ghost"))
	dir.addUser(completeUser("present", "Present"))

	users := expandGroup(t, dir, "g").Users()

	require.Len(t, users, 1)
	assert.Equal(t, "present", users[0].ID)
}

func TestExpandEmptyGroup(t *testing.T) {
	dir := newFakeDirectory()
	dir.addGroup("empty")

	users := expandGroup(t, dir, "empty").Users()

	assert.Empty(t, users)
}

func TestExpandSkipsLookupForCachedUsers(t *testing.T) {
	dir := newFakeDirectory()
	dir.addGroup("g", user("a"), group("sub"))
	dir.addGroup("sub", user("a"), user("a"))
	dir.addUser(completeUser("a", "User A"))

	cache := expandGroup(t, dir, "g")

	assert.Equal(t, 1, dir.userLookups)
	hits, misses := cache.Stats()
	assert.Equal(t, 2, hits)
	assert.Equal(t, 1, misses)
}

func TestExpandDiamondIsNotACycle(t *testing.T) {
	// Two branches reaching the same sub-group is a DAG, not a cycle.
	dir := newFakeDirectory()
	dir.addGroup("top", group("left"), group("right"))
	dir.addGroup("left", group("shared"))
	dir.addGroup("right", group("shared"))
	dir.addGroup("shared", user("u"))
	dir.addUser(completeUser("u", "User"))

	users := expandGroup(t, dir, "top").Users()

	require.Len(t, users, 1)
	assert.Equal(t, "u", users[0].ID)
}

func TestExpandDetectsDirectCycle(t *testing.T) {
	dir := newFakeDirectory()
	dir.addGroup("a", group("b"))
	dir.addGroup("b", group("a"))

	expander := NewExpander(dir, hclog.NewNullLogger())
	err := expander.Expand(context.Background(), "a", NewCache())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCycleDetected)

	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, "a", cycleErr.GroupID)
	assert.Equal(t, []string{"a", "b", "a"}, cycleErr.Path)
}

func TestExpandDetectsSelfReference(t *testing.T) {
	dir := newFakeDirectory()
	dir.addGroup("narcissus", group("narcissus"))

	expander := NewExpander(dir, hclog.NewNullLogger())
	err := expander.Expand(context.Background(), "narcissus", NewCache())

	assert.ErrorIs(t, err, ErrCycleDetected)
}

func TestExpandDetectsDeepCycle(t *testing.T) {
	dir := newFakeDirectory()
	dir.addGroup("a", user("u"), group("b"))
	dir.addGroup("b", group("c"))
	dir.addGroup("c", group("b"))
	dir.addUser(completeUser("u", "User"))

	expander := NewExpander(dir, hclog.NewNullLogger())
	err := expander.Expand(context.Background(), "a", NewCache())

	require.Error(t, err)
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, "b", cycleErr.GroupID)
}

func TestExpandPropagatesMemberErrors(t *testing.T) {
	dir := newFakeDirectory()
	boom := errors.New("connection reset")
	dir.addGroup("g", group("broken"))
	dir.memberErrs["broken"] = boom

	expander := NewExpander(dir, hclog.NewNullLogger())
	err := expander.Expand(context.Background(), "g", NewCache())

	assert.ErrorIs(t, err, boom)
}

func TestExpandPropagatesUserLookupErrors(t *testing.T) {
	dir := newFakeDirectory()
	boom := errors.New("server busy")
	dir.addGroup("g", user("flaky"))
	dir.userErrs["flaky"] = boom

	expander := NewExpander(dir, hclog.NewNullLogger())
	err := expander.Expand(context.Background(), "g", NewCache())

	assert.ErrorIs(t, err, boom)
}

func TestExpandHonoursContextCancellation(t *testing.T) {
	dir := newFakeDirectory()
	dir.addGroup("g", user("u"))
	dir.addUser(completeUser("u", "User"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	expander := NewExpander(dir, hclog.NewNullLogger())
	err := expander.Expand(ctx, "g", NewCache())

	assert.ErrorIs(t, err, context.Canceled)
}

func TestUserRecordIsComplete(t *testing.T) {
	tests := []struct {
		name     string
		record   UserRecord
		complete bool
	}{
		{"both attributes", completeUser("id", "Name"), true},
		{"missing display name", UserRecord{ID: "id", UserPrincipalName: "u@example.com"}, false},
		{"missing UPN", UserRecord{ID: "id", DisplayName: "Name"}, false},
		{"zero record", UserRecord{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.complete, tt.record.IsComplete())
		})
	}
}

func TestCacheKeepsFirstRecord(t *testing.T) {
	cache := NewCache()
	cache.AddUser(UserRecord{ID: "a", DisplayName: "First", UserPrincipalName: "first@example.com"})
	cache.AddUser(UserRecord{ID: "a", DisplayName: "Second", UserPrincipalName: "second@example.com"})

	users := cache.Users()
	require.Len(t, users, 1)
	assert.Equal(t, "First", users[0].DisplayName)
}

func TestMemberTypeString(t *testing.T) {
	assert.Equal(t, "user", MemberTypeUser.String())
	assert.Equal(t, "group", MemberTypeGroup.String())
	assert.Equal(t, "other", MemberTypeOther.String())
}
