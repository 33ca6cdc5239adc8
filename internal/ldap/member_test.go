package ldap

import (
	"context"
	"strings"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/isometry/admembers/internal/flatten"
)

// Helper function to create a member entry with identity attributes
func createMockMemberEntry(dn, guid string, objectClasses []string, displayName, upn, mail string) *ldap.Entry {
	guidHandler := NewGUIDHandler()
	guidBytes, _ := guidHandler.StringToGUIDBytes(guid)

	attributes := []*ldap.EntryAttribute{
		{Name: "objectGUID", ByteValues: [][]byte{guidBytes}},
		{Name: "objectClass", Values: objectClasses},
	}
	if displayName != "" {
		attributes = append(attributes, &ldap.EntryAttribute{Name: "displayName", Values: []string{displayName}})
	}
	if upn != "" {
		attributes = append(attributes, &ldap.EntryAttribute{Name: "userPrincipalName", Values: []string{upn}})
	}
	if mail != "" {
		attributes = append(attributes, &ldap.EntryAttribute{Name: "mail", Values: []string{mail}})
	}

	return &ldap.Entry{DN: dn, Attributes: attributes}
}

func createTestMemberResolver() (*MemberResolver, *MockClient) {
	mockClient := &MockClient{}
	mr := NewMemberResolver(mockClient, "DC=test,DC=local", hclog.NewNullLogger())
	return mr, mockClient
}

func TestClassifyObjectClass(t *testing.T) {
	tests := []struct {
		name     string
		classes  []string
		expected flatten.MemberType
	}{
		{"user", []string{"top", "person", "organizationalPerson", "user"}, flatten.MemberTypeUser},
		{"group", []string{"top", "group"}, flatten.MemberTypeGroup},
		{"computer classified before user", []string{"top", "person", "user", "computer"}, flatten.MemberTypeOther},
		{"contact", []string{"top", "person", "organizationalPerson", "contact"}, flatten.MemberTypeOther},
		{"bare person without user class", []string{"top", "person"}, flatten.MemberTypeOther},
		{"service connection point", []string{"top", "serviceConnectionPoint"}, flatten.MemberTypeOther},
		{"case insensitive", []string{"Top", "Group"}, flatten.MemberTypeGroup},
		{"empty", nil, flatten.MemberTypeOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, classifyObjectClass(tt.classes))
		})
	}
}

func TestMemberResolver_ResolveMembers(t *testing.T) {
	mr, mockClient := createTestMemberResolver()

	groupGUID := "11111111-1111-1111-1111-111111111111"
	groupDN := "CN=Engineering,OU=Groups,DC=test,DC=local"
	groupEntry := createMockGroupEntry("Engineering", groupGUID, groupDN, GroupTypeFlagGlobal|GroupTypeFlagSecurity)

	memberEntries := []*ldap.Entry{
		createMockMemberEntry("CN=Alice,OU=Users,DC=test,DC=local",
			"22222222-2222-2222-2222-222222222222",
			[]string{"top", "person", "user"}, "Alice Example", "alice@test.local", "alice@test.local"),
		createMockMemberEntry("CN=Nested,OU=Groups,DC=test,DC=local",
			"33333333-3333-3333-3333-333333333333",
			[]string{"top", "group"}, "", "", ""),
		createMockMemberEntry("CN=BUILD01,OU=Computers,DC=test,DC=local",
			"44444444-4444-4444-4444-444444444444",
			[]string{"top", "person", "user", "computer"}, "BUILD01", "", ""),
		createMockMemberEntry("CN=External Partner,OU=Contacts,DC=test,DC=local",
			"55555555-5555-5555-5555-555555555555",
			[]string{"top", "person", "organizationalPerson", "contact"}, "External Partner", "", "partner@example.org"),
	}

	// Group lookup by GUID, then member listing via memberOf
	mockClient.On("Search", mock.Anything, mock.Anything).
		Return(&SearchResult{Entries: []*ldap.Entry{groupEntry}, Total: 1}, nil)
	mockClient.On("SearchWithPaging", mock.Anything, mock.MatchedBy(func(req *SearchRequest) bool {
		return strings.Contains(req.Filter, "memberOf=") && strings.Contains(req.Filter, "CN=Engineering")
	})).Return(&SearchResult{Entries: memberEntries, Total: 4}, nil)

	members, err := mr.ResolveMembers(context.Background(), groupGUID)
	require.NoError(t, err)
	require.Len(t, members, 4)

	assert.Equal(t, flatten.MemberRef{ID: "22222222-2222-2222-2222-222222222222", Type: flatten.MemberTypeUser}, members[0])
	assert.Equal(t, flatten.MemberRef{ID: "33333333-3333-3333-3333-333333333333", Type: flatten.MemberTypeGroup}, members[1])
	assert.Equal(t, flatten.MemberRef{ID: "44444444-4444-4444-4444-444444444444", Type: flatten.MemberTypeOther}, members[2])
	assert.Equal(t, flatten.MemberRef{ID: "55555555-5555-5555-5555-555555555555", Type: flatten.MemberTypeOther}, members[3])

	mockClient.AssertExpectations(t)
}

func TestMemberResolver_ResolveMembersPrimesIdentityCache(t *testing.T) {
	mr, mockClient := createTestMemberResolver()

	groupGUID := "11111111-1111-1111-1111-111111111111"
	groupEntry := createMockGroupEntry("Engineering", groupGUID, "CN=Engineering,DC=test,DC=local", GroupTypeFlagGlobal|GroupTypeFlagSecurity)

	userGUID := "22222222-2222-2222-2222-222222222222"
	memberEntries := []*ldap.Entry{
		createMockMemberEntry("CN=Alice,OU=Users,DC=test,DC=local", userGUID,
			[]string{"top", "person", "user"}, "Alice Example", "alice@test.local", "alice@test.local"),
	}

	mockClient.On("Search", mock.Anything, mock.Anything).
		Return(&SearchResult{Entries: []*ldap.Entry{groupEntry}, Total: 1}, nil)
	mockClient.On("SearchWithPaging", mock.Anything, mock.Anything).
		Return(&SearchResult{Entries: memberEntries, Total: 1}, nil)

	_, err := mr.ResolveMembers(context.Background(), groupGUID)
	require.NoError(t, err)

	// The user's identity came back with the member listing, so enrichment
	// must not touch the directory again.
	rec, err := mr.UserDetails(context.Background(), userGUID)
	require.NoError(t, err)
	assert.Equal(t, "Alice Example", rec.DisplayName)
	assert.Equal(t, "alice@test.local", rec.UserPrincipalName)
	assert.Equal(t, "alice@test.local", rec.Mail)
	assert.True(t, rec.IsComplete())

	stats := mr.CacheStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Entries)
}

func TestMemberResolver_IncompleteListingDoesNotPrimeCache(t *testing.T) {
	mr, mockClient := createTestMemberResolver()

	groupGUID := "11111111-1111-1111-1111-111111111111"
	groupEntry := createMockGroupEntry("Engineering", groupGUID, "CN=Engineering,DC=test,DC=local", GroupTypeFlagGlobal|GroupTypeFlagSecurity)

	// The listing carries no UPN for Alice, but the full user entry does.
	userGUID := "22222222-2222-2222-2222-222222222222"
	listingEntry := createMockMemberEntry("CN=Alice,OU=Users,DC=test,DC=local", userGUID,
		[]string{"top", "person", "user"}, "Alice Example", "", "")
	fullEntry := createMockMemberEntry("CN=Alice,OU=Users,DC=test,DC=local", userGUID,
		[]string{"top", "person", "user"}, "Alice Example", "alice@test.local", "alice@test.local")

	mockClient.On("Search", mock.Anything, mock.MatchedBy(func(req *SearchRequest) bool {
		return strings.Contains(req.Filter, "(objectClass=group)")
	})).Return(&SearchResult{Entries: []*ldap.Entry{groupEntry}, Total: 1}, nil)
	mockClient.On("SearchWithPaging", mock.Anything, mock.Anything).
		Return(&SearchResult{Entries: []*ldap.Entry{listingEntry}, Total: 1}, nil)
	mockClient.On("Search", mock.Anything, mock.MatchedBy(func(req *SearchRequest) bool {
		return strings.Contains(req.Filter, "(objectClass=user)")
	})).Return(&SearchResult{Entries: []*ldap.Entry{fullEntry}, Total: 1}, nil)

	_, err := mr.ResolveMembers(context.Background(), groupGUID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), mr.CacheStats().Entries)

	// The targeted lookup completes the record the listing could not.
	rec, err := mr.UserDetails(context.Background(), userGUID)
	require.NoError(t, err)
	assert.Equal(t, "alice@test.local", rec.UserPrincipalName)
	assert.True(t, rec.IsComplete())
}

func TestMemberResolver_ResolveMembersSkipsEntriesWithoutGUID(t *testing.T) {
	mr, mockClient := createTestMemberResolver()

	groupGUID := "11111111-1111-1111-1111-111111111111"
	groupEntry := createMockGroupEntry("Engineering", groupGUID, "CN=Engineering,DC=test,DC=local", GroupTypeFlagGlobal|GroupTypeFlagSecurity)

	memberEntries := []*ldap.Entry{
		{DN: "CN=Broken,DC=test,DC=local", Attributes: []*ldap.EntryAttribute{
			{Name: "objectClass", Values: []string{"top", "user"}},
		}},
	}

	mockClient.On("Search", mock.Anything, mock.Anything).
		Return(&SearchResult{Entries: []*ldap.Entry{groupEntry}, Total: 1}, nil)
	mockClient.On("SearchWithPaging", mock.Anything, mock.Anything).
		Return(&SearchResult{Entries: memberEntries, Total: 1}, nil)

	members, err := mr.ResolveMembers(context.Background(), groupGUID)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestMemberResolver_ResolveMembers_GroupNotFound(t *testing.T) {
	mr, mockClient := createTestMemberResolver()

	mockClient.On("Search", mock.Anything, mock.Anything).
		Return(&SearchResult{Entries: []*ldap.Entry{}}, nil)

	_, err := mr.ResolveMembers(context.Background(), "11111111-1111-1111-1111-111111111111")
	require.Error(t, err)
	assert.True(t, IsNotFoundError(err))
}

func TestMemberResolver_UserDetails(t *testing.T) {
	mr, mockClient := createTestMemberResolver()

	userGUID := "22222222-2222-2222-2222-222222222222"
	userEntry := createMockMemberEntry("CN=Alice,OU=Users,DC=test,DC=local", userGUID,
		[]string{"top", "person", "user"}, "Alice Example", "alice@test.local", "alice@test.local")

	mockClient.On("Search", mock.Anything, mock.MatchedBy(func(req *SearchRequest) bool {
		return strings.Contains(req.Filter, "(objectClass=user)") &&
			strings.Contains(req.Filter, "(!(objectClass=computer))")
	})).Return(&SearchResult{Entries: []*ldap.Entry{userEntry}, Total: 1}, nil)

	rec, err := mr.UserDetails(context.Background(), userGUID)
	require.NoError(t, err)
	assert.Equal(t, userGUID, rec.ID)
	assert.Equal(t, "Alice Example", rec.DisplayName)
	assert.Equal(t, "alice@test.local", rec.Mail)
	assert.True(t, rec.IsComplete())

	// Second lookup is served from the cache
	rec2, err := mr.UserDetails(context.Background(), userGUID)
	require.NoError(t, err)
	assert.Equal(t, rec, rec2)
	mockClient.AssertNumberOfCalls(t, "Search", 1)
}

func TestMemberResolver_UserDetails_NotFound(t *testing.T) {
	mr, mockClient := createTestMemberResolver()

	mockClient.On("Search", mock.Anything, mock.Anything).
		Return(&SearchResult{Entries: []*ldap.Entry{}}, nil)

	// A vanished user yields the zero record without an error
	rec, err := mr.UserDetails(context.Background(), "22222222-2222-2222-2222-222222222222")
	require.NoError(t, err)
	assert.True(t, rec.IsZero())
}

func TestMemberResolver_UserDetails_IncompleteIdentity(t *testing.T) {
	mr, mockClient := createTestMemberResolver()

	userGUID := "22222222-2222-2222-2222-222222222222"
	userEntry := createMockMemberEntry("CN=Svc,OU=Users,DC=test,DC=local", userGUID,
		[]string{"top", "person", "user"}, "", "svc@test.local", "")

	mockClient.On("Search", mock.Anything, mock.Anything).
		Return(&SearchResult{Entries: []*ldap.Entry{userEntry}, Total: 1}, nil)

	rec, err := mr.UserDetails(context.Background(), userGUID)
	require.NoError(t, err)
	assert.False(t, rec.IsComplete())
	assert.Equal(t, userGUID, rec.ID)
}

func TestMemberResolver_GroupsByPrefix(t *testing.T) {
	mr, mockClient := createTestMemberResolver()

	entries := []*ldap.Entry{
		createMockGroupEntry("Eng", "11111111-1111-1111-1111-111111111111", "CN=Eng,DC=test,DC=local", GroupTypeFlagGlobal|GroupTypeFlagSecurity),
	}

	mockClient.On("SearchWithPaging", mock.Anything, mock.MatchedBy(func(req *SearchRequest) bool {
		return req.Filter == "(&(objectClass=group)(cn=Eng*))"
	})).Return(&SearchResult{Entries: entries, Total: 1}, nil)

	infos, err := mr.GroupsByPrefix(context.Background(), "Eng")
	require.NoError(t, err)
	require.Len(t, infos, 1)

	assert.Equal(t, "11111111-1111-1111-1111-111111111111", infos[0].ID)
	assert.Equal(t, "Eng", infos[0].DisplayName)
	assert.Equal(t, []string{"Security", "Global"}, infos[0].Types)
}
