package ldap

import (
	"context"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func createTestUserReader() (*UserReader, *MockClient) {
	mockClient := &MockClient{}
	ur := NewUserReader(mockClient, "DC=test,DC=local", hclog.NewNullLogger())
	return ur, mockClient
}

func createMockUserEntry(dn, guid string) *ldap.Entry {
	guidHandler := NewGUIDHandler()
	guidBytes, _ := guidHandler.StringToGUIDBytes(guid)

	return &ldap.Entry{
		DN: dn,
		Attributes: []*ldap.EntryAttribute{
			{Name: "objectGUID", ByteValues: [][]byte{guidBytes}},
			{Name: "distinguishedName", Values: []string{dn}},
			{Name: "sAMAccountName", Values: []string{"alice"}},
			{Name: "userPrincipalName", Values: []string{"alice@test.local"}},
			{Name: "displayName", Values: []string{"Alice Example"}},
			{Name: "givenName", Values: []string{"Alice"}},
			{Name: "sn", Values: []string{"Example"}},
			{Name: "mail", Values: []string{"alice@test.local"}},
			{Name: "userAccountControl", Values: []string{"512"}},
			{Name: "whenCreated", Values: []string{"20240101120000.0Z"}},
			{Name: "whenChanged", Values: []string{"20240601120000.0Z"}},
		},
	}
}

func TestUserReader_EntryToUser(t *testing.T) {
	ur, _ := createTestUserReader()

	guid := "12345678-1234-1234-1234-123456789012"
	entry := createMockUserEntry("CN=Alice,OU=Users,DC=test,DC=local", guid)

	user, err := ur.entryToUser(entry)
	require.NoError(t, err)

	assert.Equal(t, guid, user.ObjectGUID)
	assert.Equal(t, "alice", user.SAMAccountName)
	assert.Equal(t, "alice@test.local", user.UserPrincipalName)
	assert.Equal(t, "Alice Example", user.DisplayName)
	assert.Equal(t, "alice@test.local", user.Mail)
	assert.True(t, user.Enabled)
	assert.False(t, user.LockedOut)
	assert.Equal(t, 2024, user.WhenCreated.Year())
	assert.Equal(t, time.June, user.WhenChanged.Month())
}

func TestUserReader_EntryToUser_DisabledAccount(t *testing.T) {
	ur, _ := createTestUserReader()

	entry := createMockUserEntry("CN=Bob,OU=Users,DC=test,DC=local", "12345678-1234-1234-1234-123456789012")
	for _, attr := range entry.Attributes {
		if attr.Name == "userAccountControl" {
			attr.Values = []string{"514"} // NORMAL_ACCOUNT | ACCOUNTDISABLE
		}
	}

	user, err := ur.entryToUser(entry)
	require.NoError(t, err)
	assert.False(t, user.Enabled)
}

func TestUserReader_EntryToUser_Invalid(t *testing.T) {
	ur, _ := createTestUserReader()

	_, err := ur.entryToUser(nil)
	assert.Error(t, err)

	_, err = ur.entryToUser(&ldap.Entry{DN: "CN=NoGUID,DC=test,DC=local"})
	assert.Error(t, err)
}

func TestUserReader_GetUserByGUID(t *testing.T) {
	ur, mockClient := createTestUserReader()

	guid := "12345678-1234-1234-1234-123456789012"
	entry := createMockUserEntry("CN=Alice,OU=Users,DC=test,DC=local", guid)

	mockClient.On("Search", mock.Anything, mock.MatchedBy(func(req *SearchRequest) bool {
		return req.SizeLimit == 1 && req.Scope == ScopeWholeSubtree
	})).Return(&SearchResult{Entries: []*ldap.Entry{entry}, Total: 1}, nil)

	user, err := ur.GetUserByGUID(context.Background(), guid)
	require.NoError(t, err)
	assert.Equal(t, "Alice Example", user.DisplayName)

	mockClient.AssertExpectations(t)
}

func TestUserReader_GetUserByDN(t *testing.T) {
	ur, mockClient := createTestUserReader()

	dn := "CN=Alice,DC=test,DC=local"
	entry := createMockUserEntry(dn, "12345678-1234-1234-1234-123456789012")

	mockClient.On("Search", mock.Anything, mock.MatchedBy(func(req *SearchRequest) bool {
		return req.BaseDN == dn && req.Scope == ScopeBaseObject
	})).Return(&SearchResult{Entries: []*ldap.Entry{entry}, Total: 1}, nil)

	user, err := ur.GetUserByDN(context.Background(), dn)
	require.NoError(t, err)
	assert.Equal(t, dn, user.DistinguishedName)

	_, err = ur.GetUserByDN(context.Background(), "")
	assert.Error(t, err)
}

func TestUserReader_GetUserByGUID_NotFound(t *testing.T) {
	ur, mockClient := createTestUserReader()

	mockClient.On("Search", mock.Anything, mock.Anything).
		Return(&SearchResult{Entries: []*ldap.Entry{}}, nil)

	_, err := ur.GetUserByGUID(context.Background(), "12345678-1234-1234-1234-123456789012")
	require.Error(t, err)
	assert.True(t, IsNotFoundError(err))
}

func TestUserReader_GetUserByGUID_InvalidInput(t *testing.T) {
	ur, _ := createTestUserReader()

	_, err := ur.GetUserByGUID(context.Background(), "")
	assert.Error(t, err)

	_, err = ur.GetUserByGUID(context.Background(), "nonsense")
	assert.Error(t, err)
}

func TestParseADTimestamp(t *testing.T) {
	// 2024-01-01T00:00:00Z in 100ns intervals since 1601-01-01
	result := parseADTimestamp("133485408000000000")
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), result)

	assert.True(t, parseADTimestamp("0").IsZero())
	assert.True(t, parseADTimestamp("9223372036854775807").IsZero())
	assert.True(t, parseADTimestamp("garbage").IsZero())
}
