package ldap

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-hclog"
)

// userAccountControl bit flags.
const (
	uacAccountDisable = 0x0002
	uacLockout        = 0x0010
)

// adEpoch is the Windows FILETIME epoch (January 1, 1601 UTC).
var adEpoch = time.Date(1601, 1, 1, 0, 0, 0, 0, time.UTC)

// User represents an Active Directory user with the identity attributes
// needed for membership reporting.
type User struct {
	// Core identification
	ObjectGUID        string `json:"objectGUID"`
	DistinguishedName string `json:"distinguishedName"`
	ObjectSid         string `json:"objectSid,omitempty"`

	// Identity attributes
	SAMAccountName    string `json:"sAMAccountName"`
	UserPrincipalName string `json:"userPrincipalName"`
	DisplayName       string `json:"displayName"`
	GivenName         string `json:"givenName,omitempty"`
	Surname           string `json:"sn,omitempty"`
	Mail              string `json:"mail,omitempty"`

	// Account status
	Enabled         bool      `json:"enabled"`
	LockedOut       bool      `json:"lockedOut"`
	PasswordLastSet time.Time `json:"passwordLastSet,omitempty"`

	// Timestamps
	WhenCreated time.Time `json:"whenCreated"`
	WhenChanged time.Time `json:"whenChanged"`
}

// userAttributes are the attributes requested for user lookups.
var userAttributes = []string{
	"objectGUID", "distinguishedName", "objectSid", "sAMAccountName",
	"userPrincipalName", "displayName", "givenName", "sn", "mail",
	"userAccountControl", "pwdLastSet", "whenCreated", "whenChanged",
}

// UserReader handles read-only Active Directory user lookups.
type UserReader struct {
	client      Client
	guidHandler *GUIDHandler
	sidHandler  *SIDHandler
	log         Logger
	baseDN      string
	timeout     time.Duration
}

// NewUserReader creates a new user reader instance.
func NewUserReader(client Client, baseDN string, logger hclog.Logger) *UserReader {
	return &UserReader{
		client:      client,
		guidHandler: NewGUIDHandler(),
		sidHandler:  NewSIDHandler(),
		log:         NewHCLogger(logger, "user"),
		baseDN:      baseDN,
		timeout:     30 * time.Second,
	}
}

// SetTimeout sets the LDAP operation timeout.
func (ur *UserReader) SetTimeout(timeout time.Duration) {
	ur.timeout = timeout
}

// GetUserByGUID retrieves a user by objectGUID. Returns a not_found LDAPError
// when no matching user exists.
func (ur *UserReader) GetUserByGUID(ctx context.Context, guid string) (*User, error) {
	if guid == "" {
		return nil, fmt.Errorf("user GUID cannot be empty")
	}

	if !ur.guidHandler.IsValidGUID(guid) {
		return nil, fmt.Errorf("invalid GUID format: %s", guid)
	}

	guidFilter, err := ur.guidHandler.GUIDToSearchFilter(guid)
	if err != nil {
		return nil, WrapError("build_guid_filter", err)
	}

	searchReq := &SearchRequest{
		BaseDN:     ur.baseDN,
		Scope:      ScopeWholeSubtree,
		Filter:     fmt.Sprintf("(&%s(objectClass=user)(!(objectClass=computer)))", guidFilter),
		Attributes: userAttributes,
		SizeLimit:  1,
		TimeLimit:  ur.timeout,
	}

	result, err := ur.client.Search(ctx, searchReq)
	if err != nil {
		return nil, WrapError("search_user_by_guid", err)
	}

	if len(result.Entries) == 0 {
		return nil, NewLDAPError("get_user", fmt.Errorf("user with GUID %s not found", guid))
	}

	return ur.entryToUser(result.Entries[0])
}

// GetUserByDN retrieves a user by distinguished name.
func (ur *UserReader) GetUserByDN(ctx context.Context, dn string) (*User, error) {
	if dn == "" {
		return nil, fmt.Errorf("user DN cannot be empty")
	}

	searchReq := &SearchRequest{
		BaseDN:     dn,
		Scope:      ScopeBaseObject,
		Filter:     "(&(objectClass=user)(!(objectClass=computer)))",
		Attributes: userAttributes,
		SizeLimit:  1,
		TimeLimit:  ur.timeout,
	}

	result, err := ur.client.Search(ctx, searchReq)
	if err != nil {
		return nil, WrapError("search_user_by_dn", err)
	}

	if len(result.Entries) == 0 {
		return nil, NewLDAPError("get_user_by_dn", fmt.Errorf("user with DN %s not found", dn))
	}

	return ur.entryToUser(result.Entries[0])
}

// entryToUser converts an LDAP entry to a User struct.
func (ur *UserReader) entryToUser(entry *ldap.Entry) (*User, error) {
	if entry == nil {
		return nil, fmt.Errorf("LDAP entry cannot be nil")
	}

	user := &User{}

	guid, err := ur.guidHandler.ExtractGUID(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to extract GUID: %w", err)
	}
	user.ObjectGUID = guid

	user.DistinguishedName = entry.DN
	user.ObjectSid = ur.sidHandler.ExtractSIDSafe(entry)
	user.SAMAccountName = entry.GetAttributeValue("sAMAccountName")
	user.UserPrincipalName = entry.GetAttributeValue("userPrincipalName")
	user.DisplayName = entry.GetAttributeValue("displayName")
	user.GivenName = entry.GetAttributeValue("givenName")
	user.Surname = entry.GetAttributeValue("sn")
	user.Mail = entry.GetAttributeValue("mail")

	if uacStr := entry.GetAttributeValue("userAccountControl"); uacStr != "" {
		if uac, err := strconv.ParseInt(uacStr, 10, 64); err == nil {
			user.Enabled = uac&uacAccountDisable == 0
			user.LockedOut = uac&uacLockout != 0
		}
	}

	if pls := entry.GetAttributeValue("pwdLastSet"); pls != "" {
		user.PasswordLastSet = parseADTimestamp(pls)
	}

	if whenCreated := entry.GetAttributeValue("whenCreated"); whenCreated != "" {
		if t, err := time.Parse("20060102150405.0Z", whenCreated); err == nil {
			user.WhenCreated = t
		}
	}

	if whenChanged := entry.GetAttributeValue("whenChanged"); whenChanged != "" {
		if t, err := time.Parse("20060102150405.0Z", whenChanged); err == nil {
			user.WhenChanged = t
		}
	}

	return user, nil
}

// parseADTimestamp converts a Windows FILETIME value (100-nanosecond intervals
// since 1601-01-01) to a time.Time. Returns the zero value for 0 and the AD
// "never" sentinel. The span exceeds what time.Duration can hold, so the
// conversion goes through Unix seconds.
func parseADTimestamp(value string) time.Time {
	ticks, err := strconv.ParseInt(value, 10, 64)
	if err != nil || ticks == 0 || ticks == 0x7FFFFFFFFFFFFFFF {
		return time.Time{}
	}
	secs := ticks/10_000_000 + adEpoch.Unix()
	nanos := (ticks % 10_000_000) * 100
	return time.Unix(secs, nanos).UTC()
}
