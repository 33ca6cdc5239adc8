package ldap

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-hclog"
)

// GroupScope represents the scope of an Active Directory group.
type GroupScope string

const (
	GroupScopeGlobal      GroupScope = "Global"      // Members from the same domain
	GroupScopeUniversal   GroupScope = "Universal"   // Members from any domain in the forest
	GroupScopeDomainLocal GroupScope = "DomainLocal" // Members from any domain
)

// String returns the string representation of the group scope.
func (gs GroupScope) String() string {
	return string(gs)
}

// GroupCategory represents the category of an Active Directory group.
type GroupCategory string

const (
	GroupCategorySecurity     GroupCategory = "Security"     // Security group for access control
	GroupCategoryDistribution GroupCategory = "Distribution" // Distribution list
)

// String returns the string representation of the group category.
func (gc GroupCategory) String() string {
	return string(gc)
}

// Active Directory group type bit flags.
const (
	// Group scope flags (mutually exclusive).
	GroupTypeFlagGlobal      int32 = 0x00000002 // ADS_GROUP_TYPE_GLOBAL_GROUP
	GroupTypeFlagDomainLocal int32 = 0x00000004 // ADS_GROUP_TYPE_DOMAIN_LOCAL_GROUP
	GroupTypeFlagUniversal   int32 = 0x00000008 // ADS_GROUP_TYPE_UNIVERSAL_GROUP

	// Group category flag.
	GroupTypeFlagSecurity int32 = -2147483648 // ADS_GROUP_TYPE_SECURITY_ENABLED (0x80000000 as signed int32)
)

// GroupSearchFilter represents user-friendly filter options for searching groups.
type GroupSearchFilter struct {
	// Name filters
	NamePrefix   string `json:"namePrefix,omitempty"`   // Groups whose name starts with this string
	NameSuffix   string `json:"nameSuffix,omitempty"`   // Groups whose name ends with this string
	NameContains string `json:"nameContains,omitempty"` // Groups whose name contains this string

	// Type filters
	Category string `json:"category,omitempty"` // "security", "distribution", or empty for both
	Scope    string `json:"scope,omitempty"`    // "global", "domainlocal", "universal", or empty for all

	// Location filter
	Container string `json:"container,omitempty"` // Specific OU to search, empty for base DN

	// Membership filter
	HasMembers *bool `json:"hasMembers,omitempty"` // true=groups with members, false=empty groups, nil=all
}

// Group represents an Active Directory group.
type Group struct {
	// Core identification
	ObjectGUID        string `json:"objectGUID"`
	DistinguishedName string `json:"distinguishedName"`
	ObjectSid         string `json:"objectSid,omitempty"`

	// Group attributes
	Name           string        `json:"name"`           // cn
	SAMAccountName string        `json:"sAMAccountName"` // Pre-Windows 2000 name
	Description    string        `json:"description"`
	Scope          GroupScope    `json:"scope"`
	Category       GroupCategory `json:"category"`
	GroupType      int32         `json:"groupType"` // Raw AD groupType value
	Mail           string        `json:"mail,omitempty"`

	// Membership information
	MemberDNs []string `json:"memberDNs,omitempty"` // Distinguished names of direct members
	MemberOf  []string `json:"memberOf,omitempty"`  // Groups this group is a member of

	// Timestamps
	WhenCreated time.Time `json:"whenCreated"`
	WhenChanged time.Time `json:"whenChanged"`
}

// TypeStrings returns the group's category and scope as a string slice,
// suitable for reporting.
func (g *Group) TypeStrings() []string {
	return []string{g.Category.String(), g.Scope.String()}
}

// ParseGroupType extracts scope and category from an Active Directory groupType value.
func ParseGroupType(groupType int32) (GroupScope, GroupCategory) {
	var scope GroupScope
	var category GroupCategory

	switch {
	case groupType&GroupTypeFlagGlobal != 0:
		scope = GroupScopeGlobal
	case groupType&GroupTypeFlagDomainLocal != 0:
		scope = GroupScopeDomainLocal
	case groupType&GroupTypeFlagUniversal != 0:
		scope = GroupScopeUniversal
	default:
		scope = GroupScopeGlobal
	}

	if groupType&GroupTypeFlagSecurity != 0 {
		category = GroupCategorySecurity
	} else {
		category = GroupCategoryDistribution
	}

	return scope, category
}

// defaultGroupAttributes are requested when the caller does not specify a set.
var defaultGroupAttributes = []string{
	"objectGUID", "distinguishedName", "objectSid", "cn", "sAMAccountName",
	"description", "groupType", "mail", "member", "memberOf", "whenCreated", "whenChanged",
}

// GroupManager handles read-only Active Directory group operations.
type GroupManager struct {
	client      Client
	guidHandler *GUIDHandler
	sidHandler  *SIDHandler
	log         Logger
	baseDN      string
	timeout     time.Duration
}

// NewGroupManager creates a new group manager instance.
func NewGroupManager(client Client, baseDN string, logger hclog.Logger) *GroupManager {
	return &GroupManager{
		client:      client,
		guidHandler: NewGUIDHandler(),
		sidHandler:  NewSIDHandler(),
		log:         NewHCLogger(logger, "group"),
		baseDN:      baseDN,
		timeout:     30 * time.Second,
	}
}

// SetTimeout sets the LDAP operation timeout.
func (gm *GroupManager) SetTimeout(timeout time.Duration) {
	gm.timeout = timeout
}

// GetGroup retrieves a group by its objectGUID.
func (gm *GroupManager) GetGroup(ctx context.Context, guid string) (*Group, error) {
	if guid == "" {
		return nil, fmt.Errorf("group GUID cannot be empty")
	}

	if !gm.guidHandler.IsValidGUID(guid) {
		return nil, fmt.Errorf("invalid GUID format: %s", guid)
	}

	searchReq, err := gm.guidHandler.GenerateGUIDSearchRequest(gm.baseDN, guid)
	if err != nil {
		return nil, WrapError("generate_guid_search", err)
	}

	// Constrain to group objects and fetch the full attribute set
	searchReq.Filter = fmt.Sprintf("(&%s(objectClass=group))", searchReq.Filter)
	searchReq.Attributes = defaultGroupAttributes
	searchReq.TimeLimit = gm.timeout

	result, err := gm.client.Search(ctx, searchReq)
	if err != nil {
		return nil, WrapError("search_group_by_guid", err)
	}

	if len(result.Entries) == 0 {
		return nil, NewLDAPError("get_group", fmt.Errorf("group with GUID %s not found", guid))
	}

	group, err := gm.entryToGroup(result.Entries[0])
	if err != nil {
		return nil, WrapError("parse_group_entry", err)
	}

	return group, nil
}

// GetGroupByDN retrieves a group by distinguished name.
func (gm *GroupManager) GetGroupByDN(ctx context.Context, dn string) (*Group, error) {
	if dn == "" {
		return nil, fmt.Errorf("group DN cannot be empty")
	}

	searchReq := &SearchRequest{
		BaseDN:     dn,
		Scope:      ScopeBaseObject,
		Filter:     "(objectClass=group)",
		Attributes: defaultGroupAttributes,
		SizeLimit:  1,
		TimeLimit:  gm.timeout,
	}

	result, err := gm.client.Search(ctx, searchReq)
	if err != nil {
		return nil, WrapError("search_group_by_dn", err)
	}

	if len(result.Entries) == 0 {
		return nil, NewLDAPError("get_group_by_dn", fmt.Errorf("group with DN %s not found", dn))
	}

	group, err := gm.entryToGroup(result.Entries[0])
	if err != nil {
		return nil, WrapError("parse_group_entry", err)
	}

	return group, nil
}

// SearchGroupsWithFilter searches for groups using user-friendly filter options.
func (gm *GroupManager) SearchGroupsWithFilter(ctx context.Context, filter *GroupSearchFilter) ([]*Group, error) {
	start := time.Now()

	if filter == nil {
		return gm.SearchGroups(ctx, "", nil)
	}

	filterFields := map[string]any{
		"operation": "search_groups_with_filter",
	}
	if filter.NamePrefix != "" {
		filterFields["name_prefix"] = filter.NamePrefix
	}
	if filter.Container != "" {
		filterFields["container"] = filter.Container
	}

	if err := gm.validateSearchFilter(filter); err != nil {
		return nil, WrapError("validate_search_filter", err)
	}

	ldapFilter := gm.buildLDAPFilter(filter)
	filterFields["ldap_filter"] = ldapFilter

	searchBaseDN := gm.baseDN
	if filter.Container != "" {
		searchBaseDN = filter.Container
	}

	groups, err := gm.searchGroupsIn(ctx, searchBaseDN, ldapFilter)
	if err != nil {
		filterFields["error"] = err.Error()
		filterFields["duration_ms"] = time.Since(start).Milliseconds()
		gm.log.Error("Group filter search failed", filterFields)
		return nil, err
	}

	filterFields["groups_found"] = len(groups)
	filterFields["duration_ms"] = time.Since(start).Milliseconds()
	gm.log.Info("Group filter search completed", filterFields)

	return groups, nil
}

// SearchGroups searches for groups using a raw LDAP filter fragment.
func (gm *GroupManager) SearchGroups(ctx context.Context, filter string, attributes []string) ([]*Group, error) {
	if filter == "" {
		filter = "(objectClass=group)"
	} else {
		// Ensure we're only searching for groups
		filter = fmt.Sprintf("(&(objectClass=group)%s)", filter)
	}

	if len(attributes) == 0 {
		attributes = defaultGroupAttributes
	}

	searchReq := &SearchRequest{
		BaseDN:     gm.baseDN,
		Scope:      ScopeWholeSubtree,
		Filter:     filter,
		Attributes: attributes,
		TimeLimit:  gm.timeout,
	}

	result, err := gm.client.SearchWithPaging(ctx, searchReq)
	if err != nil {
		return nil, WrapError("search_groups", err)
	}

	return gm.entriesToGroups(result.Entries), nil
}

// searchGroupsIn searches for groups under a specific base DN.
func (gm *GroupManager) searchGroupsIn(ctx context.Context, baseDN, filter string) ([]*Group, error) {
	if filter == "" {
		filter = "(objectClass=group)"
	} else {
		filter = fmt.Sprintf("(&(objectClass=group)%s)", filter)
	}

	searchReq := &SearchRequest{
		BaseDN:     baseDN,
		Scope:      ScopeWholeSubtree,
		Filter:     filter,
		Attributes: defaultGroupAttributes,
		TimeLimit:  gm.timeout,
	}

	result, err := gm.client.SearchWithPaging(ctx, searchReq)
	if err != nil {
		return nil, WrapError("search_groups_in_container", err)
	}

	return gm.entriesToGroups(result.Entries), nil
}

// entriesToGroups converts search entries, skipping unparsable ones.
func (gm *GroupManager) entriesToGroups(entries []*ldap.Entry) []*Group {
	groups := make([]*Group, 0, len(entries))
	for _, entry := range entries {
		group, err := gm.entryToGroup(entry)
		if err != nil {
			gm.log.Warn("Failed to convert LDAP entry to group, skipping", map[string]any{
				"entry_dn": entry.DN,
				"error":    err.Error(),
			})
			continue
		}
		groups = append(groups, group)
	}
	return groups
}

// entryToGroup converts an LDAP entry to a Group struct.
func (gm *GroupManager) entryToGroup(entry *ldap.Entry) (*Group, error) {
	if entry == nil {
		return nil, fmt.Errorf("LDAP entry cannot be nil")
	}

	group := &Group{}

	guid, err := gm.guidHandler.ExtractGUID(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to extract GUID: %w", err)
	}
	group.ObjectGUID = guid

	group.DistinguishedName = entry.DN
	group.ObjectSid = gm.sidHandler.ExtractSIDSafe(entry)
	group.Name = entry.GetAttributeValue("cn")
	group.SAMAccountName = entry.GetAttributeValue("sAMAccountName")
	group.Description = entry.GetAttributeValue("description")
	group.Mail = entry.GetAttributeValue("mail")

	if groupTypeStr := entry.GetAttributeValue("groupType"); groupTypeStr != "" {
		if groupTypeInt, err := strconv.ParseInt(groupTypeStr, 10, 32); err == nil {
			group.GroupType = int32(groupTypeInt)
			group.Scope, group.Category = ParseGroupType(group.GroupType)
		}
	}

	group.MemberDNs = entry.GetAttributeValues("member")
	group.MemberOf = entry.GetAttributeValues("memberOf")

	if whenCreated := entry.GetAttributeValue("whenCreated"); whenCreated != "" {
		if t, err := time.Parse("20060102150405.0Z", whenCreated); err == nil {
			group.WhenCreated = t
		}
	}

	if whenChanged := entry.GetAttributeValue("whenChanged"); whenChanged != "" {
		if t, err := time.Parse("20060102150405.0Z", whenChanged); err == nil {
			group.WhenChanged = t
		}
	}

	return group, nil
}

// validateSearchFilter validates the filter values.
func (gm *GroupManager) validateSearchFilter(filter *GroupSearchFilter) error {
	if filter == nil {
		return nil
	}

	if filter.Category != "" {
		switch strings.ToLower(filter.Category) {
		case "security", "distribution":
		default:
			return fmt.Errorf("invalid category '%s': must be 'security', 'distribution', or empty", filter.Category)
		}
	}

	if filter.Scope != "" {
		switch strings.ToLower(filter.Scope) {
		case "global", "domainlocal", "universal":
		default:
			return fmt.Errorf("invalid scope '%s': must be 'global', 'domainlocal', 'universal', or empty", filter.Scope)
		}
	}

	if filter.Container != "" {
		if _, err := ldap.ParseDN(filter.Container); err != nil {
			return fmt.Errorf("invalid container DN '%s': %w", filter.Container, err)
		}
	}

	return nil
}

// buildLDAPFilter converts a user-friendly filter to an LDAP filter string.
func (gm *GroupManager) buildLDAPFilter(filter *GroupSearchFilter) string {
	if filter == nil {
		return ""
	}

	var filterParts []string

	if filter.NamePrefix != "" {
		filterParts = append(filterParts, fmt.Sprintf("(cn=%s*)", ldap.EscapeFilter(filter.NamePrefix)))
	}
	if filter.NameSuffix != "" {
		filterParts = append(filterParts, fmt.Sprintf("(cn=*%s)", ldap.EscapeFilter(filter.NameSuffix)))
	}
	if filter.NameContains != "" {
		filterParts = append(filterParts, fmt.Sprintf("(cn=*%s*)", ldap.EscapeFilter(filter.NameContains)))
	}

	// Category filter uses the bitwise matching rule on the security flag
	if filter.Category != "" {
		switch strings.ToLower(filter.Category) {
		case "security":
			filterParts = append(filterParts, "(groupType:1.2.840.113556.1.4.803:=2147483648)")
		case "distribution":
			filterParts = append(filterParts, "(!(groupType:1.2.840.113556.1.4.803:=2147483648))")
		}
	}

	if filter.Scope != "" {
		switch strings.ToLower(filter.Scope) {
		case "global":
			filterParts = append(filterParts, "(groupType:1.2.840.113556.1.4.803:=2)")
		case "domainlocal":
			filterParts = append(filterParts, "(groupType:1.2.840.113556.1.4.803:=4)")
		case "universal":
			filterParts = append(filterParts, "(groupType:1.2.840.113556.1.4.803:=8)")
		}
	}

	if filter.HasMembers != nil {
		if *filter.HasMembers {
			filterParts = append(filterParts, "(member=*)")
		} else {
			filterParts = append(filterParts, "(!(member=*))")
		}
	}

	switch len(filterParts) {
	case 0:
		return ""
	case 1:
		return filterParts[0]
	default:
		return fmt.Sprintf("(&%s)", strings.Join(filterParts, ""))
	}
}
