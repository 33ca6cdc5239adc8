package ldap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-hclog"

	"github.com/isometry/admembers/internal/flatten"
)

// memberAttributes are the attributes requested when listing group members.
// Identity attributes are included so user entries can prime the identity
// cache without a second lookup.
var memberAttributes = []string{
	"objectClass", "objectGUID", "displayName", "userPrincipalName", "mail",
}

// MemberResolver resolves group membership and user identities against
// Active Directory. It implements flatten.Directory and flatten.GroupSource.
type MemberResolver struct {
	client      Client
	groups      *GroupManager
	users       *UserReader
	guidHandler *GUIDHandler
	cache       *EntryCache
	log         Logger
	baseDN      string
	timeout     time.Duration
}

var (
	_ flatten.Directory   = (*MemberResolver)(nil)
	_ flatten.GroupSource = (*MemberResolver)(nil)
)

// NewMemberResolver creates a member resolver searching under baseDN.
func NewMemberResolver(client Client, baseDN string, logger hclog.Logger) *MemberResolver {
	return &MemberResolver{
		client:      client,
		groups:      NewGroupManager(client, baseDN, logger),
		users:       NewUserReader(client, baseDN, logger),
		guidHandler: NewGUIDHandler(),
		cache:       NewEntryCache(),
		log:         NewHCLogger(logger, "member"),
		baseDN:      baseDN,
		timeout:     30 * time.Second,
	}
}

// SetTimeout sets the LDAP operation timeout for membership searches.
func (mr *MemberResolver) SetTimeout(timeout time.Duration) {
	mr.timeout = timeout
	mr.groups.SetTimeout(timeout)
	mr.users.SetTimeout(timeout)
}

// CacheStats returns identity cache statistics for the current run.
func (mr *MemberResolver) CacheStats() EntryCacheStats {
	return mr.cache.GetStats()
}

// GroupsByPrefix returns all groups whose name starts with prefix. An empty
// prefix matches every group under the search base.
func (mr *MemberResolver) GroupsByPrefix(ctx context.Context, prefix string) ([]flatten.GroupInfo, error) {
	groups, err := mr.groups.SearchGroupsWithFilter(ctx, &GroupSearchFilter{NamePrefix: prefix})
	if err != nil {
		return nil, err
	}

	infos := make([]flatten.GroupInfo, 0, len(groups))
	for _, group := range groups {
		infos = append(infos, flatten.GroupInfo{
			ID:          group.ObjectGUID,
			DisplayName: group.Name,
			Description: group.Description,
			Mail:        group.Mail,
			Types:       group.TypeStrings(),
		})
	}

	return infos, nil
}

// ResolveMembers returns the direct members of the group identified by its
// objectGUID, classified as user, group, or other. User entries prime the
// identity cache so later UserDetails calls rarely hit the directory.
func (mr *MemberResolver) ResolveMembers(ctx context.Context, groupID string) ([]flatten.MemberRef, error) {
	start := time.Now()

	group, err := mr.groups.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	searchReq := &SearchRequest{
		BaseDN:     mr.baseDN,
		Scope:      ScopeWholeSubtree,
		Filter:     fmt.Sprintf("(memberOf=%s)", ldap.EscapeFilter(group.DistinguishedName)),
		Attributes: memberAttributes,
		TimeLimit:  mr.timeout,
	}

	result, err := mr.client.SearchWithPaging(ctx, searchReq)
	if err != nil {
		return nil, WrapError("search_group_members", err)
	}

	members := make([]flatten.MemberRef, 0, len(result.Entries))
	for _, entry := range result.Entries {
		guid, err := mr.guidHandler.ExtractGUID(entry)
		if err != nil {
			mr.log.Warn("Skipping member without a usable objectGUID", map[string]any{
				"entry_dn": entry.DN,
				"error":    err.Error(),
			})
			continue
		}

		memberType := classifyObjectClass(entry.GetAttributeValues("objectClass"))
		if memberType == flatten.MemberTypeUser {
			rec := flatten.UserRecord{
				ID:                guid,
				DisplayName:       entry.GetAttributeValue("displayName"),
				UserPrincipalName: entry.GetAttributeValue("userPrincipalName"),
				Mail:              entry.GetAttributeValue("mail"),
			}
			// Incomplete listings stay uncached so the targeted lookup can
			// still try to complete the record.
			if rec.IsComplete() {
				mr.cache.Put(rec)
			}
		}

		members = append(members, flatten.MemberRef{ID: guid, Type: memberType})
	}

	mr.log.Debug("Resolved direct members", map[string]any{
		"group_dn":    group.DistinguishedName,
		"members":     len(members),
		"duration_ms": time.Since(start).Milliseconds(),
	})

	return members, nil
}

// UserDetails returns the identity attributes of a user by objectGUID. When
// no matching user exists it returns the zero record with a nil error so
// callers can distinguish absence from lookup failure.
func (mr *MemberResolver) UserDetails(ctx context.Context, userID string) (flatten.UserRecord, error) {
	if rec, ok := mr.cache.Get(userID); ok {
		return rec, nil
	}

	user, err := mr.users.GetUserByGUID(ctx, userID)
	if err != nil {
		if IsNotFoundError(err) {
			return flatten.UserRecord{}, nil
		}
		return flatten.UserRecord{}, err
	}

	rec := flatten.UserRecord{
		ID:                user.ObjectGUID,
		DisplayName:       user.DisplayName,
		UserPrincipalName: user.UserPrincipalName,
		Mail:              user.Mail,
	}
	mr.cache.Put(rec)

	return rec, nil
}

// classifyObjectClass maps an entry's objectClass values to a member type.
// Computer accounts carry the user class as well, so they are checked first.
// Contacts carry person but not user and must not classify as users.
func classifyObjectClass(classes []string) flatten.MemberType {
	var isUser, isGroup bool
	for _, class := range classes {
		switch strings.ToLower(class) {
		case "computer":
			return flatten.MemberTypeOther
		case "group":
			isGroup = true
		case "user":
			isUser = true
		}
	}

	switch {
	case isGroup:
		return flatten.MemberTypeGroup
	case isUser:
		return flatten.MemberTypeUser
	default:
		return flatten.MemberTypeOther
	}
}
