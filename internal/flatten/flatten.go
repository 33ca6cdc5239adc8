// Package flatten resolves the complete set of end-user members reachable
// from Active Directory groups through arbitrarily nested group membership.
// It is directory-agnostic: callers supply a Directory implementation that
// lists direct members and looks up user details.
package flatten

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// MemberType classifies a directory object encountered during expansion.
type MemberType int

const (
	// MemberTypeUser is an end-user identity.
	MemberTypeUser MemberType = iota
	// MemberTypeGroup is a nested group to be expanded further.
	MemberTypeGroup
	// MemberTypeOther is any object that is neither a user nor a group,
	// such as a computer or service account. These are skipped.
	MemberTypeOther
)

// String returns the string representation of the member type.
func (mt MemberType) String() string {
	switch mt {
	case MemberTypeUser:
		return "user"
	case MemberTypeGroup:
		return "group"
	default:
		return "other"
	}
}

// MemberRef is a reference to a direct member of a group, classified at the
// directory boundary.
type MemberRef struct {
	ID   string     `json:"id"`
	Type MemberType `json:"type"`
}

// UserRecord holds the identity attributes of a resolved user. A record is
// complete when both the display name and the user principal name are known;
// incomplete records are excluded from results. Mail is optional and never
// affects completeness.
type UserRecord struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	UserPrincipalName string `json:"userPrincipalName"`
	Mail              string `json:"mail,omitempty"`
}

// IsComplete reports whether the record carries both identity attributes.
func (r UserRecord) IsComplete() bool {
	return r.DisplayName != "" && r.UserPrincipalName != ""
}

// IsZero reports whether the record is empty, the value a Directory returns
// when no matching user exists.
func (r UserRecord) IsZero() bool {
	return r == UserRecord{}
}

// Directory provides the two lookups expansion needs. Implementations are
// expected to classify members at the boundary so the expander never sees
// raw directory objects.
type Directory interface {
	// ResolveMembers returns the direct members of a group, each classified
	// as user, group, or other.
	ResolveMembers(ctx context.Context, groupID string) ([]MemberRef, error)

	// UserDetails returns the identity attributes of a user. When no user
	// with the given ID exists it returns the zero UserRecord and a nil
	// error; errors are reserved for lookup failures.
	UserDetails(ctx context.Context, userID string) (UserRecord, error)
}

// ErrCycleDetected is returned (wrapped in a CycleError) when group
// membership forms a cycle.
var ErrCycleDetected = errors.New("group membership cycle detected")

// CycleError reports a membership cycle, including the expansion path that
// led back to an already-active group.
type CycleError struct {
	GroupID string   // The group that closed the cycle
	Path    []string // Group IDs from the top-level group to the repeat
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("group membership cycle detected at %s (path: %s)",
		e.GroupID, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}

// Cache deduplicates users and expanded groups during the expansion of a
// single top-level group. Each top-level group gets its own cache so that
// sibling groups sharing nested members still report them independently.
// Cache is not safe for concurrent use.
type Cache struct {
	users    map[string]UserRecord
	expanded map[string]struct{}
	hits     int
	misses   int
}

// NewCache creates an empty deduplication cache.
func NewCache() *Cache {
	return &Cache{
		users:    make(map[string]UserRecord),
		expanded: make(map[string]struct{}),
	}
}

// HasUser reports whether a user has already been collected, updating the
// hit/miss counters.
func (c *Cache) HasUser(id string) bool {
	if _, ok := c.users[id]; ok {
		c.hits++
		return true
	}
	c.misses++
	return false
}

// AddUser records a resolved user. Adding the same ID twice keeps the first
// record.
func (c *Cache) AddUser(rec UserRecord) {
	if _, ok := c.users[rec.ID]; !ok {
		c.users[rec.ID] = rec
	}
}

// MarkExpanded records that a group's subtree has been fully expanded.
func (c *Cache) MarkExpanded(groupID string) {
	c.expanded[groupID] = struct{}{}
}

// IsExpanded reports whether a group's subtree has already been expanded.
func (c *Cache) IsExpanded(groupID string) bool {
	_, ok := c.expanded[groupID]
	return ok
}

// Users returns the collected user records sorted ascending by ID.
func (c *Cache) Users() []UserRecord {
	users := make([]UserRecord, 0, len(c.users))
	for _, rec := range c.users {
		users = append(users, rec)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].ID < users[j].ID
	})
	return users
}

// Stats returns the cache hit and miss counts.
func (c *Cache) Stats() (hits, misses int) {
	return c.hits, c.misses
}

// Expander walks nested group membership depth-first, collecting distinct
// complete users into a Cache.
type Expander struct {
	dir Directory
	log hclog.Logger
}

// NewExpander creates an expander backed by the given directory.
func NewExpander(dir Directory, logger hclog.Logger) *Expander {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Expander{
		dir: dir,
		log: logger.Named("expander"),
	}
}

// Expand resolves all end-user members reachable from groupID into the
// cache. Nested groups are expanded recursively; users already present in
// the cache are not looked up again. A membership cycle aborts the expansion
// with a CycleError.
func (e *Expander) Expand(ctx context.Context, groupID string, cache *Cache) error {
	return e.expand(ctx, groupID, cache, make(map[string]struct{}), []string{groupID})
}

func (e *Expander) expand(ctx context.Context, groupID string, cache *Cache, active map[string]struct{}, path []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, ok := active[groupID]; ok {
		return &CycleError{GroupID: groupID, Path: path}
	}

	// A group fully expanded on another branch contributes nothing new.
	if cache.IsExpanded(groupID) {
		return nil
	}

	active[groupID] = struct{}{}
	defer delete(active, groupID)

	members, err := e.dir.ResolveMembers(ctx, groupID)
	if err != nil {
		return fmt.Errorf("resolving members of %s: %w", groupID, err)
	}

	for _, member := range members {
		switch member.Type {
		case MemberTypeUser:
			if cache.HasUser(member.ID) {
				continue
			}
			rec, err := e.dir.UserDetails(ctx, member.ID)
			if err != nil {
				return fmt.Errorf("resolving user %s: %w", member.ID, err)
			}
			if !rec.IsComplete() {
				e.log.Debug("excluding user with incomplete identity",
					"user_id", member.ID, "group_id", groupID)
				continue
			}
			cache.AddUser(rec)

		case MemberTypeGroup:
			if err := e.expand(ctx, member.ID, cache, active, append(path, member.ID)); err != nil {
				return err
			}

		default:
			e.log.Debug("skipping non-user member",
				"member_id", member.ID, "member_type", member.Type.String(), "group_id", groupID)
		}
	}

	cache.MarkExpanded(groupID)
	return nil
}
