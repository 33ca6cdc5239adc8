/*
Package ldap provides read-only Active Directory LDAP operations for
membership reporting.

This package implements an LDAP client layer specifically designed for
querying Active Directory, with focus on:

# Architecture Overview

The package is organized into several core components:

  - Client: Connection management with pooling and health checks
  - Managers: Domain-specific queries (GroupManager, UserReader, MemberResolver)
  - Handlers: Utility operations (GUID, SID conversion)
  - EntryCache: Identity caching across membership expansions

# Connection Management

The Client interface provides connection pooling with automatic failover:

  - SRV-based domain controller discovery
  - Connection pooling with health checks
  - Automatic retry with exponential backoff
  - Support for password and Kerberos authentication

# Directory Queries

Each query concern has a dedicated type:

  - GroupManager: Group retrieval and prefix search
  - UserReader: User identity lookups
  - MemberResolver: Direct member listing with boundary classification

MemberResolver satisfies the flatten package's Directory and GroupSource
interfaces, keeping membership expansion independent of the wire protocol.

# Error Handling

The package provides structured error handling through LDAPError:

  - Categorized errors (connection, authentication, validation, etc.)
  - Retryable error classification
  - Detailed context preservation
  - Server message integration

# Thread Safety

All managers and handlers are thread-safe and can be used concurrently.
Connection pooling handles concurrent access automatically.

# Example Usage

	// Create client with connection pooling
	config := &ldap.ConnectionConfig{
		Domain:   "example.com",
		Username: "reporting",
		Password: "password",
	}
	client, err := ldap.NewClient(config, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	// Resolve group membership
	resolver := ldap.NewMemberResolver(client, "DC=example,DC=com", logger)
	members, err := resolver.ResolveMembers(ctx, groupGUID)
	if err != nil {
		return err
	}
*/
package ldap
