package ldap

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-hclog"
)

// Paged search guard rails.
const (
	searchPageSize    = 1000
	maxSearchDuration = 30 * time.Minute
	maxPagesPerSearch = 1000
)

// client implements the Client interface.
type client struct {
	pool   ConnectionPool
	config *ConnectionConfig
	log    Logger
}

// NewClient creates a new LDAP client with connection pooling.
func NewClient(config *ConnectionConfig, logger hclog.Logger) (Client, error) {
	if config == nil {
		config = DefaultConfig()
	}

	log := NewHCLogger(logger, "ldap")

	log.Debug("Creating new LDAP client", map[string]any{
		"domain":          config.Domain,
		"ldap_urls_count": len(config.LDAPURLs),
		"auth_method":     config.GetAuthMethod().String(),
		"use_tls":         config.UseTLS,
		"max_connections": config.MaxConnections,
	})

	start := time.Now()
	pool, err := NewConnectionPool(config, log)
	if err != nil {
		log.Error("Failed to create connection pool", map[string]any{
			"error":       err.Error(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	log.Info("LDAP client created", map[string]any{
		"duration_ms": time.Since(start).Milliseconds(),
		"pool_size":   config.MaxConnections,
		"auth_method": config.GetAuthMethod().String(),
	})

	return &client{
		pool:   pool,
		config: config,
		log:    log,
	}, nil
}

// Connect initializes the client (tests initial connection).
func (c *client) Connect(ctx context.Context) error {
	return LogOperation(c.log, "connection_test", map[string]any{
		"domain": c.config.Domain,
	}, func() error {
		conn, err := c.pool.Get(ctx)
		if err != nil {
			return fmt.Errorf("connection test failed: %w", err)
		}
		defer conn.Close()

		return c.ping(conn)
	})
}

// Close closes the client and all its connections.
func (c *client) Close() error {
	return c.pool.Close()
}

// Bind authenticates with the LDAP server.
func (c *client) Bind(ctx context.Context, username, password string) error {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	return c.withRetry(ctx, func() error {
		return conn.Conn().Bind(username, password)
	})
}

// BindWithConfig performs authentication using the client's configuration.
func (c *client) BindWithConfig(ctx context.Context) error {
	if !c.config.HasAuthentication() {
		return fmt.Errorf("no authentication configuration available")
	}

	authMethod := c.config.GetAuthMethod()
	return LogOperation(c.log, "authentication", map[string]any{
		"auth_method": authMethod.String(),
		"username":    c.config.Username,
	}, func() error {
		conn, err := c.pool.Get(ctx)
		if err != nil {
			return fmt.Errorf("failed to get connection: %w", err)
		}
		defer conn.Close()

		return c.withRetry(ctx, func() error {
			return c.authenticate(ctx, conn.Conn())
		})
	})
}

// authenticate performs authentication based on the configured method.
func (c *client) authenticate(ctx context.Context, conn *ldap.Conn) error {
	authMethod := c.config.GetAuthMethod()

	start := time.Now()
	var err error

	switch authMethod {
	case AuthMethodSimpleBind:
		err = c.authenticateSimple(conn)
	case AuthMethodKerberos:
		err = c.authenticateKerberos(conn)
	case AuthMethodExternal:
		err = c.authenticateExternal(ctx, conn)
	default:
		err = fmt.Errorf("unsupported authentication method: %s", authMethod.String())
	}

	if err != nil {
		c.log.Error("Authentication failed", map[string]any{
			"auth_method": authMethod.String(),
			"error":       err.Error(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return err
	}

	c.log.Info("Authentication successful", map[string]any{
		"auth_method": authMethod.String(),
		"duration_ms": time.Since(start).Milliseconds(),
	})

	return nil
}

// authenticateSimple performs simple bind authentication.
func (c *client) authenticateSimple(conn *ldap.Conn) error {
	if c.config.Username == "" {
		return fmt.Errorf("username is required for simple bind authentication")
	}

	// Empty password is an anonymous bind attempt
	err := conn.Bind(c.config.Username, c.config.Password)
	if err != nil {
		LogLDAPError(c.log, "simple_bind", err, map[string]any{
			"username": c.config.Username,
		})
		return err
	}

	return nil
}

// authenticateKerberos performs GSSAPI/Kerberos authentication.
func (c *client) authenticateKerberos(conn *ldap.Conn) error {
	var serverInfo *ServerInfo

	if len(c.config.LDAPURLs) > 0 {
		parsedServer, err := ParseLDAPURL(c.config.LDAPURLs[0])
		if err != nil {
			return fmt.Errorf("failed to parse LDAP URL for Kerberos: %w", err)
		}
		serverInfo = parsedServer
	} else if c.config.Domain != "" {
		serverInfo = &ServerInfo{
			Host:   c.config.Domain,
			Port:   636,
			UseTLS: true,
		}
	} else {
		return fmt.Errorf("insufficient connection information for Kerberos authentication")
	}

	return performKerberosAuth(conn, c.config, serverInfo)
}

// authenticateExternal performs external/certificate authentication.
// The authentication happens at the TLS layer, so an empty bind completes it.
func (c *client) authenticateExternal(ctx context.Context, conn *ldap.Conn) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return conn.Bind("", "")
}

// Search performs an LDAP search.
func (c *client) Search(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	if req == nil {
		return nil, fmt.Errorf("search request cannot be nil")
	}

	searchFields := map[string]any{
		"base_dn":    req.BaseDN,
		"scope":      req.Scope.String(),
		"filter":     req.Filter,
		"size_limit": req.SizeLimit,
	}

	conn, err := c.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	ldapReq := ldap.NewSearchRequest(
		req.BaseDN,
		int(req.Scope),
		int(req.DerefAliases),
		req.SizeLimit,
		int(req.TimeLimit.Seconds()),
		false, // TypesOnly
		req.Filter,
		req.Attributes,
		nil, // Controls
	)

	start := time.Now()
	var result *ldap.SearchResult
	err = c.withRetry(ctx, func() error {
		var searchErr error
		result, searchErr = conn.Conn().Search(ldapReq)
		return searchErr
	})

	searchFields["duration_ms"] = time.Since(start).Milliseconds()

	if err != nil {
		LogLDAPError(c.log, "search", err, searchFields)
		return nil, fmt.Errorf("search failed: %w", err)
	}

	// If we got exactly the size limit, there might be more results
	hasMore := req.SizeLimit > 0 && len(result.Entries) >= req.SizeLimit

	searchFields["entries_found"] = len(result.Entries)
	c.log.Debug("Search completed", searchFields)

	return &SearchResult{
		Entries: result.Entries,
		Total:   len(result.Entries),
		HasMore: hasMore,
	}, nil
}

// SearchWithPaging performs an LDAP search with automatic pagination.
func (c *client) SearchWithPaging(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	if req == nil {
		return nil, fmt.Errorf("search request cannot be nil")
	}

	start := time.Now()
	fields := map[string]any{
		"base_dn": req.BaseDN,
		"filter":  req.Filter,
		"scope":   req.Scope.String(),
	}

	c.log.Debug("Starting paged search", fields)

	conn, err := c.pool.Get(ctx)
	if err != nil {
		LogLDAPError(c.log, "get_connection", err, fields)
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	var allEntries []*ldap.Entry
	pagingControl := ldap.NewControlPaging(searchPageSize)
	pageNum := 0

	for {
		elapsed := time.Since(start)

		if elapsed > maxSearchDuration {
			c.log.Error("Paged search exceeded maximum duration, terminating", map[string]any{
				"base_dn":         req.BaseDN,
				"filter":          req.Filter,
				"elapsed_minutes": int(elapsed.Minutes()),
				"pages_completed": pageNum,
				"entries_found":   len(allEntries),
			})
			return &SearchResult{Entries: allEntries, Total: len(allEntries), HasMore: true}, nil
		}

		if pageNum > maxPagesPerSearch {
			c.log.Error("Paged search exceeded maximum page limit, terminating", map[string]any{
				"base_dn":         req.BaseDN,
				"filter":          req.Filter,
				"pages_completed": pageNum,
				"entries_found":   len(allEntries),
			})
			return &SearchResult{Entries: allEntries, Total: len(allEntries), HasMore: true}, nil
		}

		select {
		case <-ctx.Done():
			c.log.Warn("Paged search cancelled by context", map[string]any{
				"pages_completed": pageNum,
				"entries_found":   len(allEntries),
				"context_error":   ctx.Err().Error(),
			})
			return &SearchResult{Entries: allEntries, Total: len(allEntries), HasMore: true}, ctx.Err()
		default:
		}

		pageNum++

		ldapReq := ldap.NewSearchRequest(
			req.BaseDN,
			int(req.Scope),
			int(req.DerefAliases),
			0, // No size limit when paging
			int(req.TimeLimit.Seconds()),
			false,
			req.Filter,
			req.Attributes,
			[]ldap.Control{pagingControl},
		)

		var result *ldap.SearchResult
		err = c.withRetry(ctx, func() error {
			var searchErr error
			result, searchErr = conn.Conn().Search(ldapReq)
			return searchErr
		})

		if err != nil {
			LogLDAPError(c.log, "paged_search", err, map[string]any{
				"base_dn":     req.BaseDN,
				"filter":      req.Filter,
				"page_number": pageNum,
			})
			return nil, fmt.Errorf("paged search failed: %w", err)
		}

		allEntries = append(allEntries, result.Entries...)

		c.log.Trace("Completed search page", map[string]any{
			"page_number":     pageNum,
			"entries_in_page": len(result.Entries),
			"total_entries":   len(allEntries),
		})

		pagingResult := ldap.FindControl(result.Controls, ldap.ControlTypePaging)
		responseControl, ok := pagingResult.(*ldap.ControlPaging)
		if !ok || len(responseControl.Cookie) == 0 {
			break // No more pages
		}
		pagingControl.SetCookie(responseControl.Cookie)
	}

	fields["total_entries"] = len(allEntries)
	fields["pages_processed"] = pageNum
	fields["duration_ms"] = time.Since(start).Milliseconds()
	c.log.Debug("Paged search completed", fields)

	return &SearchResult{
		Entries: allEntries,
		Total:   len(allEntries),
		HasMore: false,
	}, nil
}

// Ping tests connectivity to the LDAP server.
func (c *client) Ping(ctx context.Context) error {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	return c.ping(conn)
}

// ping performs a root DSE search to test connectivity.
func (c *client) ping(conn *PooledConnection) error {
	searchReq := ldap.NewSearchRequest(
		"", // Empty base DN for root DSE
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1, 5, false,
		"(objectClass=*)",
		[]string{"defaultNamingContext"},
		nil,
	)

	_, err := conn.Conn().Search(searchReq)
	return err
}

// Stats returns pool statistics.
func (c *client) Stats() PoolStats {
	return c.pool.Stats()
}

// withRetry executes an operation with retry logic.
func (c *client) withRetry(ctx context.Context, operation func() error) error {
	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.log.Debug("Retrying operation", map[string]any{
				"attempt":    attempt,
				"max_retry":  c.config.MaxRetries,
				"backoff_ms": backoff.Milliseconds(),
				"last_error": lastErr.Error(),
			})
		}

		err := operation()
		if err == nil {
			if attempt > 0 {
				c.log.Info("Operation succeeded after retries", map[string]any{
					"total_attempts": attempt + 1,
				})
			}
			return nil
		}

		lastErr = err

		if !c.isRetryableError(err) {
			return err
		}

		// Don't wait after the last attempt
		if attempt == c.config.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			c.log.Warn("Operation cancelled during retry", map[string]any{
				"context_error": ctx.Err().Error(),
				"attempt":       attempt + 1,
			})
			return ctx.Err()
		case <-time.After(backoff):
			backoff = min(time.Duration(float64(backoff)*c.config.BackoffFactor), c.config.MaxBackoff)
		}
	}

	c.log.Error("Operation failed after all retries exhausted", map[string]any{
		"total_attempts": c.config.MaxRetries + 1,
		"final_error":    lastErr.Error(),
	})

	return NewConnectionError("operation failed after retries", false, lastErr)
}

// isRetryableError determines if an error should be retried.
func (c *client) isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if retryable, ok := err.(RetryableError); ok {
		return retryable.IsRetryable()
	}

	if ldap.IsErrorWithCode(err, ldap.LDAPResultBusy) ||
		ldap.IsErrorWithCode(err, ldap.LDAPResultUnavailable) ||
		ldap.IsErrorWithCode(err, ldap.LDAPResultUnwillingToPerform) ||
		ldap.IsErrorWithCode(err, ldap.LDAPResultServerDown) ||
		ldap.IsErrorWithCode(err, ldap.LDAPResultOperationsError) {
		return true
	}

	// Network-related errors and incomplete-bind errors
	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "bind must be completed") {
		return true
	}

	return false
}

// WhoAmI performs the LDAP Who Am I? extended operation.
func (c *client) WhoAmI(ctx context.Context) (*WhoAmIResult, error) {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	var result *ldap.WhoAmIResult
	err = c.withRetry(ctx, func() error {
		var whoamiErr error
		result, whoamiErr = conn.Conn().WhoAmI(nil)
		return whoamiErr
	})

	if err != nil {
		return nil, fmt.Errorf("WhoAmI operation failed: %w", err)
	}

	if result == nil {
		return nil, fmt.Errorf("WhoAmI operation returned nil result")
	}

	whoAmIResult := &WhoAmIResult{
		AuthzID: result.AuthzID,
	}

	parseAuthzID(whoAmIResult)

	return whoAmIResult, nil
}

// parseAuthzID parses the authorization ID and extracts structured information.
func parseAuthzID(result *WhoAmIResult) {
	authzID := result.AuthzID

	if authzID == "" {
		result.Format = "empty"
		return
	}

	// Strip the "u:" prefix common in Active Directory responses
	cleanAuthzID := strings.TrimPrefix(authzID, "u:")

	if isDNFormat(cleanAuthzID) {
		result.Format = "dn"
		result.DN = cleanAuthzID
		return
	}

	if strings.Contains(cleanAuthzID, "@") && !strings.Contains(cleanAuthzID, "\\") {
		result.Format = "upn"
		result.UserPrincipalName = cleanAuthzID
		return
	}

	if strings.Contains(cleanAuthzID, "\\") && !strings.HasPrefix(cleanAuthzID, "S-") {
		result.Format = "sam"
		result.SAMAccountName = cleanAuthzID
		return
	}

	if isSIDFormat(cleanAuthzID) {
		result.Format = "sid"
		result.SID = cleanAuthzID
		return
	}

	result.Format = "unknown"
}

var (
	dnComponentPattern = regexp.MustCompile(`^[A-Za-z]+=.*`)
	sidPattern         = regexp.MustCompile(`^S-\d+-\d+-\d+(-\d+)*$`)
)

// isDNFormat checks if the string looks like a Distinguished Name.
func isDNFormat(s string) bool {
	return dnComponentPattern.MatchString(s) &&
		(strings.Contains(s, "CN=") || strings.Contains(s, "OU=") || strings.Contains(s, "DC="))
}

// isSIDFormat checks if the string looks like a Security Identifier.
func isSIDFormat(s string) bool {
	return sidPattern.MatchString(s)
}

// GetBaseDN retrieves the base DN from the root DSE.
func (c *client) GetBaseDN(ctx context.Context) (string, error) {
	searchReq := &SearchRequest{
		BaseDN:     "",
		Scope:      ScopeBaseObject,
		Filter:     "(objectClass=*)",
		Attributes: []string{"defaultNamingContext"},
		SizeLimit:  1,
		TimeLimit:  5 * time.Second,
	}

	result, err := c.Search(ctx, searchReq)
	if err != nil {
		return "", fmt.Errorf("failed to get base DN: %w", err)
	}

	if len(result.Entries) == 0 {
		return "", fmt.Errorf("no root DSE found")
	}

	baseDN := result.Entries[0].GetAttributeValue("defaultNamingContext")
	if baseDN == "" {
		return "", fmt.Errorf("no defaultNamingContext found in root DSE")
	}

	return baseDN, nil
}
