package cli

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/term"

	"github.com/isometry/admembers/internal/config"
	"github.com/isometry/admembers/internal/ldap"
)

// connect establishes an authenticated LDAP client and resolves the search
// base DN from the root DSE when the configuration leaves it empty.
func connect(ctx context.Context, cfg *config.Config, logger hclog.Logger) (ldap.Client, string, error) {
	connCfg, err := cfg.ToConnectionConfig()
	if err != nil {
		return nil, "", err
	}

	// Simple bind with a username but no stored password prompts on the
	// terminal rather than failing.
	if connCfg.Username != "" && connCfg.Password == "" && connCfg.KerberosRealm == "" {
		password, err := promptPassword(connCfg.Username)
		if err != nil {
			return nil, "", err
		}
		connCfg.Password = password
	}

	client, err := ldap.NewClient(connCfg, logger)
	if err != nil {
		return nil, "", fmt.Errorf("creating LDAP client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		client.Close()
		return nil, "", fmt.Errorf("connecting to directory: %w", err)
	}

	baseDN := connCfg.BaseDN
	if baseDN == "" {
		baseDN, err = client.GetBaseDN(ctx)
		if err != nil {
			client.Close()
			return nil, "", fmt.Errorf("discovering base DN: %w", err)
		}
		logger.Debug("discovered base DN from root DSE", "base_dn", baseDN)
	}

	return client, baseDN, nil
}

// promptPassword reads a password from the terminal without echo.
func promptPassword(username string) (string, error) {
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", fmt.Errorf("no password configured for %s and stdin is not a terminal", username)
	}

	fmt.Fprintf(os.Stderr, "Password for %s: ", username)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}

	return string(password), nil
}
