package ldap

import (
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-hclog"
)

// Logger interface for LDAP operations.
type Logger interface {
	Trace(msg string, fields map[string]any)
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

// HCLogger adapts an hclog.Logger to the Logger interface.
type HCLogger struct {
	logger hclog.Logger
}

// NewHCLogger creates a logger for LDAP operations, named after the subsystem.
func NewHCLogger(logger hclog.Logger, subsystem string) *HCLogger {
	if logger == nil {
		logger = hclog.Default()
	}
	return &HCLogger{logger: logger.Named(subsystem)}
}

// fieldsToArgs flattens a field map into hclog's alternating key/value form.
func fieldsToArgs(fields map[string]any) []any {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

func (l *HCLogger) Trace(msg string, fields map[string]any) {
	l.logger.Trace(msg, fieldsToArgs(fields)...)
}

func (l *HCLogger) Debug(msg string, fields map[string]any) {
	l.logger.Debug(msg, fieldsToArgs(fields)...)
}

func (l *HCLogger) Info(msg string, fields map[string]any) {
	l.logger.Info(msg, fieldsToArgs(fields)...)
}

func (l *HCLogger) Warn(msg string, fields map[string]any) {
	l.logger.Warn(msg, fieldsToArgs(fields)...)
}

func (l *HCLogger) Error(msg string, fields map[string]any) {
	l.logger.Error(msg, fieldsToArgs(fields)...)
}

// LogOperation is a helper function to log an operation with timing.
func LogOperation(logger Logger, operation string, fields map[string]any, fn func() error) error {
	start := time.Now()

	if fields == nil {
		fields = make(map[string]any)
	}
	fields["operation"] = operation

	logger.Debug("Starting operation", fields)

	err := fn()

	fields["duration_ms"] = time.Since(start).Milliseconds()

	if err != nil {
		fields["error"] = err.Error()
		logger.Error("Operation failed", fields)
	} else {
		logger.Debug("Operation completed successfully", fields)
	}

	return err
}

// LogLDAPError logs LDAP-specific error information.
func LogLDAPError(logger Logger, operation string, err error, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["operation"] = operation
	fields["error"] = err.Error()

	// Add LDAP-specific error information if available
	if ldapErr, ok := err.(*ldap.Error); ok {
		fields["ldap_result_code"] = ldapErr.ResultCode
		if ldapErr.MatchedDN != "" {
			fields["ldap_matched_dn"] = ldapErr.MatchedDN
		}
		if ldapErr.Err != nil {
			fields["ldap_diagnostic_message"] = ldapErr.Err.Error()
		}
	}

	logger.Error("LDAP operation failed", fields)
}

// SanitizeFields removes sensitive information from log fields.
func SanitizeFields(fields map[string]any) map[string]any {
	sanitized := make(map[string]any)

	sensitiveKeys := map[string]bool{
		"password":    true,
		"passwd":      true,
		"secret":      true,
		"token":       true,
		"key":         true,
		"private_key": true,
		"credential":  true,
		"credentials": true,
	}

	for k, v := range fields {
		if sensitiveKeys[k] {
			sanitized[k] = "[REDACTED]"
		} else if str, ok := v.(string); ok && containsSensitivePattern(str) {
			sanitized[k] = "[REDACTED]"
		} else {
			sanitized[k] = v
		}
	}

	return sanitized
}

// containsSensitivePattern checks if a string contains patterns that might be sensitive.
func containsSensitivePattern(s string) bool {
	patterns := []string{
		"password=",
		"passwd=",
		"secret=",
		"token=",
		"key=",
	}

	lower := strings.ToLower(s)
	for _, pattern := range patterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}

	return false
}
