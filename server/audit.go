package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// TimestampFormat is the ISO-8601 layout stamped into audit lines.
const TimestampFormat = "2006-01-02T15:04:05.000000Z07:00"

// absentClaim stands in for optional claims the provider did not send.
const absentClaim = "<none>"

// AuditLogger writes one human-readable line per authentication event.
type AuditLogger struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewAuditLogger wraps logger. A nil clock means time.Now.
func NewAuditLogger(logger *slog.Logger, now func() time.Time) *AuditLogger {
	if now == nil {
		now = time.Now
	}
	return &AuditLogger{logger: logger, now: now}
}

func (a *AuditLogger) timestamp() string {
	return a.now().Format(TimestampFormat)
}

// HomeAccessed records a visit to the home page.
func (a *AuditLogger) HomeAccessed(ctx context.Context) {
	a.logger.InfoContext(ctx, "Home page accessed")
}

// LoginPageAccessed records the start of a login.
func (a *AuditLogger) LoginPageAccessed(ctx context.Context) {
	a.logger.InfoContext(ctx, "Login page accessed")
}

// LoginSucceeded records a completed code exchange.
func (a *AuditLogger) LoginSucceeded(ctx context.Context, id UserIdentity) {
	a.logger.InfoContext(ctx, fmt.Sprintf("Successful login for user: %s - user_id: %s, timestamp: %s",
		id.EmailOr(absentClaim), id.Subject, a.timestamp()))
}

// LoginFailed records a callback that could not establish an identity.
func (a *AuditLogger) LoginFailed(ctx context.Context, err error) {
	a.logger.WarnContext(ctx, fmt.Sprintf("Failed login attempt: %v", err))
}

// LoggedOut records a logout of an authenticated session.
func (a *AuditLogger) LoggedOut(ctx context.Context, id UserIdentity) {
	a.logger.InfoContext(ctx, fmt.Sprintf("User logout: %s - user_id: %s, timestamp: %s",
		id.EmailOr(absentClaim), id.Subject, a.timestamp()))
}

// UnauthorizedAccess records an anonymous request for a protected path.
func (a *AuditLogger) UnauthorizedAccess(ctx context.Context, path string) {
	a.logger.WarnContext(ctx, fmt.Sprintf("Unauthorized access attempt to %s - timestamp: %s", path, a.timestamp()))
}

// ProtectedAccessed records an authenticated request for a protected path.
func (a *AuditLogger) ProtectedAccessed(ctx context.Context, id UserIdentity) {
	a.logger.InfoContext(ctx, fmt.Sprintf("Protected route accessed by user: %s - user_id: %s, timestamp: %s",
		id.EmailOr(absentClaim), id.Subject, a.timestamp()))
}
