package audit

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"lexdesk.app/internal/auth"
)

// Audit event names.
const (
	EventLoginSucceeded   = "auth.login.succeeded"
	EventLoginFailed      = "auth.login.failed"
	EventPasswordChanged  = "auth.password.changed"
	EventAccountCreated   = "team.account.created"
	EventAccountActivated = "team.account.active_changed"
	EventRoleChanged      = "team.account.role_changed"
	EventPasswordReset    = "team.account.password_reset"
	EventRecordCreated    = "records.created"
)

// Logger writes audit events as structured log records.
type Logger struct {
	log *slog.Logger
}

// New returns an audit logger writing through log. A nil log uses slog.Default.
func New(log *slog.Logger) *Logger {
	if log == nil {
		log = slog.Default()
	}
	return &Logger{log: log}
}

// LogEvent writes an audit record enriched with the account and organization
// of the session in ctx. The request id is added by the logger's handler.
func (l *Logger) LogEvent(ctx context.Context, event string, attrs ...slog.Attr) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	all := make([]slog.Attr, 0, len(attrs)+4)
	all = append(all, slog.String("type", "audit"), slog.String("event", event))
	if claims, ok := auth.ClaimsFromContext(ctx); ok {
		all = append(all,
			slog.String("account_id", claims.AccountID()),
			slog.String("organization_id", claims.OrganizationID),
		)
	}
	if len(attrs) > 0 {
		all = append(all, slog.Attr{Key: "fields", Value: slog.GroupValue(attrs...)})
	}
	l.log.LogAttrs(ctx, slog.LevelInfo, "audit", all...)
	return nil
}
