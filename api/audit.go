package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditAuthFailure          AuditEvent = "auth_failure"
	AuditPermissionDenied     AuditEvent = "permission_denied"
	AuditRateLimited          AuditEvent = "rate_limited"
	AuditRootIssued           AuditEvent = "root_issued"
	AuditCertIssued           AuditEvent = "cert_issued"
	AuditCSRSigned            AuditEvent = "csr_signed"
	AuditCertRevoked          AuditEvent = "cert_revoked"
	AuditCRLServed            AuditEvent = "crl_served"
	AuditKeyExportRequested   AuditEvent = "key_export_requested"
	AuditKeyExportDownloaded  AuditEvent = "key_export_downloaded"
	AuditKeyExportUnavailable AuditEvent = "key_export_unavailable"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes one audit entry. Rejections are logged at warn level so they
// survive a server running with log-level=warn.
func (al *auditLogger) log(level slog.Level, event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	if id := middleware.GetReqID(r.Context()); id != "" {
		baseAttrs = append(baseAttrs, slog.String("request_id", id))
	}
	baseAttrs = append(baseAttrs, attrs...)

	al.logger.LogAttrs(r.Context(), level, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
}

// logEvent records an action taken by an authenticated user.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, userID string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("user_id", userID),
	}
	attrs = append(attrs, extra...)
	al.log(slog.LevelInfo, event, r, attrs...)
}

// logFailure records a rejected request.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(slog.LevelWarn, event, r, attrs...)
}
