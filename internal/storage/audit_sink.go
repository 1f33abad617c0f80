package storage

import "context"

// AuditWriter позволяет использовать Store как AuditSink транспортов.
type AuditWriter interface {
	Write(ctx context.Context, ev AuditEvent) error
}

type auditWriter struct{ store Store }

// NewAuditWriter оборачивает Store в AuditWriter.
func NewAuditWriter(store Store) AuditWriter {
	return auditWriter{store: store}
}

func (w auditWriter) Write(ctx context.Context, ev AuditEvent) error {
	return w.store.SaveAudit(ctx, ev)
}
