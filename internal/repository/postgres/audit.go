package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mbras/feed-analyzer/internal/domain"
)

// EnsureAuditAnchor returns the id of the synthetic message that all
// http_audit_log outbox rows reference, creating the system user and
// the anchor on first use. Creation is conflict-tolerant so two
// servers booting at once both land on the same anchor.
func (r *Repository) EnsureAuditAnchor(ctx context.Context) (string, error) {
	msg, err := r.GetMessageByCorrelationID(ctx, domain.AuditAnchorCorrelationID)
	if err == nil {
		return msg.ID, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}

	now := time.Now().UTC()
	if err := r.CreateUser(ctx, &domain.User{
		ID:           domain.AuditUserID,
		CreatedAtUTC: now,
	}); err != nil {
		return "", err
	}
	anchor := &domain.Message{
		ID:            uuid.NewString(),
		UserID:        domain.AuditUserID,
		CreatedAtUTC:  now,
		CorrelationID: domain.AuditAnchorCorrelationID,
	}
	if err := r.CreateMessage(ctx, anchor); errors.Is(err, domain.ErrDuplicateCorrelationID) {
		// Another process created it between our lookup and insert.
		msg, err := r.GetMessageByCorrelationID(ctx, domain.AuditAnchorCorrelationID)
		if err != nil {
			return "", err
		}
		return msg.ID, nil
	} else if err != nil {
		return "", err
	}
	return anchor.ID, nil
}
