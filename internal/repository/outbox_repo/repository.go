package outbox_repo

import (
	"context"

	"stkpay/internal/domain"
)

// OutboxRepository takes the querier per call so writes can join the
// caller's transaction.
type OutboxRepository interface {
	CreateMessage(ctx context.Context, q domain.Querier, msg *domain.OutboxMessage) error
	GetPendingMessages(ctx context.Context, q domain.Querier, limit int) ([]domain.OutboxMessage, error)
	MarkMessagesAsSent(ctx context.Context, q domain.Querier, ids []string) error
	RecordFailedAttempt(ctx context.Context, q domain.Querier, id string, maxAttempts int) (domain.OutboxMessageStatus, error)
}
