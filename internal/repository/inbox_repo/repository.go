package inbox_repo

import (
	"context"
	"errors"

	"stkpay/internal/domain"
)

type InboxRepository interface {
	CreateMessage(ctx context.Context, q domain.Querier, msg *domain.InboxMessage) error
	UpdateStatus(ctx context.Context, q domain.Querier, id string, status domain.InboxMessageStatus) error
	GetMessageByKafkaMetadata(ctx context.Context, q domain.Querier, topic string, partition int, offset int64, consumerGroup string) (*domain.InboxMessage, error)
}

var (
	ErrMessageAlreadyProcessed = errors.New("inbox message already processed")
	ErrMessageAlreadyPending   = errors.New("inbox message already pending")
)
