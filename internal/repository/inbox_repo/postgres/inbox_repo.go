package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"stkpay/internal/domain"
	"stkpay/internal/repository/inbox_repo"
)

type InboxRepository struct {
	now func() time.Time
}

func NewInboxRepository() *InboxRepository {
	return &InboxRepository{now: time.Now}
}

// CreateMessage records the delivery. A redelivered offset yields
// ErrMessageAlreadyProcessed or ErrMessageAlreadyPending.
func (r *InboxRepository) CreateMessage(ctx context.Context, q domain.Querier, msg *domain.InboxMessage) error {
	query := `
		INSERT INTO inbox_messages (id, kafka_topic, kafka_partition, kafka_offset, consumer_group, payload, status, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (kafka_topic, kafka_partition, kafka_offset, consumer_group) DO NOTHING
		RETURNING id
	`
	var insertedID string
	err := q.QueryRowContext(ctx, query,
		msg.ID,
		msg.KafkaTopic,
		msg.KafkaPartition,
		msg.KafkaOffset,
		msg.ConsumerGroup,
		msg.Payload,
		string(msg.Status),
		msg.ReceivedAt,
	).Scan(&insertedID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to insert inbox message: %w", err)
	}

	existing, getErr := r.GetMessageByKafkaMetadata(ctx, q, msg.KafkaTopic, msg.KafkaPartition, msg.KafkaOffset, msg.ConsumerGroup)
	if getErr != nil {
		return fmt.Errorf("failed to retrieve existing inbox message after conflict: %w", getErr)
	}
	if existing.Status == domain.InboxStatusProcessed {
		return inbox_repo.ErrMessageAlreadyProcessed
	}
	return inbox_repo.ErrMessageAlreadyPending
}

func (r *InboxRepository) UpdateStatus(ctx context.Context, q domain.Querier, id string, status domain.InboxMessageStatus) error {
	query := `
		UPDATE inbox_messages
		SET status = $1, processed_at = $2
		WHERE id = $3
	`
	var processedAt sql.NullTime
	if status == domain.InboxStatusProcessed {
		processedAt = sql.NullTime{Time: r.now(), Valid: true}
	}
	res, err := q.ExecContext(ctx, query, string(status), processedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update inbox message status %s: %w", id, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for inbox message update: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("inbox message with id %s not found for status update", id)
	}
	return nil
}

func (r *InboxRepository) GetMessageByKafkaMetadata(ctx context.Context, q domain.Querier, topic string, partition int, offset int64, consumerGroup string) (*domain.InboxMessage, error) {
	query := `
		SELECT id, kafka_topic, kafka_partition, kafka_offset, consumer_group, payload, status, received_at, processed_at
		FROM inbox_messages
		WHERE kafka_topic = $1 AND kafka_partition = $2 AND kafka_offset = $3 AND consumer_group = $4
	`
	msg := &domain.InboxMessage{}
	var status string
	var processedAt sql.NullTime
	err := q.QueryRowContext(ctx, query, topic, partition, offset, consumerGroup).Scan(
		&msg.ID,
		&msg.KafkaTopic,
		&msg.KafkaPartition,
		&msg.KafkaOffset,
		&msg.ConsumerGroup,
		&msg.Payload,
		&status,
		&msg.ReceivedAt,
		&processedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get inbox message by kafka metadata: %w", err)
	}
	msg.Status = domain.InboxMessageStatus(status)
	if processedAt.Valid {
		msg.ProcessedAt = &processedAt.Time
	}
	return msg, nil
}
