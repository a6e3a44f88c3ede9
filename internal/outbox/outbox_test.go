package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"stkpay/internal/domain"
	"stkpay/internal/domain/event"
	"stkpay/internal/repository/outbox_repo/postgres"
)

type produced struct {
	key, topic string
	value      []byte
}

type fakeProducer struct {
	mu       sync.Mutex
	messages []produced
	fail     map[string]error
}

func (f *fakeProducer) Produce(ctx context.Context, key, topic string, value []byte) error {
	if err := f.fail[key]; err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, produced{key: key, topic: topic, value: value})
	return nil
}

func (f *fakeProducer) Close() error { return nil }

var outboxColumns = []string{"id", "aggregate_id", "aggregate_type", "message_type", "topic", "key_value", "payload", "status", "attempts", "created_at", "sent_at"}

func confirmedAttempt() *domain.PaymentAttempt {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	a := domain.NewPaymentAttempt("a1", "merchant-1", "INV-001", 1000, "254712345678", "Payment for invoice INV-001", now)
	a.CheckoutID = "CHK1"
	a.Status = domain.PaymentStatusConfirmed
	a.Result = domain.PaymentResult{Code: "0", ReceiptNumber: "NLJ7RT61SV"}
	a.ResolutionSource = domain.ResolutionCallback
	return a
}

func TestPrepareInvoicePaidPayload(t *testing.T) {
	now := time.Date(2024, 3, 1, 13, 0, 0, 0, time.FixedZone("EAT", 3*60*60))
	payload, err := PrepareInvoicePaidPayload(confirmedAttempt(), now)
	require.NoError(t, err)

	var ev event.InvoicePaidEvent
	require.NoError(t, json.Unmarshal(payload, &ev))
	assert.Equal(t, event.InvoicePaidEventType, ev.EventType)
	assert.Equal(t, "a1", ev.AttemptID)
	assert.Equal(t, "INV-001", ev.InvoiceRef)
	assert.Equal(t, "merchant-1", ev.MerchantID)
	assert.Equal(t, int64(1000), ev.Amount)
	assert.Equal(t, "NLJ7RT61SV", ev.ReceiptNumber)
	assert.NotEmpty(t, ev.EventID)
	assert.True(t, ev.Timestamp.Equal(now))
}

func TestPrepareInvoicePaidPayload_RejectsUnconfirmed(t *testing.T) {
	a := confirmedAttempt()
	a.Status = domain.PaymentStatusExpired

	_, err := PrepareInvoicePaidPayload(a, time.Now())
	assert.Error(t, err)
}

func TestRecorder_WritesPendingMessage(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO outbox_messages`)).
		WithArgs(sqlmock.AnyArg(), "a1", domain.AggregatePaymentAttempt, event.InvoicePaidEventType, "invoice_payment_events", "a1", sqlmock.AnyArg(), "PENDING", 0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	r := NewRecorder(db, postgres.NewOutboxRepository(), "invoice_payment_events", zap.NewNop())
	require.NoError(t, r.NotifyInvoicePaid(context.Background(), confirmedAttempt()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecorder_InsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO outbox_messages`)).WillReturnError(errors.New("db down"))

	r := NewRecorder(db, postgres.NewOutboxRepository(), "t", zap.NewNop())
	assert.Error(t, r.NotifyInvoicePaid(context.Background(), confirmedAttempt()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDirectPublisher_ProducesKeyedByAttempt(t *testing.T) {
	producer := &fakeProducer{}
	p := NewDirectPublisher(producer, "invoice_payment_events")

	require.NoError(t, p.NotifyInvoicePaid(context.Background(), confirmedAttempt()))
	require.Len(t, producer.messages, 1)
	assert.Equal(t, "a1", producer.messages[0].key)
	assert.Equal(t, "invoice_payment_events", producer.messages[0].topic)
}

func TestProcessor_RelaysAndRecordsFailures(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	producer := &fakeProducer{fail: map[string]error{"a2": errors.New("broker unavailable")}}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM outbox_messages`)).
		WithArgs("PENDING", 10).
		WillReturnRows(sqlmock.NewRows(outboxColumns).
			AddRow("m1", "a1", "payment_attempt", "invoice.paid", "events", "a1", []byte(`{}`), "PENDING", 0, now, nil).
			AddRow("m2", "a2", "payment_attempt", "invoice.paid", "events", "a2", []byte(`{}`), "PENDING", 1, now, nil))
	mock.ExpectQuery(regexp.QuoteMeta(`SET attempts = attempts + 1`)).
		WithArgs(5, "FAILED", "m2").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("PENDING"))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE outbox_messages
		SET status = $1, sent_at = $2`)).
		WithArgs("SENT", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	p := NewProcessor(db, postgres.NewOutboxRepository(), producer, time.Second, time.Second, 10, zap.NewNop())
	assert.Equal(t, 1, p.ProcessOnce(context.Background()))

	require.Len(t, producer.messages, 1)
	assert.Equal(t, "a1", producer.messages[0].key)
	assert.Equal(t, "events", producer.messages[0].topic)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessor_NothingPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM outbox_messages`)).
		WillReturnRows(sqlmock.NewRows(outboxColumns))
	mock.ExpectRollback()

	p := NewProcessor(db, postgres.NewOutboxRepository(), &fakeProducer{}, time.Second, time.Second, 10, zap.NewNop())
	assert.Zero(t, p.ProcessOnce(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessor_StopEndsLoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.MatchExpectationsInOrder(false)

	p := NewProcessor(db, postgres.NewOutboxRepository(), &fakeProducer{}, time.Hour, time.Second, 10, zap.NewNop())
	p.Start(context.Background())

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("processor did not stop")
	}
}
