package invoices

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"stkpay/internal/domain/event"
	inboxPostgres "stkpay/internal/repository/inbox_repo/postgres"
	invoicesPostgres "stkpay/internal/repository/invoices_repo/postgres"
)

var inboxColumns = []string{"id", "kafka_topic", "kafka_partition", "kafka_offset", "consumer_group", "payload", "status", "received_at", "processed_at"}

func newService(t *testing.T) (InvoiceService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewInvoiceService(db, inboxPostgres.NewInboxRepository(), invoicesPostgres.NewInvoiceRepository(), zap.NewNop()), mock
}

func paidEvent() event.InvoicePaidEvent {
	return event.InvoicePaidEvent{
		EventID:       "e1",
		EventType:     event.InvoicePaidEventType,
		AttemptID:     "a1",
		InvoiceRef:    "INV-001",
		MerchantID:    "merchant-1",
		Amount:        1000,
		CheckoutID:    "CHK1",
		ReceiptNumber: "NLJ7RT61SV",
		Timestamp:     time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func delivery() Delivery {
	return Delivery{Topic: "invoice_payment_events", Partition: 0, Offset: 42, ConsumerGroup: "g", Payload: []byte(`{}`)}
}

func TestHandleInvoicePaid_MarksInvoicePaid(t *testing.T) {
	svc, mock := newService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO inbox_messages`)).
		WithArgs(sqlmock.AnyArg(), "invoice_payment_events", 0, int64(42), "g", []byte(`{}`), "NEW", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("i1"))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO invoice_payments`)).
		WithArgs("merchant-1", "INV-001", "paid", "a1", int64(1000), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE inbox_messages`)).
		WithArgs("PROCESSED", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, svc.HandleInvoicePaid(context.Background(), delivery(), paidEvent()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleInvoicePaid_RedeliveryIsSkipped(t *testing.T) {
	svc, mock := newService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO inbox_messages`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM inbox_messages`)).
		WithArgs("invoice_payment_events", 0, int64(42), "g").
		WillReturnRows(sqlmock.NewRows(inboxColumns).
			AddRow("i0", "invoice_payment_events", 0, int64(42), "g", []byte(`{}`), "PROCESSED", time.Now(), time.Now()))
	mock.ExpectRollback()

	require.NoError(t, svc.HandleInvoicePaid(context.Background(), delivery(), paidEvent()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleInvoicePaid_AlreadyPaidInvoiceStillCommits(t *testing.T) {
	svc, mock := newService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO inbox_messages`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("i1"))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO invoice_payments`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE inbox_messages`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, svc.HandleInvoicePaid(context.Background(), delivery(), paidEvent()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleInvoicePaid_ProjectionFailureRollsBack(t *testing.T) {
	svc, mock := newService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO inbox_messages`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("i1"))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO invoice_payments`)).
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	err := svc.HandleInvoicePaid(context.Background(), delivery(), paidEvent())
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
