package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivehub/notify/internal/apperrors"
	"github.com/hivehub/notify/internal/cache"
	"github.com/hivehub/notify/internal/config"
	"github.com/hivehub/notify/internal/store"
	"github.com/hivehub/notify/internal/template"
)

type missingSource struct{}

func (missingSource) GetTemplate(context.Context, string, store.Channel, string, string) (*store.Template, error) {
	return nil, store.ErrTemplateNotFound
}

func newWorkerStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return store.New(db), mock
}

func newWorkerEngine(t *testing.T) *template.Engine {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return template.NewEngine(missingSource{}, cache.NewServiceFromClient(client), template.DefaultConfig())
}

func expectTransition(mock sqlmock.Sqlmock, id uuid.UUID, from, to store.State) {
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE notifications`).
		WithArgs(id, from, to, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO audit_log`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func queuedNotification(id uuid.UUID) *store.Notification {
	return &store.Notification{
		ID:         id,
		UserID:     "user-1",
		Type:       store.TypeSystemAlert,
		Priority:   store.PriorityNormal,
		Title:      "hello",
		Content:    "body",
		Channels:   store.ChannelList{store.ChannelInApp},
		State:      store.StateQueued,
		MaxRetries: 3,
	}
}

func TestDeliverClaimsBeforeSending(t *testing.T) {
	st, mock := newWorkerStore(t)
	id := uuid.New()

	// Ordered expectations: the claim transitions run before any send,
	// and a successful send settles SENT.
	expectTransition(mock, id, store.StateQueued, store.StateRendered)
	expectTransition(mock, id, store.StateRendered, store.StateSending)
	expectTransition(mock, id, store.StateSending, store.StateSent)

	transport := &stubTransport{channel: store.ChannelInApp}
	w := NewWorker(st, nil, []Transport{transport}, nil, config.RetryConfig{MaxRetries: 3}, 1)

	w.Deliver(context.Background(), queuedNotification(id), store.ChannelList{store.ChannelInApp}, 0, "notification.created")

	assert.Equal(t, 1, transport.sends)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliverLostClaimSkipsSend(t *testing.T) {
	st, mock := newWorkerStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE notifications`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	transport := &stubTransport{channel: store.ChannelInApp}
	w := NewWorker(st, nil, []Transport{transport}, nil, config.RetryConfig{MaxRetries: 3}, 1)

	w.Deliver(context.Background(), queuedNotification(id), store.ChannelList{store.ChannelInApp}, 0, "notification.created")

	assert.Zero(t, transport.sends)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliverRenderFailureSettlesFailedThenDead(t *testing.T) {
	st, mock := newWorkerStore(t)
	id := uuid.New()

	expectTransition(mock, id, store.StateQueued, store.StateRendered)
	expectTransition(mock, id, store.StateRendered, store.StateFailed)
	expectTransition(mock, id, store.StateFailed, store.StateDead)
	mock.ExpectExec(`INSERT INTO dead_letters`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	transport := &stubTransport{channel: store.ChannelInApp}
	w := NewWorker(st, newWorkerEngine(t), []Transport{transport}, nil, config.RetryConfig{MaxRetries: 3}, 1)

	n := queuedNotification(id)
	templateID := "missing-template"
	n.TemplateID = &templateID

	w.Deliver(context.Background(), n, store.ChannelList{store.ChannelInApp}, 0, "notification.created")

	// A fatal template failure never reaches the transport or the retry set.
	assert.Zero(t, transport.sends)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliverTransientFailureSchedulesRetry(t *testing.T) {
	st, mock := newWorkerStore(t)
	sched, _, _ := newTestScheduler(t)
	id := uuid.New()

	expectTransition(mock, id, store.StateQueued, store.StateRendered)
	expectTransition(mock, id, store.StateRendered, store.StateSending)
	expectTransition(mock, id, store.StateSending, store.StateQueued)

	transport := &stubTransport{
		channel: store.ChannelInApp,
		err:     apperrors.NewTransportTransientError("IN_APP", "provider down"),
	}
	w := NewWorker(st, nil, []Transport{transport}, sched, config.RetryConfig{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute}, 1)

	w.Deliver(context.Background(), queuedNotification(id), store.ChannelList{store.ChannelInApp}, 0, "notification.created")

	assert.NoError(t, mock.ExpectationsWereMet())

	depth, err := sched.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}
