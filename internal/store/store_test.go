package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalze/mention-worker/internal/models"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	st, err := NewWithConn(context.Background(), sqlx.NewDb(mockDB, "pgx"))
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st, mock
}

func TestTryAcquireSingletonLock(t *testing.T) {
	for _, locked := range []bool{true, false} {
		st, mock := newMockStore(t)
		mock.ExpectQuery("pg_try_advisory_lock").
			WithArgs(int64(84521791)).
			WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(locked))

		got, err := st.TryAcquireSingletonLock(context.Background(), 84521791)
		require.NoError(t, err)
		assert.Equal(t, locked, got)
		assert.NoError(t, mock.ExpectationsWereMet())
	}
}

func TestCreateRun(t *testing.T) {
	st, mock := newMockStore(t)
	runID := uuid.New()
	mock.ExpectQuery("insert into public.worker_runs").
		WithArgs(models.RunStatusRunning).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(runID.String()))

	got, err := st.CreateRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, runID, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishRunStoresStatsJSON(t *testing.T) {
	st, mock := newMockStore(t)
	runID := uuid.New()
	mock.ExpectExec("update public.worker_runs").
		WithArgs(models.RunStatusSuccess, `{"tasks_polled":3}`, nil, runID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := st.FinishRun(context.Background(), runID, models.RunStatusSuccess,
		map[string]any{"tasks_polled": 3}, "")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchDueSourceTasksEmptyEnabledReturnsNothing(t *testing.T) {
	st, mock := newMockStore(t)

	tasks, err := st.FetchDueSourceTasks(context.Background(), nil, 300)
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.NoError(t, mock.ExpectationsWereMet(), "no query issued")
}

func TestFetchDueSourceTasks(t *testing.T) {
	st, mock := newMockStore(t)
	keywordID, userID := uuid.New(), uuid.New()
	lastChecked := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"keyword_id", "user_id", "brand_id", "query", "source", "last_checked_at",
	}).
		AddRow(keywordID.String(), userID.String(), nil, "signalze", "hackernews", lastChecked).
		AddRow(keywordID.String(), userID.String(), uuid.New().String(), "signalze", "devto", nil)

	mock.ExpectQuery("from public.keyword_sources").
		WithArgs("devto", "hackernews", 300).
		WillReturnRows(rows)

	tasks, err := st.FetchDueSourceTasks(context.Background(), []string{"devto", "hackernews"}, 300)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	assert.Equal(t, keywordID, tasks[0].KeywordID)
	assert.Nil(t, tasks[0].BrandID)
	require.NotNil(t, tasks[0].LastCheckedAt)
	assert.True(t, tasks[0].LastCheckedAt.Equal(lastChecked))

	assert.NotNil(t, tasks[1].BrandID)
	assert.Nil(t, tasks[1].LastCheckedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSourceTaskSuccessClampsInterval(t *testing.T) {
	st, mock := newMockStore(t)
	keywordID := uuid.New()
	checkedAt := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec("insert into public.keyword_source_state").
		WithArgs(keywordID, "hackernews", checkedAt, checkedAt.Add(time.Minute)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := st.MarkSourceTaskSuccess(context.Background(), keywordID, "hackernews", checkedAt, 0)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSourceTaskErrorTruncatesTo800(t *testing.T) {
	st, mock := newMockStore(t)
	keywordID := uuid.New()
	long := strings.Repeat("e", 1000)

	mock.ExpectExec("insert into public.keyword_source_state").
		WithArgs(keywordID, "reddit", sqlmock.AnyArg(), strings.Repeat("e", 800)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := st.MarkSourceTaskError(context.Background(), keywordID, "reddit", long, 15)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertMentionReturnsSurrogateID(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery("insert into public.mentions").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	id, err := st.UpsertMention(context.Background(), models.MentionCandidate{
		Platform:    "hackernews",
		ExternalID:  "41000001",
		URL:         "https://news.ycombinator.com/item?id=41000001",
		Title:       "Signalze mention",
		PublishedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertMatchReportsCreatedAndDeduped(t *testing.T) {
	userID, keywordID := uuid.New(), uuid.New()

	st, mock := newMockStore(t)
	mock.ExpectQuery("insert into public.mention_matches").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	created, err := st.InsertMatch(context.Background(), userID, keywordID, nil, 42, "signalze")
	require.NoError(t, err)
	assert.True(t, created)

	// Conflict: on conflict do nothing returns no row.
	mock.ExpectQuery("insert into public.mention_matches").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	created, err = st.InsertMatch(context.Background(), userID, keywordID, nil, 42, "signalze")
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueAlertInsertsExplicitChannel(t *testing.T) {
	st, mock := newMockStore(t)
	userID, keywordID := uuid.New(), uuid.New()

	mock.ExpectQuery("insert into public.alert_deliveries").
		WithArgs(userID, keywordID, int64(42), models.AlertChannelSlack, models.AlertStatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	enqueued, err := st.EnqueueAlert(context.Background(), userID, keywordID, 42)
	require.NoError(t, err)
	assert.True(t, enqueued)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkAlertRetryStatusTransition(t *testing.T) {
	nextAttempt := time.Date(2025, 6, 2, 10, 5, 0, 0, time.UTC)

	tests := []struct {
		name       string
		retryCount int
		maxRetries int
		wantStatus string
	}{
		{name: "below cap stays failed", retryCount: 1, maxRetries: 3, wantStatus: models.AlertStatusFailed},
		{name: "at cap goes dead_letter", retryCount: 3, maxRetries: 3, wantStatus: models.AlertStatusDeadLetter},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			st, mock := newMockStore(t)
			mock.ExpectExec("update public.alert_deliveries").
				WithArgs(tc.wantStatus, tc.retryCount, nextAttempt, "boom", int64(7)).
				WillReturnResult(sqlmock.NewResult(0, 1))

			err := st.MarkAlertRetry(context.Background(), 7, tc.retryCount, tc.maxRetries, nextAttempt, "boom")
			require.NoError(t, err)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestMarkAlertSent(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec("update public.alert_deliveries").
		WithArgs(models.AlertStatusSent, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, st.MarkAlertSent(context.Background(), 7))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchPendingAlertsHydratesMention(t *testing.T) {
	st, mock := newMockStore(t)
	userID, keywordID := uuid.New(), uuid.New()
	published := time.Date(2025, 6, 2, 9, 15, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"alert_id", "retry_count", "user_id", "keyword_id", "webhook_url",
		"query", "brand_name", "platform", "external_id", "url", "title",
		"body_excerpt", "author", "community", "published_at", "raw_payload",
	}).AddRow(
		int64(7), 1, userID.String(), keywordID.String(), "https://hooks.slack.com/services/T/B/x",
		"signalze", "Signalze", "hackernews", "41000001",
		"https://news.ycombinator.com/item?id=41000001", "Signalze mention",
		"excerpt", "alice", "Hacker News", published, []byte(`{"k":"v"}`),
	)

	mock.ExpectQuery("from public.alert_deliveries").
		WithArgs(models.AlertStatusPending, models.AlertStatusFailed, 3, 250).
		WillReturnRows(rows)

	alerts, err := st.FetchPendingAlerts(context.Background(), 250, 3)
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	alert := alerts[0]
	assert.Equal(t, int64(7), alert.AlertID)
	assert.Equal(t, 1, alert.RetryCount)
	assert.Equal(t, userID, alert.UserID)
	assert.Equal(t, "Signalze", alert.BrandName)
	assert.Equal(t, "hackernews", alert.Mention.Platform)
	assert.True(t, alert.Mention.PublishedAt.Equal(published))
	assert.JSONEq(t, `{"k":"v"}`, string(alert.Mention.RawPayload))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchTodaySourceRequests(t *testing.T) {
	st, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"source", "request_count"}).
		AddRow("hackernews", 12).
		AddRow("devto", 3)

	mock.ExpectQuery("from public.source_request_counters").
		WithArgs("hackernews", "devto", "reddit").
		WillReturnRows(rows)

	counts, err := st.FetchTodaySourceRequests(context.Background(),
		[]string{"hackernews", "devto", "reddit"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"hackernews": 12, "devto": 3}, counts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordSourceRequests(t *testing.T) {
	st, mock := newMockStore(t)
	day := time.Date(2025, 6, 2, 23, 59, 0, 0, time.UTC)

	mock.ExpectExec("insert into public.source_request_counters").
		WithArgs("2025-06-02", "hackernews", 5).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, st.RecordSourceRequests(context.Background(), day, "hackernews", 5))
	assert.NoError(t, mock.ExpectationsWereMet())

	// Zero requests never touch the store.
	require.NoError(t, st.RecordSourceRequests(context.Background(), day, "hackernews", 0))
	assert.NoError(t, mock.ExpectationsWereMet())
}
