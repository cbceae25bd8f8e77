// Package store is the worker's Postgres data-access layer. All mutations
// commit independently; replay safety across runs comes from the uniqueness
// constraints on mentions, matches and alert deliveries, not from wrapping
// transactions.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/signalze/mention-worker/internal/models"
)

const maxStoredErrorLen = 800

// Store runs every query on a single pinned connection so the advisory lock
// taken at startup stays held until Close.
type Store struct {
	db   *sqlx.DB
	conn *sqlx.Conn
}

// Open connects to Postgres and pins one connection for the run.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn, err := db.Connx(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &Store{db: db, conn: conn}, nil
}

// NewWithConn wraps an existing database handle; used by tests.
func NewWithConn(ctx context.Context, db *sqlx.DB) (*Store, error) {
	conn, err := db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &Store{db: db, conn: conn}, nil
}

// Close releases the pinned connection and the pool. The advisory lock is
// released implicitly when the connection closes.
func (s *Store) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
}

// TryAcquireSingletonLock attempts the cluster-wide advisory lock
// non-blocking. The lock lives as long as the pinned connection.
func (s *Store) TryAcquireSingletonLock(ctx context.Context, key int64) (bool, error) {
	var locked bool
	err := s.conn.QueryRowxContext(ctx, "select pg_try_advisory_lock($1)", key).Scan(&locked)
	if err != nil {
		return false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	return locked, nil
}

// CreateRun inserts a running worker_runs row and returns its id.
func (s *Store) CreateRun(ctx context.Context) (uuid.UUID, error) {
	var runID uuid.UUID
	err := s.conn.QueryRowxContext(ctx, `
		insert into public.worker_runs (status)
		values ($1)
		returning id`,
		models.RunStatusRunning,
	).Scan(&runID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create worker run: %w", err)
	}
	return runID, nil
}

// FinishRun records the terminal status, the stats JSON and an optional
// error on the run row.
func (s *Store) FinishRun(ctx context.Context, runID uuid.UUID, status string, stats map[string]any, errMsg string) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal run stats: %w", err)
	}
	var storedErr any
	if errMsg != "" {
		storedErr = truncateError(errMsg)
	}
	_, err = s.conn.ExecContext(ctx, `
		update public.worker_runs
		set status = $1,
		    stats = $2::jsonb,
		    error = $3,
		    finished_at = now()
		where id = $4`,
		status, string(statsJSON), storedErr, runID,
	)
	if err != nil {
		return fmt.Errorf("finish worker run: %w", err)
	}
	return nil
}

// FetchDueSourceTasks selects the (keyword, source) pairs whose next poll is
// due, joined through active keywords and active profiles, oldest first.
// Returns nothing when no sources are enabled.
func (s *Store) FetchDueSourceTasks(ctx context.Context, enabledSources []string, batchSize int) ([]models.SourceTask, error) {
	if len(enabledSources) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(`
		select
		  ks.keyword_id,
		  k.user_id,
		  k.brand_id,
		  k.query,
		  ks.source::text as source,
		  st.last_checked_at
		from public.keyword_sources ks
		join public.keywords k on k.id = ks.keyword_id
		join public.profiles p on p.id = k.user_id
		left join public.keyword_source_state st
		  on st.keyword_id = ks.keyword_id
		 and st.source = ks.source
		where ks.enabled = true
		  and k.is_active = true
		  and p.is_active = true
		  and ks.source::text in (?)
		  and coalesce(st.next_poll_at, now()) <= now()
		order by coalesce(st.next_poll_at, now()) asc
		limit ?`,
		enabledSources, batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("build due tasks query: %w", err)
	}

	var tasks []models.SourceTask
	if err := s.conn.SelectContext(ctx, &tasks, sqlx.Rebind(sqlx.DOLLAR, query), args...); err != nil {
		return nil, fmt.Errorf("fetch due source tasks: %w", err)
	}
	return tasks, nil
}

// MarkSourceTaskSuccess advances both the watermark and the next poll time
// and clears any previous error.
func (s *Store) MarkSourceTaskSuccess(ctx context.Context, keywordID uuid.UUID, source string, checkedAt time.Time, pollIntervalMinutes int) error {
	if pollIntervalMinutes < 1 {
		pollIntervalMinutes = 1
	}
	nextPoll := checkedAt.Add(time.Duration(pollIntervalMinutes) * time.Minute)
	_, err := s.conn.ExecContext(ctx, `
		insert into public.keyword_source_state
		  (keyword_id, source, last_checked_at, next_poll_at, last_error, updated_at)
		values ($1, $2, $3, $4, null, now())
		on conflict (keyword_id, source) do update
		set last_checked_at = excluded.last_checked_at,
		    next_poll_at = excluded.next_poll_at,
		    last_error = null,
		    updated_at = now()`,
		keywordID, source, checkedAt, nextPoll,
	)
	if err != nil {
		return fmt.Errorf("mark source task success: %w", err)
	}
	return nil
}

// MarkSourceTaskError pushes the next poll out by the backoff without
// touching last_checked_at, so the next successful poll still covers the
// missed window.
func (s *Store) MarkSourceTaskError(ctx context.Context, keywordID uuid.UUID, source, errMsg string, backoffMinutes int) error {
	if backoffMinutes < 1 {
		backoffMinutes = 1
	}
	nextPoll := time.Now().UTC().Add(time.Duration(backoffMinutes) * time.Minute)
	_, err := s.conn.ExecContext(ctx, `
		insert into public.keyword_source_state
		  (keyword_id, source, next_poll_at, last_error, updated_at)
		values ($1, $2, $3, $4, now())
		on conflict (keyword_id, source) do update
		set next_poll_at = excluded.next_poll_at,
		    last_error = excluded.last_error,
		    updated_at = now()`,
		keywordID, source, nextPoll, truncateError(errMsg),
	)
	if err != nil {
		return fmt.Errorf("mark source task error: %w", err)
	}
	return nil
}

// UpsertMention inserts or refreshes a mention by (platform, external_id)
// and returns the surrogate id. Identity is preserved on re-observation;
// mutable fields are overwritten.
func (s *Store) UpsertMention(ctx context.Context, m models.MentionCandidate) (int64, error) {
	raw := m.RawPayload
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	var mentionID int64
	err := s.conn.QueryRowxContext(ctx, `
		insert into public.mentions (
		  platform, external_id, url, title, body_excerpt,
		  author, community, published_at, raw_payload, fetched_at
		)
		values ($1, $2, $3, $4, $5, nullif($6, ''), nullif($7, ''), $8, $9::jsonb, now())
		on conflict (platform, external_id) do update
		set url = excluded.url,
		    title = excluded.title,
		    body_excerpt = excluded.body_excerpt,
		    author = excluded.author,
		    community = excluded.community,
		    published_at = excluded.published_at,
		    raw_payload = excluded.raw_payload,
		    fetched_at = now()
		returning id`,
		m.Platform, m.ExternalID, m.URL, m.Title, m.BodyExcerpt,
		m.Author, m.Community, m.PublishedAt, string(raw),
	).Scan(&mentionID)
	if err != nil {
		return 0, fmt.Errorf("upsert mention: %w", err)
	}
	return mentionID, nil
}

// InsertMatch attributes a mention to a (user, keyword). Returns true only
// when a new row was created, false on dedupe.
func (s *Store) InsertMatch(ctx context.Context, userID, keywordID uuid.UUID, brandID *uuid.UUID, mentionID int64, matchedQuery string) (bool, error) {
	var matchID int64
	err := s.conn.QueryRowxContext(ctx, `
		insert into public.mention_matches
		  (user_id, keyword_id, brand_id, mention_id, matched_query)
		values ($1, $2, $3, $4, $5)
		on conflict (user_id, mention_id, keyword_id) do nothing
		returning id`,
		userID, keywordID, brandID, mentionID, matchedQuery,
	).Scan(&matchID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert mention match: %w", err)
	}
	return true, nil
}

// EnqueueAlert creates a pending alert delivery due immediately. Returns
// true only when a new row was created; the four-column unique constraint
// absorbs duplicates.
func (s *Store) EnqueueAlert(ctx context.Context, userID, keywordID uuid.UUID, mentionID int64) (bool, error) {
	var alertID int64
	err := s.conn.QueryRowxContext(ctx, `
		insert into public.alert_deliveries
		  (user_id, keyword_id, mention_id, channel, status, next_attempt_at)
		values ($1, $2, $3, $4, $5, now())
		on conflict (user_id, mention_id, keyword_id, channel) do nothing
		returning id`,
		userID, keywordID, mentionID, models.AlertChannelSlack, models.AlertStatusPending,
	).Scan(&alertID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("enqueue alert: %w", err)
	}
	return true, nil
}

// FetchPendingAlerts returns due pending or failed alerts below the retry
// cap, hydrated with the webhook endpoint, keyword, brand and mention.
func (s *Store) FetchPendingAlerts(ctx context.Context, limit, maxRetries int) ([]models.PendingAlert, error) {
	rows, err := s.conn.QueryxContext(ctx, `
		select
		  ad.id as alert_id,
		  ad.retry_count,
		  ad.user_id,
		  ad.keyword_id,
		  coalesce(p.slack_webhook_url_enc, '') as webhook_url,
		  k.query,
		  coalesce(b.name, '') as brand_name,
		  m.platform::text as platform,
		  m.external_id,
		  m.url,
		  coalesce(m.title, 'Mention') as title,
		  coalesce(m.body_excerpt, '') as body_excerpt,
		  coalesce(m.author, '') as author,
		  coalesce(m.community, '') as community,
		  m.published_at,
		  coalesce(m.raw_payload, '{}'::jsonb) as raw_payload
		from public.alert_deliveries ad
		join public.profiles p on p.id = ad.user_id
		join public.keywords k on k.id = ad.keyword_id
		left join public.brands b on b.id = k.brand_id
		join public.mentions m on m.id = ad.mention_id
		where ad.status in ($1, $2)
		  and ad.next_attempt_at <= now()
		  and ad.retry_count < $3
		order by ad.next_attempt_at asc
		limit $4`,
		models.AlertStatusPending, models.AlertStatusFailed, maxRetries, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch pending alerts: %w", err)
	}
	defer rows.Close()

	var pending []models.PendingAlert
	for rows.Next() {
		var row struct {
			AlertID     int64     `db:"alert_id"`
			RetryCount  int       `db:"retry_count"`
			UserID      uuid.UUID `db:"user_id"`
			KeywordID   uuid.UUID `db:"keyword_id"`
			WebhookURL  string    `db:"webhook_url"`
			Query       string    `db:"query"`
			BrandName   string    `db:"brand_name"`
			Platform    string    `db:"platform"`
			ExternalID  string    `db:"external_id"`
			URL         string    `db:"url"`
			Title       string    `db:"title"`
			BodyExcerpt string    `db:"body_excerpt"`
			Author      string    `db:"author"`
			Community   string    `db:"community"`
			PublishedAt time.Time `db:"published_at"`
			RawPayload  []byte    `db:"raw_payload"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("scan pending alert: %w", err)
		}
		pending = append(pending, models.PendingAlert{
			AlertID:    row.AlertID,
			RetryCount: row.RetryCount,
			UserID:     row.UserID,
			KeywordID:  row.KeywordID,
			WebhookURL: row.WebhookURL,
			Query:      row.Query,
			BrandName:  row.BrandName,
			Mention: models.MentionCandidate{
				Platform:    row.Platform,
				ExternalID:  row.ExternalID,
				URL:         row.URL,
				Title:       row.Title,
				BodyExcerpt: row.BodyExcerpt,
				Author:      row.Author,
				Community:   row.Community,
				PublishedAt: row.PublishedAt,
				RawPayload:  json.RawMessage(row.RawPayload),
			},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending alerts: %w", err)
	}
	return pending, nil
}

// MarkAlertSent records a successful delivery. Sent is terminal and clears
// last_error.
func (s *Store) MarkAlertSent(ctx context.Context, alertID int64) error {
	_, err := s.conn.ExecContext(ctx, `
		update public.alert_deliveries
		set status = $1,
		    sent_at = now(),
		    last_error = null,
		    updated_at = now()
		where id = $2`,
		models.AlertStatusSent, alertID,
	)
	if err != nil {
		return fmt.Errorf("mark alert sent: %w", err)
	}
	return nil
}

// MarkAlertRetry schedules the next attempt, or parks the alert in
// dead_letter once the retry cap is reached.
func (s *Store) MarkAlertRetry(ctx context.Context, alertID int64, retryCount, maxRetries int, nextAttemptAt time.Time, errMsg string) error {
	status := models.AlertStatusFailed
	if retryCount >= maxRetries {
		status = models.AlertStatusDeadLetter
	}
	_, err := s.conn.ExecContext(ctx, `
		update public.alert_deliveries
		set status = $1,
		    retry_count = $2,
		    next_attempt_at = $3,
		    last_error = $4,
		    updated_at = now()
		where id = $5`,
		status, retryCount, nextAttemptAt, truncateError(errMsg), alertID,
	)
	if err != nil {
		return fmt.Errorf("mark alert retry: %w", err)
	}
	return nil
}

// FetchTodaySourceRequests returns the current UTC day's outbound request
// totals per source key.
func (s *Store) FetchTodaySourceRequests(ctx context.Context, sourceKeys []string) (map[string]int, error) {
	counts := make(map[string]int, len(sourceKeys))
	if len(sourceKeys) == 0 {
		return counts, nil
	}

	query, args, err := sqlx.In(`
		select source::text as source, request_count
		from public.source_request_counters
		where utc_date = (now() at time zone 'utc')::date
		  and source::text in (?)`,
		sourceKeys,
	)
	if err != nil {
		return nil, fmt.Errorf("build counter query: %w", err)
	}

	rows, err := s.conn.QueryxContext(ctx, sqlx.Rebind(sqlx.DOLLAR, query), args...)
	if err != nil {
		return nil, fmt.Errorf("fetch source request counters: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var source string
		var count int
		if err := rows.Scan(&source, &count); err != nil {
			return nil, fmt.Errorf("scan source request counter: %w", err)
		}
		counts[source] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate source request counters: %w", err)
	}
	return counts, nil
}

// RecordSourceRequests adds n outbound requests to the (utc_date, source)
// counter row.
func (s *Store) RecordSourceRequests(ctx context.Context, day time.Time, source string, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := s.conn.ExecContext(ctx, `
		insert into public.source_request_counters (utc_date, source, request_count)
		values ($1, $2, $3)
		on conflict (utc_date, source) do update
		set request_count = public.source_request_counters.request_count + excluded.request_count`,
		day.UTC().Format("2006-01-02"), source, n,
	)
	if err != nil {
		return fmt.Errorf("record source requests: %w", err)
	}
	return nil
}

func truncateError(s string) string {
	runes := []rune(s)
	if len(runes) <= maxStoredErrorLen {
		return s
	}
	return string(runes[:maxStoredErrorLen])
}
