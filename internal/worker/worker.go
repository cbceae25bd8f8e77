// Package worker drives one pass of the mention ingestion pipeline: take the
// singleton lock, poll due (keyword, source) tasks within the daily request
// budgets, persist novel mentions and matches, enqueue alerts, and attempt
// pending deliveries.
package worker

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/rs/zerolog"

	"github.com/signalze/mention-worker/internal/config"
	"github.com/signalze/mention-worker/internal/models"
	"github.com/signalze/mention-worker/internal/notify"
	"github.com/signalze/mention-worker/internal/sources"
)

// Store is the slice of the data-access layer the pipeline depends on.
type Store interface {
	TryAcquireSingletonLock(ctx context.Context, key int64) (bool, error)
	CreateRun(ctx context.Context) (uuid.UUID, error)
	FinishRun(ctx context.Context, runID uuid.UUID, status string, stats map[string]any, errMsg string) error
	FetchDueSourceTasks(ctx context.Context, enabledSources []string, batchSize int) ([]models.SourceTask, error)
	MarkSourceTaskSuccess(ctx context.Context, keywordID uuid.UUID, source string, checkedAt time.Time, pollIntervalMinutes int) error
	MarkSourceTaskError(ctx context.Context, keywordID uuid.UUID, source, errMsg string, backoffMinutes int) error
	UpsertMention(ctx context.Context, m models.MentionCandidate) (int64, error)
	InsertMatch(ctx context.Context, userID, keywordID uuid.UUID, brandID *uuid.UUID, mentionID int64, matchedQuery string) (bool, error)
	EnqueueAlert(ctx context.Context, userID, keywordID uuid.UUID, mentionID int64) (bool, error)
	FetchPendingAlerts(ctx context.Context, limit, maxRetries int) ([]models.PendingAlert, error)
	MarkAlertSent(ctx context.Context, alertID int64) error
	MarkAlertRetry(ctx context.Context, alertID int64, retryCount, maxRetries int, nextAttemptAt time.Time, errMsg string) error
	FetchTodaySourceRequests(ctx context.Context, sourceKeys []string) (map[string]int, error)
	RecordSourceRequests(ctx context.Context, day time.Time, source string, n int) error
}

type sendFunc func(ctx context.Context, client *http.Client, endpoint string, alert models.PendingAlert) error

// Worker holds the per-invocation state. Counters and the adapter map are
// plain values threaded through the run; there is no shared mutable state.
type Worker struct {
	cfg    config.Settings
	store  Store
	log    zerolog.Logger
	client *http.Client

	// Seams for tests.
	now          func() time.Time
	send         sendFunc
	buildSources func() map[string]sources.Source
}

func New(cfg config.Settings, st Store, logger zerolog.Logger) *Worker {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	w := &Worker{
		cfg:    cfg,
		store:  st,
		log:    logger,
		client: client,
		now:    func() time.Time { return time.Now().UTC() },
		send:   notify.Send,
	}
	w.buildSources = w.buildAdapters
	return w
}

// RunOnce executes a single pipeline pass. Returns the process exit code:
// 0 for success or a skipped run (lock held elsewhere), 1 for a failed run.
func (w *Worker) RunOnce(ctx context.Context) int {
	locked, err := w.store.TryAcquireSingletonLock(ctx, w.cfg.WorkerLockKey)
	if err != nil {
		w.log.Error().Str("event", "worker_failed").Err(err).Msg("could not acquire singleton lock")
		return 1
	}
	if !locked {
		w.log.Info().Str("event", "worker_skip").Str("reason", "lock_not_acquired").Msg("another worker holds the lock")
		return 0
	}

	runID, err := w.store.CreateRun(ctx)
	if err != nil {
		w.log.Error().Str("event", "worker_failed").Err(err).Msg("could not create worker run")
		return 1
	}
	w.log.Info().Str("event", "worker_start").Str("run_id", runID.String()).Msg("worker run started")

	stats := counters{}
	runStats, runErr := w.run(ctx, stats)

	if runErr != nil {
		if err := w.store.FinishRun(ctx, runID, models.RunStatusFailed, runStats, runErr.Error()); err != nil {
			w.log.Error().Str("event", "worker_failed").Str("run_id", runID.String()).Err(err).Msg("could not record failed run")
			return 1
		}
		w.log.Error().Str("event", "worker_failed").Str("run_id", runID.String()).Err(runErr).Msg("worker run failed")
		return 1
	}

	if err := w.store.FinishRun(ctx, runID, models.RunStatusSuccess, runStats, ""); err != nil {
		w.log.Error().Str("event", "worker_failed").Str("run_id", runID.String()).Err(err).Msg("could not record successful run")
		return 1
	}
	w.log.Info().Str("event", "worker_success").Str("run_id", runID.String()).Interface("stats", runStats).Msg("worker run finished")
	return 0
}

// run performs the two pipeline phases and always returns the stats
// accumulated so far, so a failed run still records partial progress.
func (w *Worker) run(ctx context.Context, stats counters) (map[string]any, error) {
	today, err := w.store.FetchTodaySourceRequests(ctx, sources.Keys())
	thisRun := map[string]int{}
	if err == nil {
		adapters := w.buildSources()
		err = w.processSourceTasks(ctx, adapters, stats, today, thisRun)
		if err == nil {
			err = w.processAlerts(ctx, stats)
		}
	}

	day := w.now()
	for source, n := range thisRun {
		if flushErr := w.store.RecordSourceRequests(ctx, day, source, n); flushErr != nil && err == nil {
			err = flushErr
		}
	}

	runStats := make(map[string]any, len(stats)+2)
	for key, value := range stats {
		runStats[key] = value
	}
	runStats["requests_this_run"] = thisRun
	runStats["requests_today"] = today
	return runStats, err
}

// buildAdapters constructs one adapter per enabled catalog entry, logging a
// source_disabled event for every enabled source that cannot be built.
func (w *Worker) buildAdapters() map[string]sources.Source {
	adapters := map[string]sources.Source{}
	creds := w.cfg.Credentials()
	for _, def := range sources.Definitions() {
		if !w.cfg.SourceEnabled[def.Key] {
			continue
		}
		if def.Build == nil {
			w.log.Info().Str("event", "source_disabled").Str("source", def.Key).
				Str("reason", sources.ReasonUnsupportedAdapter).Msg("source declared but not implemented")
			continue
		}
		adapter, reason := def.Build(w.client, creds)
		if adapter == nil {
			w.log.Info().Str("event", "source_disabled").Str("source", def.Key).
				Str("reason", reason).Msg("source builder declined")
			continue
		}
		adapters[def.Key] = adapter
	}
	return adapters
}

func (w *Worker) processSourceTasks(ctx context.Context, adapters map[string]sources.Source, stats counters, today, thisRun map[string]int) error {
	enabled := make([]string, 0, len(adapters))
	for key := range adapters {
		enabled = append(enabled, key)
	}
	sort.Strings(enabled)

	tasks, err := w.store.FetchDueSourceTasks(ctx, enabled, w.cfg.SourceTaskBatchSize)
	if err != nil {
		return err
	}
	stats.add("tasks_polled", len(tasks))

	for _, task := range tasks {
		adapter, ok := adapters[task.Source]
		if !ok {
			if err := w.store.MarkSourceTaskError(ctx, task.KeywordID, task.Source,
				"Source not enabled in worker", w.cfg.PollIntervalMinutes); err != nil {
				return err
			}
			stats.add("task_errors", 1)
			continue
		}

		// Budget admission: a deferred task is error-shaped state with a
		// backoff to the next UTC day, and does not consume a request.
		if limit, capped := w.cfg.DailyLimitFor(task.Source); capped && today[task.Source] >= limit {
			if err := w.store.MarkSourceTaskError(ctx, task.KeywordID, task.Source,
				"Daily source request budget reached; deferred until UTC day rollover",
				minutesUntilUTCRollover(w.now())); err != nil {
				return err
			}
			stats.add("tasks_deferred_budget", 1)
			continue
		}

		taskErr := w.pollTask(ctx, adapter, task, stats, today, thisRun)
		if taskErr == nil {
			stats.add("tasks_succeeded", 1)
			continue
		}
		if err := w.store.MarkSourceTaskError(ctx, task.KeywordID, task.Source,
			taskErr.Error(), w.cfg.PollIntervalFor(task.Source)); err != nil {
			return err
		}
		stats.add("task_errors", 1)
	}
	return nil
}

// pollTask runs the search and the upsert chain for one due task. Any error
// it returns is task-scoped: the caller records it on the task state and
// moves on.
func (w *Worker) pollTask(ctx context.Context, adapter sources.Source, task models.SourceTask, stats counters, today, thisRun map[string]int) error {
	now := w.now()
	since := now.Add(-24 * time.Hour)
	if task.LastCheckedAt != nil {
		since = *task.LastCheckedAt
	}
	overlap := w.cfg.OverlapMinutes
	if overlap < 0 {
		overlap = 0
	}
	since = since.Add(-time.Duration(overlap) * time.Minute)

	mentions, searchErr := adapter.Search(ctx, task.Query, since, w.cfg.PerSourceLimit)
	// The budget is charged per request, not per result, so a failing call
	// still counts toward the daily cap.
	today[task.Source]++
	thisRun[task.Source]++
	if searchErr != nil {
		return searchErr
	}
	stats.add("source_mentions_fetched", len(mentions))

	for _, mention := range mentions {
		mentionID, err := w.store.UpsertMention(ctx, mention)
		if err != nil {
			return err
		}
		stats.add("mentions_upserted", 1)

		created, err := w.store.InsertMatch(ctx, task.UserID, task.KeywordID, task.BrandID, mentionID, task.Query)
		if err != nil {
			return err
		}
		if !created {
			stats.add("matches_deduped", 1)
			continue
		}
		stats.add("matches_created", 1)

		enqueued, err := w.store.EnqueueAlert(ctx, task.UserID, task.KeywordID, mentionID)
		if err != nil {
			return err
		}
		if enqueued {
			stats.add("alerts_enqueued", 1)
		} else {
			stats.add("alerts_deduped", 1)
		}
	}

	return w.store.MarkSourceTaskSuccess(ctx, task.KeywordID, task.Source, now, w.cfg.PollIntervalFor(task.Source))
}

func (w *Worker) processAlerts(ctx context.Context, stats counters) error {
	alerts, err := w.store.FetchPendingAlerts(ctx, w.cfg.AlertBatchSize, w.cfg.MaxAlertRetries)
	if err != nil {
		return err
	}
	stats.add("alerts_attempted", len(alerts))

	for _, alert := range alerts {
		if !strings.HasPrefix(alert.WebhookURL, "http") {
			if err := w.scheduleAlertRetry(ctx, alert, "Slack webhook missing or invalid"); err != nil {
				return err
			}
			stats.add("alerts_failed", 1)
			continue
		}

		if sendErr := w.send(ctx, w.client, alert.WebhookURL, alert); sendErr != nil {
			if err := w.scheduleAlertRetry(ctx, alert, sendErr.Error()); err != nil {
				return err
			}
			stats.add("alerts_failed", 1)
			continue
		}

		if err := w.store.MarkAlertSent(ctx, alert.AlertID); err != nil {
			return err
		}
		stats.add("alerts_sent", 1)
	}
	return nil
}

func (w *Worker) scheduleAlertRetry(ctx context.Context, alert models.PendingAlert, errMsg string) error {
	nextRetry := alert.RetryCount + 1
	delay := retryDelay(nextRetry, w.cfg.RetryBaseSeconds, w.cfg.RetryMaxSeconds)
	return w.store.MarkAlertRetry(ctx, alert.AlertID, nextRetry, w.cfg.MaxAlertRetries, w.now().Add(delay), errMsg)
}

type counters map[string]int

func (c counters) add(key string, n int) { c[key] += n }

// minutesUntilUTCRollover returns whole minutes until the next UTC midnight,
// clamped to [1, 1440].
func minutesUntilUTCRollover(now time.Time) int {
	utc := now.UTC()
	next := utc.Truncate(24 * time.Hour).Add(24 * time.Hour)
	minutes := int(next.Sub(utc) / time.Minute)
	if minutes < 1 {
		return 1
	}
	if minutes > 1440 {
		return 1440
	}
	return minutes
}

// retryDelay implements the alert backoff ladder:
// min(base * 2^(n-1), max) seconds for attempt n.
func retryDelay(retryCount, baseSeconds, maxSeconds int) time.Duration {
	exponent := retryCount - 1
	if exponent < 0 {
		exponent = 0
	}
	if exponent > 30 {
		exponent = 30
	}
	delay := baseSeconds << exponent
	if delay > maxSeconds {
		delay = maxSeconds
	}
	return time.Duration(delay) * time.Second
}
