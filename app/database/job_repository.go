package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/lysyi3m/job-comb/app/dedupe"
	"github.com/lysyi3m/job-comb/app/feed"
)

var ErrJobNotFound = errors.New("job not found")

var _ JobStore = (*JobRepository)(nil)

// JobRepository handles database operations for stored jobs
type JobRepository struct {
	db  *DB
	qb  sq.StatementBuilderType
	now func() time.Time
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{
		db:  db,
		qb:  sq.StatementBuilder.PlaceholderFormat(sq.Question),
		now: time.Now,
	}
}

// FindIDsByGUIDs groups the ids of every stored job, whatever its status,
// by GUID in ascending id order.
func (r *JobRepository) FindIDsByGUIDs(ctx context.Context, guids []string) (map[string][]int64, error) {
	result := make(map[string][]int64)
	if len(guids) == 0 {
		return result, nil
	}

	query, args, err := r.qb.
		Select("id", "guid").
		From("jobs").
		Where(sq.Eq{"guid": guids}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var rows []struct {
		ID   int64  `db:"id"`
		GUID string `db:"guid"`
	}
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to find jobs by guid: %w", err)
	}

	for _, row := range rows {
		result[row.GUID] = append(result[row.GUID], row.ID)
	}
	return result, nil
}

func (r *JobRepository) LoadCandidates(ctx context.Context, ids []int64) ([]dedupe.Candidate, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query, args, err := r.qb.
		Select("id", "guid", "title", "status", "fingerprint", "payload", "created_at", "modified_at", "last_seen_at", "feed_id").
		From("jobs").
		Where(sq.Eq{"id": ids}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var jobs []Job
	if err := r.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to load candidates: %w", err)
	}

	candidates := make([]dedupe.Candidate, 0, len(jobs))
	for _, j := range jobs {
		candidates = append(candidates, dedupe.Candidate{
			ID:          j.ID,
			GUID:        j.GUID,
			Title:       j.Title,
			Status:      j.Status,
			Fingerprint: j.Fingerprint,
			ModifiedAt:  j.Modified(),
		})
	}
	return candidates, nil
}

// Transition changes title and status only; modified_at keeps tracking
// content changes.
func (r *JobRepository) Transition(ctx context.Context, id int64, title, status string) error {
	query, args, err := r.qb.
		Update("jobs").
		Set("title", title).
		Set("status", status).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}
	return r.execOne(ctx, id, query, args...)
}

func (r *JobRepository) Get(ctx context.Context, id int64) (*Job, error) {
	query, args, err := r.qb.
		Select("id", "guid", "feed_id", "title", "status", "fingerprint", "payload", "created_at", "modified_at", "last_seen_at").
		From("jobs").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var job Job
	err = r.db.GetContext(ctx, &job, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// Insert stores record as a new published job and returns its id.
func (r *JobRepository) Insert(ctx context.Context, record feed.Record) (int64, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("failed to encode record: %w", err)
	}

	now := r.now().UnixNano()
	query, args, err := r.qb.
		Insert("jobs").
		Columns("guid", "feed_id", "title", "status", "fingerprint", "payload", "created_at", "modified_at", "last_seen_at").
		Values(record.GUID, record.FeedID, record.Title, dedupe.StatusPublish, record.Fingerprint, string(payload), now, now, seenAt(record, now)).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build query: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read job id: %w", err)
	}
	return id, nil
}

// Update replaces the content of job id with record and publishes it.
func (r *JobRepository) Update(ctx context.Context, id int64, record feed.Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	now := r.now().UnixNano()
	query, args, err := r.qb.
		Update("jobs").
		Set("feed_id", record.FeedID).
		Set("title", record.Title).
		Set("status", dedupe.StatusPublish).
		Set("fingerprint", record.Fingerprint).
		Set("payload", string(payload)).
		Set("modified_at", now).
		Set("last_seen_at", seenAt(record, now)).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}
	return r.execOne(ctx, id, query, args...)
}

// Touch records that job id was present in a feed at seenAt.
func (r *JobRepository) Touch(ctx context.Context, id int64, seenAt time.Time) error {
	query, args, err := r.qb.
		Update("jobs").
		Set("last_seen_at", seenAt.UnixNano()).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}
	return r.execOne(ctx, id, query, args...)
}

func (r *JobRepository) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByStatus: map[string]int{}, ByFeed: map[string]int{}}

	var rows []struct {
		Key   string `db:"k"`
		Count int    `db:"n"`
	}

	query, args, err := r.qb.Select("status AS k", "COUNT(*) AS n").From("jobs").GroupBy("status").ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to count jobs by status: %w", err)
	}
	for _, row := range rows {
		stats.ByStatus[row.Key] = row.Count
		stats.Total += row.Count
	}

	rows = rows[:0]
	query, args, err = r.qb.Select("feed_id AS k", "COUNT(*) AS n").From("jobs").
		Where(sq.Eq{"status": dedupe.StatusPublish}).GroupBy("feed_id").ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to count jobs by feed: %w", err)
	}
	for _, row := range rows {
		stats.ByFeed[row.Key] = row.Count
	}

	return stats, nil
}

func (r *JobRepository) execOne(ctx context.Context, id int64, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrJobNotFound, id)
	}
	return nil
}

func seenAt(record feed.Record, fallback int64) int64 {
	if record.LastSeenAt.IsZero() {
		return fallback
	}
	return record.LastSeenAt.UnixNano()
}
