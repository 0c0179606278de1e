package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// SQL statements for record operations.
const (
	recordColumns = `local_path, remote_id, remote_parent_id, fingerprint, remote_revision,
		local_mtime, remote_mtime, size, kind, status, synced_at, tombstoned_at`

	sqlLoadActive = `SELECT ` + recordColumns + ` FROM records WHERE status = 'active'`

	sqlRecordByPath = `SELECT ` + recordColumns + ` FROM records
		WHERE status = 'active' AND local_path = ?`

	sqlCountRecords = `SELECT
		COALESCE(SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'tombstoned' THEN 1 ELSE 0 END), 0)
		FROM records`

	sqlEvictPath = `UPDATE records SET status = 'tombstoned', tombstoned_at = ?
		WHERE status = 'active' AND local_path = ? AND remote_id <> ?`

	sqlEvictRemote = `UPDATE records SET status = 'tombstoned', tombstoned_at = ?
		WHERE status = 'active' AND remote_id = ? AND remote_id <> ?`

	sqlUpdateRecord = `UPDATE records SET
		local_path = ?, remote_id = ?, remote_parent_id = ?, fingerprint = ?,
		remote_revision = ?, local_mtime = ?, remote_mtime = ?, size = ?,
		kind = ?, synced_at = ?
		WHERE status = 'active' AND remote_id = ?`

	sqlInsertRecord = `INSERT INTO records
		(local_path, remote_id, remote_parent_id, fingerprint, remote_revision,
		 local_mtime, remote_mtime, size, kind, status, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'active', ?)`

	sqlTombstoneRemote = `UPDATE records SET status = 'tombstoned', tombstoned_at = ?
		WHERE status = 'active' AND remote_id = ?`

	sqlTombstonePath = `UPDATE records SET status = 'tombstoned', tombstoned_at = ?
		WHERE status = 'active' AND local_path = ?`

	// substr() counts characters, so prefix lengths are passed in runes.
	sqlTombstoneSubtree = `UPDATE records SET status = 'tombstoned', tombstoned_at = ?
		WHERE status = 'active' AND (local_path = ? OR substr(local_path, 1, ?) = ?)`

	sqlRebaseSubtree = `UPDATE records SET local_path = ? || substr(local_path, ?)
		WHERE status = 'active' AND (local_path = ? OR substr(local_path, 1, ?) = ?)`

	sqlInsertConflict = `INSERT INTO conflicts
		(id, run_id, path, conflict_path, canonical, local_fingerprint,
		 remote_revision, local_mtime, remote_mtime, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlRecentConflicts = `SELECT id, COALESCE(run_id, ''), path, conflict_path, canonical,
		COALESCE(local_fingerprint, ''), COALESCE(remote_revision, ''),
		COALESCE(local_mtime, 0), COALESCE(remote_mtime, 0), detected_at
		FROM conflicts ORDER BY detected_at DESC LIMIT ?`

	sqlUpsertRetry = `INSERT INTO retry_tasks
		(id, path, action_type, action_json, attempt, next_eligible_at,
		 last_error, dead, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		 path = excluded.path,
		 action_type = excluded.action_type,
		 action_json = excluded.action_json,
		 attempt = excluded.attempt,
		 next_eligible_at = excluded.next_eligible_at,
		 last_error = excluded.last_error,
		 dead = excluded.dead,
		 updated_at = excluded.updated_at`

	sqlDeleteRetry = `DELETE FROM retry_tasks WHERE id = ?`

	sqlDeleteDeadRetries = `DELETE FROM retry_tasks WHERE dead = 1`

	sqlLoadRetries = `SELECT id, action_json, attempt, next_eligible_at,
		COALESCE(last_error, ''), dead, created_at
		FROM retry_tasks ORDER BY next_eligible_at`

	sqlInsertRun = `INSERT INTO sync_runs (run_id, reason, status, started_at)
		VALUES (?, ?, 'running', ?)`

	sqlFinishRun = `UPDATE sync_runs SET status = ?, finished_at = ?, summary_json = ?
		WHERE run_id = ?`

	sqlRecentRuns = `SELECT summary_json FROM sync_runs
		WHERE summary_json IS NOT NULL ORDER BY started_at DESC LIMIT ?`

	sqlGetMeta = `SELECT value FROM meta WHERE key = ?`

	sqlSetMeta = `INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
)

// Store is the sole writer to the state database. It holds correspondence
// records, the persisted retry queue, run history, and the conflict log.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for deterministic tests
}

// RecordSet is the in-memory view of all active records for one run.
type RecordSet struct {
	ByPath     map[string]*Record
	ByRemoteID map[string]*Record
}

// ConflictEntry is one row of the conflict log.
type ConflictEntry struct {
	ID             string
	RunID          string
	Path           string
	ConflictPath   string
	Canonical      Side
	LocalHash      string
	RemoteRevision string
	LocalMtime     int64
	RemoteMtime    int64
	DetectedAt     int64
}

// OpenStore opens the SQLite database at dbPath, runs migrations, and
// returns a ready store. WAL mode with synchronous=FULL keeps commits
// crash-safe.
func OpenStore(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sync: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("state store opened", slog.String("db_path", dbPath))

	return &Store{db: db, logger: logger, nowFunc: time.Now}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadRecords reads every active record into memory.
func (s *Store) LoadRecords(ctx context.Context) (*RecordSet, error) {
	rows, err := s.db.QueryContext(ctx, sqlLoadActive)
	if err != nil {
		return nil, fmt.Errorf("sync: loading records: %w", err)
	}
	defer rows.Close()

	set := &RecordSet{
		ByPath:     make(map[string]*Record),
		ByRemoteID: make(map[string]*Record),
	}

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		set.ByPath[rec.LocalPath] = rec
		set.ByRemoteID[rec.RemoteID] = rec
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: iterating records: %w", err)
	}

	return set, nil
}

// RecordByPath returns the active record at path, or nil.
func (s *Store) RecordByPath(ctx context.Context, p string) (*Record, error) {
	rows, err := s.db.QueryContext(ctx, sqlRecordByPath, p)
	if err != nil {
		return nil, fmt.Errorf("sync: querying record %s: %w", p, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}

	return scanRecord(rows)
}

// RecordCounts returns the number of active and tombstoned records.
func (s *Store) RecordCounts(ctx context.Context) (active, tombstoned int, err error) {
	if err := s.db.QueryRowContext(ctx, sqlCountRecords).Scan(&active, &tombstoned); err != nil {
		return 0, 0, fmt.Errorf("sync: counting records: %w", err)
	}

	return active, tombstoned, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		r            Record
		kind, status string
		parentID     sql.NullString
		fingerprint  sql.NullString
		revision     sql.NullString
		localMtime   sql.NullInt64
		remoteMtime  sql.NullInt64
		size         sql.NullInt64
		tombstonedAt sql.NullInt64
	)

	err := row.Scan(
		&r.LocalPath, &r.RemoteID, &parentID, &fingerprint, &revision,
		&localMtime, &remoteMtime, &size, &kind, &status, &r.SyncedAt, &tombstonedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("sync: scanning record row: %w", err)
	}

	parsed, err := ParseKind(kind)
	if err != nil {
		return nil, err
	}

	r.Kind = parsed
	r.Status = RecordStatus(status)
	r.RemoteParentID = parentID.String
	r.Fingerprint = fingerprint.String
	r.RemoteRevision = revision.String
	r.LocalMtime = localMtime.Int64
	r.RemoteMtime = remoteMtime.Int64
	r.Size = size.Int64
	r.TombstonedAt = tombstonedAt.Int64

	return &r, nil
}

// CommitOutcome applies the record changes of one successful action in a
// single transaction. Failed outcomes leave the store untouched.
func (s *Store) CommitOutcome(ctx context.Context, o *Outcome) error {
	if !o.Success {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sync: beginning commit transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.nowFunc().UnixNano()

	if o.Rebase != nil {
		if err := rebaseSubtree(ctx, tx, o.Rebase.From, o.Rebase.To); err != nil {
			return err
		}
	}

	if o.TombstoneSubtree != "" {
		if err := tombstoneSubtree(ctx, tx, o.TombstoneSubtree, now); err != nil {
			return err
		}
	}

	for _, id := range o.Tombstones {
		if _, err := tx.ExecContext(ctx, sqlTombstoneRemote, now, id); err != nil {
			return fmt.Errorf("sync: tombstoning remote %s: %w", id, err)
		}
	}

	for _, p := range o.TombstonePaths {
		if _, err := tx.ExecContext(ctx, sqlTombstonePath, now, p); err != nil {
			return fmt.Errorf("sync: tombstoning %s: %w", p, err)
		}
	}

	for i := range o.Upserts {
		if err := upsertRecord(ctx, tx, &o.Upserts[i], now); err != nil {
			return err
		}
	}

	if o.Conflict != nil {
		if err := insertConflict(ctx, tx, o.Conflict, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sync: committing %s: %w", o.Path, err)
	}

	return nil
}

// upsertRecord updates the active record identified by PriorRemoteID in
// place, or inserts a new one. Stale rows occupying the new path or the
// new remote ID are evicted first so the partial unique indexes hold.
// upsertRecord updates the active record of the prior identity in place,
// or of the same identity when no prior is named. Other active records
// holding the path or the remote ID are tombstoned first.
func upsertRecord(ctx context.Context, tx *sql.Tx, u *RecordUpdate, syncedAt int64) error {
	r := &u.Record

	prior := u.PriorRemoteID
	if prior == "" {
		prior = r.RemoteID
	}

	if _, err := tx.ExecContext(ctx, sqlEvictPath, syncedAt, r.LocalPath, prior); err != nil {
		return fmt.Errorf("sync: evicting stale record at %s: %w", r.LocalPath, err)
	}

	if _, err := tx.ExecContext(ctx, sqlEvictRemote, syncedAt, r.RemoteID, prior); err != nil {
		return fmt.Errorf("sync: evicting stale record for %s: %w", r.RemoteID, err)
	}

	res, err := tx.ExecContext(ctx, sqlUpdateRecord,
		r.LocalPath, r.RemoteID, nullString(r.RemoteParentID), nullString(r.Fingerprint),
		nullString(r.RemoteRevision), nullInt64(r.LocalMtime), nullInt64(r.RemoteMtime),
		nullInt64(r.Size), r.Kind.String(), syncedAt, prior,
	)
	if err != nil {
		return fmt.Errorf("sync: updating record %s: %w", r.LocalPath, err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = tx.ExecContext(ctx, sqlInsertRecord,
		r.LocalPath, r.RemoteID, nullString(r.RemoteParentID), nullString(r.Fingerprint),
		nullString(r.RemoteRevision), nullInt64(r.LocalMtime), nullInt64(r.RemoteMtime),
		nullInt64(r.Size), r.Kind.String(), syncedAt,
	)
	if err != nil {
		return fmt.Errorf("sync: inserting record %s: %w", r.LocalPath, err)
	}

	return nil
}

func tombstoneSubtree(ctx context.Context, tx *sql.Tx, prefix string, now int64) error {
	like := prefix + "/"

	_, err := tx.ExecContext(ctx, sqlTombstoneSubtree, now, prefix, utf8.RuneCountInString(like), like)
	if err != nil {
		return fmt.Errorf("sync: tombstoning subtree %s: %w", prefix, err)
	}

	return nil
}

func rebaseSubtree(ctx context.Context, tx *sql.Tx, from, to string) error {
	like := from + "/"

	_, err := tx.ExecContext(ctx, sqlRebaseSubtree,
		to, utf8.RuneCountInString(from)+1,
		from, utf8.RuneCountInString(like), like,
	)
	if err != nil {
		return fmt.Errorf("sync: rebasing %s to %s: %w", from, to, err)
	}

	return nil
}

func insertConflict(ctx context.Context, tx *sql.Tx, c *ConflictEntry, now int64) error {
	detected := c.DetectedAt
	if detected == 0 {
		detected = now
	}

	_, err := tx.ExecContext(ctx, sqlInsertConflict,
		c.ID, nullString(c.RunID), c.Path, c.ConflictPath, string(c.Canonical),
		nullString(c.LocalHash), nullString(c.RemoteRevision),
		nullInt64(c.LocalMtime), nullInt64(c.RemoteMtime), detected,
	)
	if err != nil {
		return fmt.Errorf("sync: inserting conflict for %s: %w", c.Path, err)
	}

	return nil
}

// RecentConflicts returns the newest conflict log entries.
func (s *Store) RecentConflicts(ctx context.Context, limit int) ([]ConflictEntry, error) {
	rows, err := s.db.QueryContext(ctx, sqlRecentConflicts, limit)
	if err != nil {
		return nil, fmt.Errorf("sync: listing conflicts: %w", err)
	}
	defer rows.Close()

	var out []ConflictEntry

	for rows.Next() {
		var (
			c         ConflictEntry
			canonical string
		)

		if err := rows.Scan(&c.ID, &c.RunID, &c.Path, &c.ConflictPath, &canonical,
			&c.LocalHash, &c.RemoteRevision, &c.LocalMtime, &c.RemoteMtime, &c.DetectedAt); err != nil {
			return nil, fmt.Errorf("sync: scanning conflict row: %w", err)
		}

		c.Canonical = Side(canonical)
		out = append(out, c)
	}

	return out, rows.Err()
}

// SaveRetryTask inserts or updates t by ID. Only one live task may exist
// per path; dead tasks accumulate until cleared.
func (s *Store) SaveRetryTask(ctx context.Context, t *RetryTask) error {
	payload, err := json.Marshal(t.Action)
	if err != nil {
		return fmt.Errorf("sync: encoding retry action for %s: %w", t.Action.Path, err)
	}

	now := s.nowFunc().UnixNano()
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}

	dead := 0
	if t.Dead {
		dead = 1
	}

	_, err = s.db.ExecContext(ctx, sqlUpsertRetry,
		t.ID, t.Action.Path, t.Action.Type.String(), string(payload), t.Attempt,
		t.NextEligibleAt.UnixNano(), nullString(t.LastError), dead, t.CreatedAt, now,
	)
	if err != nil {
		return fmt.Errorf("sync: saving retry task for %s: %w", t.Action.Path, err)
	}

	return nil
}

// DeleteRetryTask removes one retry task.
func (s *Store) DeleteRetryTask(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, sqlDeleteRetry, id); err != nil {
		return fmt.Errorf("sync: deleting retry task %s: %w", id, err)
	}

	return nil
}

// DeleteDeadRetryTasks removes every task in the dead set and returns how
// many were removed.
func (s *Store) DeleteDeadRetryTasks(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, sqlDeleteDeadRetries)
	if err != nil {
		return 0, fmt.Errorf("sync: clearing dead retry tasks: %w", err)
	}

	n, _ := res.RowsAffected()

	return int(n), nil
}

// LoadRetryTasks reads the whole retry queue, live and dead.
func (s *Store) LoadRetryTasks(ctx context.Context) ([]*RetryTask, error) {
	rows, err := s.db.QueryContext(ctx, sqlLoadRetries)
	if err != nil {
		return nil, fmt.Errorf("sync: loading retry tasks: %w", err)
	}
	defer rows.Close()

	var out []*RetryTask

	for rows.Next() {
		var (
			t       RetryTask
			payload string
			next    int64
			dead    int
		)

		if err := rows.Scan(&t.ID, &payload, &t.Attempt, &next, &t.LastError, &dead, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("sync: scanning retry task: %w", err)
		}

		if err := json.Unmarshal([]byte(payload), &t.Action); err != nil {
			return nil, fmt.Errorf("sync: decoding retry task %s: %w", t.ID, err)
		}

		t.NextEligibleAt = time.Unix(0, next)
		t.Dead = dead != 0
		out = append(out, &t)
	}

	return out, rows.Err()
}

// BeginRun records the start of a run.
func (s *Store) BeginRun(ctx context.Context, sum *RunSummary) error {
	if _, err := s.db.ExecContext(ctx, sqlInsertRun, sum.RunID, sum.Reason, sum.StartedAt.UnixNano()); err != nil {
		return fmt.Errorf("sync: recording run start: %w", err)
	}

	return nil
}

// FinishRun stores the final summary of a run.
func (s *Store) FinishRun(ctx context.Context, sum *RunSummary) error {
	payload, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("sync: encoding run summary: %w", err)
	}

	_, err = s.db.ExecContext(ctx, sqlFinishRun, runStatus(sum), sum.FinishedAt.UnixNano(), string(payload), sum.RunID)
	if err != nil {
		return fmt.Errorf("sync: recording run finish: %w", err)
	}

	return nil
}

func runStatus(sum *RunSummary) string {
	switch {
	case sum.FatalError != "":
		return "failed"
	case sum.DryRun:
		return "dry_run"
	case sum.Errors > 0:
		return "partial"
	default:
		return "success"
	}
}

// RecentRuns returns the newest finished run summaries.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, sqlRecentRuns, limit)
	if err != nil {
		return nil, fmt.Errorf("sync: listing runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary

	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("sync: scanning run row: %w", err)
		}

		var sum RunSummary
		if err := json.Unmarshal([]byte(payload), &sum); err != nil {
			return nil, fmt.Errorf("sync: decoding run summary: %w", err)
		}

		out = append(out, sum)
	}

	return out, rows.Err()
}

// Meta returns the stored value for key, or "" when unset.
func (s *Store) Meta(ctx context.Context, key string) (string, error) {
	var value string

	err := s.db.QueryRowContext(ctx, sqlGetMeta, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("sync: reading meta %s: %w", key, err)
	}

	return value, nil
}

// SetMeta stores value under key.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	if _, err := s.db.ExecContext(ctx, sqlSetMeta, key, value); err != nil {
		return fmt.Errorf("sync: writing meta %s: %w", key, err)
	}

	return nil
}

// Nullable helpers: empty string / zero int -> NULL in SQLite.

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: s, Valid: true}
}

func nullInt64(n int64) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: n, Valid: true}
}
