package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/blake2b"
)

// DefaultBusyTimeout is how long a writer waits on a locked database.
const DefaultBusyTimeout = 5 * time.Second

// Store is the SQLite history of saved masks and watch runs.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string) (*Store, error) {
	return OpenWithTimeout(path, DefaultBusyTimeout)
}

// OpenWithTimeout is Open with an explicit busy timeout.
func OpenWithTimeout(path string, busy time.Duration) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d", path, busy.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := ValidateSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("validate schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordMask stores a saved mask. The png bytes are hashed, not stored.
func (s *Store) RecordMask(ctx context.Context, imagePath, maskPath string, png []byte, layers int) error {
	_, err := s.InsertSavedMask(ctx, &SavedMask{
		ImagePath: imagePath,
		MaskPath:  maskPath,
		MaskHash:  blake2b.Sum256(png),
		MaskSize:  int64(len(png)),
		Layers:    layers,
		CreatedAt: time.Now(),
	})
	return err
}

// InsertSavedMask inserts m and returns its ID.
func (s *Store) InsertSavedMask(ctx context.Context, m *SavedMask) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO saved_masks (image_path, mask_path, mask_hash, mask_size, layers, created_ns)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ImagePath, m.MaskPath, m.MaskHash[:], m.MaskSize, m.Layers, m.CreatedAt.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert saved mask: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	m.ID = id
	return id, nil
}

const savedMaskColumns = `id, image_path, mask_path, mask_hash, mask_size, layers, created_ns`

// RecentMasks returns up to limit saved masks, newest first. limit <= 0 means all.
func (s *Store) RecentMasks(ctx context.Context, limit int) ([]SavedMask, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+savedMaskColumns+`
		FROM saved_masks
		ORDER BY created_ns DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query saved masks: %w", err)
	}
	defer rows.Close()

	return scanSavedMasks(rows)
}

// MasksForImage returns all saves of imagePath, newest first.
func (s *Store) MasksForImage(ctx context.Context, imagePath string) ([]SavedMask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+savedMaskColumns+`
		FROM saved_masks
		WHERE image_path = ?
		ORDER BY created_ns DESC, id DESC`, imagePath)
	if err != nil {
		return nil, fmt.Errorf("query saved masks for %s: %w", imagePath, err)
	}
	defer rows.Close()

	return scanSavedMasks(rows)
}

// LatestForImage returns the newest save of imagePath, or nil if it was never saved.
func (s *Store) LatestForImage(ctx context.Context, imagePath string) (*SavedMask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+savedMaskColumns+`
		FROM saved_masks
		WHERE image_path = ?
		ORDER BY created_ns DESC, id DESC
		LIMIT 1`, imagePath)

	m, err := scanSavedMask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest mask for %s: %w", imagePath, err)
	}
	return m, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSavedMask(row scanner) (*SavedMask, error) {
	var (
		m       SavedMask
		hash    []byte
		created int64
	)
	if err := row.Scan(&m.ID, &m.ImagePath, &m.MaskPath, &hash, &m.MaskSize, &m.Layers, &created); err != nil {
		return nil, err
	}
	copy(m.MaskHash[:], hash)
	m.CreatedAt = time.Unix(0, created)
	return &m, nil
}

func scanSavedMasks(rows *sql.Rows) ([]SavedMask, error) {
	var out []SavedMask
	for rows.Next() {
		m, err := scanSavedMask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan saved mask: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate saved masks: %w", err)
	}
	return out, nil
}

// InsertWatchRun records one image processed in watch mode.
func (s *Store) InsertWatchRun(ctx context.Context, r *WatchRun) (int64, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	var errText sql.NullString
	if r.Error != "" {
		errText = sql.NullString{String: r.Error, Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO watch_runs (image_path, image_hash, prompt, outcome, boxes, error, created_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ImagePath, r.ImageHash[:], r.Prompt, string(r.Outcome), r.Boxes, errText, r.CreatedAt.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert watch run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	r.ID = id
	return id, nil
}

// SeenImage reports whether a mask was already saved in watch mode for an
// image with this content hash.
func (s *Store) SeenImage(ctx context.Context, hash [32]byte) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM watch_runs WHERE image_hash = ? AND outcome = ?`,
		hash[:], string(RunSaved),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("query watch runs: %w", err)
	}
	return count > 0, nil
}

// RecentRuns returns up to limit watch runs, newest first. limit <= 0 means all.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]WatchRun, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, image_path, image_hash, prompt, outcome, boxes, error, created_ns
		FROM watch_runs
		ORDER BY created_ns DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query watch runs: %w", err)
	}
	defer rows.Close()

	var out []WatchRun
	for rows.Next() {
		var (
			r       WatchRun
			hash    []byte
			outcome string
			errText sql.NullString
			created int64
		)
		if err := rows.Scan(&r.ID, &r.ImagePath, &hash, &r.Prompt, &outcome, &r.Boxes, &errText, &created); err != nil {
			return nil, fmt.Errorf("scan watch run: %w", err)
		}
		copy(r.ImageHash[:], hash)
		r.Outcome = RunOutcome(outcome)
		r.Error = errText.String
		r.CreatedAt = time.Unix(0, created)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate watch runs: %w", err)
	}
	return out, nil
}

// GetStats summarizes the history.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	var (
		st   Stats
		last sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT image_path), MAX(created_ns) FROM saved_masks`,
	).Scan(&st.SavedMasks, &st.Images, &last)
	if err != nil {
		return nil, fmt.Errorf("count saved masks: %w", err)
	}
	if last.Valid {
		st.LastSaveTime = time.Unix(0, last.Int64)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0) FROM watch_runs`,
		string(RunFailed),
	).Scan(&st.WatchRuns, &st.FailedRuns)
	if err != nil {
		return nil, fmt.Errorf("count watch runs: %w", err)
	}

	return &st, nil
}
