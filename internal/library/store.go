package library

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"stacked/searchservice/internal/domain"
	"stacked/searchservice/internal/metrics"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	defaultListLimit = 100
	maxListLimit     = 500
	entryColumns     = `id, external_source, external_id, media_type, title, subtitle, cover_url, year,
		status, rating, notes, collection, created_at, updated_at, completed_at`
)

// Store keeps library entries in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

type StoreOption func(*Store)

func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open opens (creating if needed) the database at path and applies pending
// migrations. ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string, opts ...StoreOption) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("library database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite has a single writer; a single connection also keeps an
	// in-memory database alive and shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(store)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("query migrations: %w", err)
	}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return err
		}
		applied[version] = true
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return fmt.Errorf("query migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		version := strings.TrimSuffix(name, ".sql")
		if applied[version] {
			continue
		}
		content, err := fs.ReadFile(migrationFiles, "migrations/"+name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", version, s.now().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", version, err)
		}
		s.logger.Info("library migration applied", slog.String("version", version))
	}
	return nil
}

// Upsert adds the entry, or updates the existing one with the same
// (ExternalSource, Type, ExternalID). The stored entry is returned.
func (s *Store) Upsert(ctx context.Context, entry Entry) (Entry, error) {
	if err := entry.normalize(); err != nil {
		return Entry{}, err
	}
	now := s.now().UTC()
	var completedAt any
	if entry.Status == StatusCompleted {
		completedAt = now.UnixMilli()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO library_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (external_source, media_type, external_id) DO UPDATE SET
			title      = excluded.title,
			subtitle   = excluded.subtitle,
			cover_url  = excluded.cover_url,
			year       = excluded.year,
			status     = excluded.status,
			rating     = excluded.rating,
			notes      = excluded.notes,
			collection = excluded.collection,
			updated_at = excluded.updated_at,
			completed_at = CASE
				WHEN excluded.status <> 'completed' THEN NULL
				WHEN library_entries.status = 'completed' THEN library_entries.completed_at
				ELSE excluded.updated_at
			END`,
		uuid.NewString(), entry.ExternalSource, entry.ExternalID, string(entry.Type), entry.Title,
		entry.Subtitle, entry.CoverURL, entry.Year, string(entry.Status), nullableRating(entry.Rating),
		entry.Notes, entry.Collection, now.UnixMilli(), now.UnixMilli(), completedAt,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("upsert library entry: %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM library_entries WHERE external_source = ? AND media_type = ? AND external_id = ?",
		entry.ExternalSource, string(entry.Type), entry.ExternalID)
	return scanEntry(row)
}

func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM library_entries WHERE id = ?", strings.TrimSpace(id))
	return scanEntry(row)
}

// Update applies patch to the entry with the given id.
func (s *Store) Update(ctx context.Context, id string, patch Patch) (Entry, error) {
	entry, err := s.Get(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	previous := entry.Status
	if patch.Status != nil {
		entry.Status = *patch.Status
	}
	if patch.ClearRating {
		entry.Rating = nil
	} else if patch.Rating != nil {
		rating := *patch.Rating
		entry.Rating = &rating
	}
	if patch.Notes != nil {
		entry.Notes = *patch.Notes
	}
	if patch.Collection != nil {
		entry.Collection = *patch.Collection
	}
	if err := entry.normalize(); err != nil {
		return Entry{}, err
	}

	now := s.now().UTC()
	switch {
	case entry.Status != StatusCompleted:
		entry.CompletedAt = nil
	case previous != StatusCompleted:
		entry.CompletedAt = &now
	}
	entry.UpdatedAt = now

	var completedAt any
	if entry.CompletedAt != nil {
		completedAt = entry.CompletedAt.UnixMilli()
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE library_entries
		SET status = ?, rating = ?, notes = ?, collection = ?, updated_at = ?, completed_at = ?
		WHERE id = ?`,
		string(entry.Status), nullableRating(entry.Rating), entry.Notes, entry.Collection,
		now.UnixMilli(), completedAt, entry.ID,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("update library entry: %w", err)
	}
	return s.Get(ctx, entry.ID)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM library_entries WHERE id = ?", strings.TrimSpace(id))
	if err != nil {
		return fmt.Errorf("delete library entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete library entry: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns entries matching filter, most recently updated first.
func (s *Store) List(ctx context.Context, filter Filter) ([]Entry, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.Type != "" {
		clauses = append(clauses, "media_type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if collection := strings.TrimSpace(filter.Collection); collection != "" {
		clauses = append(clauses, "collection = ?")
		args = append(args, collection)
	}

	query := "SELECT " + entryColumns + " FROM library_entries"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	query += " ORDER BY updated_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list library entries: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list library entries: %w", err)
	}
	return entries, nil
}

// ContainsResults reports, keyed by result ID, which of items are already in
// the library. Entries match on source, type and external id.
func (s *Store) ContainsResults(ctx context.Context, items []domain.SearchResult) (map[string]bool, error) {
	type catalogKey struct {
		source    string
		mediaType domain.MediaType
	}
	groups := make(map[catalogKey][]domain.SearchResult)
	for _, item := range items {
		key := catalogKey{
			source:    strings.ToLower(strings.TrimSpace(item.ExternalSource)),
			mediaType: item.Type,
		}
		if key.source == "" || key.mediaType == "" || strings.TrimSpace(item.ExternalID) == "" {
			continue
		}
		groups[key] = append(groups[key], item)
	}

	found := make(map[string]bool)
	for key, group := range groups {
		present, err := s.presentIDs(ctx, key.source, key.mediaType, group)
		if err != nil {
			return nil, err
		}
		for _, item := range group {
			if present[strings.TrimSpace(item.ExternalID)] {
				found[item.ID] = true
			}
		}
	}
	return found, nil
}

func (s *Store) presentIDs(ctx context.Context, source string, mediaType domain.MediaType, group []domain.SearchResult) (map[string]bool, error) {
	placeholders := make([]string, 0, len(group))
	args := make([]any, 0, len(group)+2)
	args = append(args, source, string(mediaType))
	for _, item := range group {
		placeholders = append(placeholders, "?")
		args = append(args, strings.TrimSpace(item.ExternalID))
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT external_id FROM library_entries WHERE external_source = ? AND media_type = ? AND external_id IN ("+strings.Join(placeholders, ", ")+")",
		args...)
	if err != nil {
		return nil, fmt.Errorf("check library: %w", err)
	}
	defer rows.Close()

	present := make(map[string]bool)
	for rows.Next() {
		var externalID string
		if err := rows.Scan(&externalID); err != nil {
			return nil, fmt.Errorf("check library: %w", err)
		}
		present[externalID] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("check library: %w", err)
	}
	return present, nil
}

// Stats aggregates the library and refreshes the per-type gauge.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		ByType:   make(map[domain.MediaType]int),
		ByStatus: make(map[Status]int),
	}

	rows, err := s.db.QueryContext(ctx, "SELECT media_type, status, COUNT(*) FROM library_entries GROUP BY media_type, status")
	if err != nil {
		return Stats{}, fmt.Errorf("library stats: %w", err)
	}
	for rows.Next() {
		var (
			mediaType string
			status    string
			count     int
		)
		if err := rows.Scan(&mediaType, &status, &count); err != nil {
			rows.Close()
			return Stats{}, fmt.Errorf("library stats: %w", err)
		}
		stats.Total += count
		stats.ByType[domain.MediaType(mediaType)] += count
		stats.ByStatus[Status(status)] += count
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return Stats{}, fmt.Errorf("library stats: %w", err)
	}

	var average sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, "SELECT AVG(rating) FROM library_entries WHERE rating IS NOT NULL").Scan(&average); err != nil {
		return Stats{}, fmt.Errorf("library stats: %w", err)
	}
	if average.Valid {
		value := roundTenth(average.Float64)
		stats.AverageRating = &value
	}

	now := s.now().UTC()
	yearStart := time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM library_entries WHERE status = ? AND completed_at >= ?",
		string(StatusCompleted), yearStart.UnixMilli(),
	).Scan(&stats.CompletedThisYear); err != nil {
		return Stats{}, fmt.Errorf("library stats: %w", err)
	}

	for _, mediaType := range domain.AllMediaTypes {
		metrics.LibraryEntries.WithLabelValues(string(mediaType)).Set(float64(stats.ByType[mediaType]))
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		entry       Entry
		mediaType   string
		status      string
		rating      sql.NullFloat64
		createdAt   int64
		updatedAt   int64
		completedAt sql.NullInt64
	)
	err := row.Scan(
		&entry.ID, &entry.ExternalSource, &entry.ExternalID, &mediaType, &entry.Title,
		&entry.Subtitle, &entry.CoverURL, &entry.Year, &status, &rating, &entry.Notes,
		&entry.Collection, &createdAt, &updatedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("scan library entry: %w", err)
	}
	entry.Type = domain.MediaType(mediaType)
	entry.Status = Status(status)
	if rating.Valid {
		value := rating.Float64
		entry.Rating = &value
	}
	entry.CreatedAt = time.UnixMilli(createdAt).UTC()
	entry.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if completedAt.Valid {
		value := time.UnixMilli(completedAt.Int64).UTC()
		entry.CompletedAt = &value
	}
	return entry, nil
}

func nullableRating(rating *float64) any {
	if rating == nil {
		return nil
	}
	return *rating
}

func roundTenth(value float64) float64 {
	return math.Round(value*10) / 10
}
