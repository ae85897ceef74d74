package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"morilens/internal/lens"
	logx "morilens/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const metaSavedAt = "saved_at"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Load(ctx context.Context) (lens.Snapshot, bool, error) {
	if s == nil || s.db == nil {
		return lens.Snapshot{}, false, ErrDisabled
	}
	var savedAt string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, metaSavedAt).Scan(&savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return lens.Snapshot{}, false, nil
	}
	if err != nil {
		return lens.Snapshot{}, false, err
	}

	snap := lens.Snapshot{ShortLinks: map[string]string{}}
	if t, perr := time.Parse(time.RFC3339Nano, savedAt); perr == nil {
		snap.SavedAt = t
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT code, name, owner_id, destination_id, expires_at, short_code, kind, created_at
		 FROM lenses ORDER BY seq`)
	if err != nil {
		return lens.Snapshot{}, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var l lens.Lens
		var kind string
		if err := rows.Scan(&l.Code, &l.Name, &l.OwnerID, &l.DestinationID, &l.ExpiresAt, &l.ShortCode, &kind, &l.CreatedAt); err != nil {
			return lens.Snapshot{}, false, err
		}
		l.Kind = lens.Kind(kind)
		snap.Lenses = append(snap.Lenses, l)
	}
	if err := rows.Err(); err != nil {
		return lens.Snapshot{}, false, err
	}

	links, err := s.db.QueryContext(ctx, `SELECT short, url FROM short_links ORDER BY seq`)
	if err != nil {
		return lens.Snapshot{}, false, err
	}
	defer links.Close()
	for links.Next() {
		var short, long string
		if err := links.Scan(&short, &long); err != nil {
			return lens.Snapshot{}, false, err
		}
		snap.ShortLinks[short] = long
	}
	if err := links.Err(); err != nil {
		return lens.Snapshot{}, false, err
	}
	return snap, true, nil
}

// Save replaces every row in a single transaction.
func (s *sqliteStore) Save(ctx context.Context, snap lens.Snapshot) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM lenses`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM short_links`); err != nil {
		return err
	}

	insLens, err := tx.PrepareContext(ctx,
		`INSERT INTO lenses(code, name, owner_id, destination_id, expires_at, short_code, kind, created_at)
		 VALUES(?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer insLens.Close()
	for _, l := range snap.Lenses {
		if _, err := insLens.ExecContext(ctx, l.Code, l.Name, l.OwnerID, l.DestinationID, l.ExpiresAt, l.ShortCode, string(l.Kind), l.CreatedAt); err != nil {
			return fmt.Errorf("insert lens %s: %w", l.Code, err)
		}
	}

	insLink, err := tx.PrepareContext(ctx, `INSERT INTO short_links(short, url) VALUES(?,?)`)
	if err != nil {
		return err
	}
	defer insLink.Close()
	for short, long := range snap.ShortLinks {
		if _, err := insLink.ExecContext(ctx, short, long); err != nil {
			return fmt.Errorf("insert short link %s: %w", short, err)
		}
	}

	savedAt := snap.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meta(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		metaSavedAt, savedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return err
	}
	return tx.Commit()
}
