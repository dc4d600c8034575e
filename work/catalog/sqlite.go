package catalog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"

	"lanmedia/work/logger"
	"lanmedia/work/profiles"
)

//go:embed migrations/*.sql
var migrations embed.FS

const entryColumns = `path, parent, title, item_type, duration_ms, sample_rate, channel_mask,
	width, height, pixel_aspect, frame_rate, played, date, artist, album, track, size`

// SQLite is a catalog persisted in a SQLite database in WAL mode. It is the
// backing store for catalogs maintained by an external indexer.
type SQLite struct {
	db  *sql.DB
	log *logger.Logger
}

// OpenSQLite opens or creates the catalog database at path and applies any
// pending migrations.
func OpenSQLite(path string, log *logger.Logger) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLite{db: db, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog migration failed: %w", err)
	}
	log.Info("[CATALOG] SQLite catalog opened: %s", path)
	return s, nil
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	files, err := migrations.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(f.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("bad migration name %s: %w", f.Name(), err)
		}

		var applied bool
		if err := s.db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version).Scan(&applied); err != nil {
			return fmt.Errorf("failed to check migration status: %w", err)
		}
		if applied {
			continue
		}

		content, err := migrations.ReadFile("migrations/" + f.Name())
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", f.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %s: %w", f.Name(), err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", f.Name(), err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", f.Name(), err)
		}
		s.log.Debug("[CATALOG] Applied migration: %s", f.Name())
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Put inserts or replaces entries in one transaction. Missing parent
// containers are created.
func (s *SQLite) Put(ctx context.Context, entries ...Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, e := range entries {
		e.Path = Clean(e.Path)
		e.Parent = ParentOf(e.Path)
		for dir := e.Parent; dir != "" && dir != RootPath; dir = ParentOf(dir) {
			_, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO entries (path, parent, title, item_type) VALUES (?, ?, ?, ?)`,
				dir, ParentOf(dir), baseName(dir), int(containerType))
			if err != nil {
				return fmt.Errorf("create container %s: %w", dir, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO entries (`+entryColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, entryArgs(e)...); err != nil {
			return fmt.Errorf("store %s: %w", e.Path, err)
		}
	}
	return tx.Commit()
}

// Delete removes an entry and everything below it.
func (s *SQLite) Delete(ctx context.Context, p string) error {
	p = Clean(p)
	if p == RootPath {
		return errors.New("cannot delete the root container")
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE path = ? OR path LIKE ? ESCAPE '\'`, p, likePrefix(p))
	return err
}

// Revision is bumped by triggers on every write to the entries table.
func (s *SQLite) Revision(ctx context.Context) (int64, error) {
	var rev int64
	err := s.db.QueryRowContext(ctx, `SELECT revision FROM catalog_revision WHERE id = 1`).Scan(&rev)
	return rev, err
}

func (s *SQLite) GetItem(ctx context.Context, p string) (Entry, error) {
	p = Clean(p)
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE path = ?`, p)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	return e, err
}

func (s *SQLite) ListChildren(ctx context.Context, p string, start, count int) ([]Entry, int, error) {
	parent, err := s.GetItem(ctx, p)
	if err != nil {
		return nil, 0, err
	}
	if !parent.IsContainer() {
		return nil, 0, nil
	}
	all, err := s.query(ctx, `SELECT `+entryColumns+` FROM entries WHERE parent = ?`, parent.Path)
	if err != nil {
		return nil, 0, err
	}
	slices.SortFunc(all, compareEntries)
	return page(all, start, count), len(all), nil
}

func (s *SQLite) Search(ctx context.Context, p string, match Match, start, count int) ([]Entry, int, error) {
	root, err := s.GetItem(ctx, p)
	if err != nil {
		return nil, 0, err
	}
	below, err := s.query(ctx, `SELECT `+entryColumns+` FROM entries WHERE path != ? AND path LIKE ? ESCAPE '\'`,
		root.Path, likePrefix(root.Path))
	if err != nil {
		return nil, 0, err
	}
	all := below[:0]
	for _, e := range below {
		if match == nil || match(e) {
			all = append(all, e)
		}
	}
	slices.SortFunc(all, compareEntries)
	return page(all, start, count), len(all), nil
}

func (s *SQLite) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(r scanner) (Entry, error) {
	var (
		e        Entry
		itemType int
		duration int64
		mask     uint32
		date     string
	)
	err := r.Scan(&e.Path, &e.Parent, &e.Title, &itemType, &duration, &e.Audio.SampleRate, &mask,
		&e.Video.Width, &e.Video.Height, &e.Video.PixelAspect, &e.Video.FrameRate,
		&e.Played, &date, &e.Artist, &e.Album, &e.Track, &e.Size)
	if err != nil {
		return Entry{}, err
	}
	e.Type = profiles.ItemType(itemType)
	e.Duration = time.Duration(duration) * time.Millisecond
	e.Audio.Channels = profiles.ChannelsFromMask(mask)
	if e.Type.IsImage() {
		e.Image = profiles.ImageSize{Width: e.Video.Width, Height: e.Video.Height}
		e.Video = profiles.VideoFormat{}
	}
	if date != "" {
		e.Date, _ = time.Parse(time.RFC3339, date)
	}
	return e, nil
}

func entryArgs(e Entry) []any {
	width, height := e.Video.Width, e.Video.Height
	if e.Type.IsImage() {
		width, height = e.Image.Width, e.Image.Height
	}
	var date string
	if !e.Date.IsZero() {
		date = e.Date.UTC().Format(time.RFC3339)
	}
	return []any{
		e.Path, e.Parent, e.Title, int(e.Type), e.Duration.Milliseconds(),
		e.Audio.SampleRate, e.Audio.Channels.Mask(),
		width, height, e.Video.PixelAspect, e.Video.FrameRate,
		e.Played, date, e.Artist, e.Album, e.Track, e.Size,
	}
}

func likePrefix(dir string) string {
	esc := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(dir)
	if dir == RootPath {
		return "/%"
	}
	return esc + "/%"
}
