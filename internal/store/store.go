package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/omrgrader/internal/model"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS uploads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL DEFAULT '',
		image_path TEXT NOT NULL,
		file_hash TEXT NOT NULL DEFAULT '',
		uploaded_at DATETIME NOT NULL,
		result TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_uploads_hash ON uploads(file_hash);

	CREATE TABLE IF NOT EXISTS answer_keys (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		filename TEXT NOT NULL,
		file_hash TEXT NOT NULL DEFAULT '',
		answers TEXT NOT NULL,
		uploaded_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateUpload stores a newly uploaded sheet image. The result stays empty
// until the sheet is evaluated.
func (s *Store) CreateUpload(u model.Upload) (int64, error) {
	if u.UploadedAt.IsZero() {
		u.UploadedAt = time.Now()
	}
	res, err := s.db.Exec(
		`INSERT INTO uploads (title, image_path, file_hash, uploaded_at) VALUES (?, ?, ?, ?)`,
		u.Title, u.ImagePath, u.FileHash, u.UploadedAt,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const uploadColumns = `id, title, image_path, file_hash, uploaded_at, result`

// GetUpload returns an upload by ID.
func (s *Store) GetUpload(id int64) (model.Upload, error) {
	u, err := scanUpload(s.db.QueryRow(`SELECT `+uploadColumns+` FROM uploads WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return u, fmt.Errorf("upload %d: %w", id, ErrNotFound)
	}
	return u, err
}

// UploadByHash returns the first upload with the given content hash, or nil.
func (s *Store) UploadByHash(hash string) (*model.Upload, error) {
	u, err := scanUpload(s.db.QueryRow(`SELECT `+uploadColumns+` FROM uploads WHERE file_hash = ? ORDER BY id LIMIT 1`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUploads returns all uploads, newest first.
func (s *Store) ListUploads() ([]model.Upload, error) {
	return s.queryUploads(`SELECT ` + uploadColumns + ` FROM uploads ORDER BY id DESC`)
}

// PendingUploads returns uploads that have not been evaluated yet, oldest first.
func (s *Store) PendingUploads() ([]model.Upload, error) {
	return s.queryUploads(`SELECT ` + uploadColumns + ` FROM uploads WHERE result IS NULL ORDER BY id`)
}

// EvaluatedUploads returns uploads holding a result, oldest first.
func (s *Store) EvaluatedUploads() ([]model.Upload, error) {
	return s.queryUploads(`SELECT ` + uploadColumns + ` FROM uploads WHERE result IS NOT NULL ORDER BY id`)
}

// SaveResult stores the evaluation result of an upload.
func (s *Store) SaveResult(id int64, r *model.SheetResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	res, err := s.db.Exec(`UPDATE uploads SET result = ? WHERE id = ?`, string(data), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("upload %d: %w", id, ErrNotFound)
	}
	return nil
}

// UploadCount returns the number of stored uploads.
func (s *Store) UploadCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM uploads`).Scan(&count)
	return count, err
}

func (s *Store) queryUploads(query string, args ...any) ([]model.Upload, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var uploads []model.Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, u)
	}
	return uploads, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUpload(row scanner) (model.Upload, error) {
	var u model.Upload
	var result sql.NullString
	if err := row.Scan(&u.ID, &u.Title, &u.ImagePath, &u.FileHash, &u.UploadedAt, &result); err != nil {
		return u, err
	}
	if result.Valid {
		u.Result = &model.SheetResult{}
		if err := json.Unmarshal([]byte(result.String), u.Result); err != nil {
			return u, fmt.Errorf("decode result of upload %d: %w", u.ID, err)
		}
	}
	return u, nil
}

// CreateAnswerKey stores an uploaded key file with its parsed mapping. The
// newest key is the one used for evaluation.
func (s *Store) CreateAnswerKey(k model.AnswerKeyRecord) (int64, error) {
	data, err := json.Marshal(k.Answers)
	if err != nil {
		return 0, fmt.Errorf("marshal answers: %w", err)
	}
	if k.UploadedAt.IsZero() {
		k.UploadedAt = time.Now()
	}
	res, err := s.db.Exec(
		`INSERT INTO answer_keys (filename, file_hash, answers, uploaded_at) VALUES (?, ?, ?, ?)`,
		k.Filename, k.FileHash, string(data), k.UploadedAt,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// LatestAnswerKey returns the most recently uploaded key, or nil if none exists.
func (s *Store) LatestAnswerKey() (*model.AnswerKeyRecord, error) {
	var k model.AnswerKeyRecord
	var answers string
	err := s.db.QueryRow(
		`SELECT id, filename, file_hash, answers, uploaded_at FROM answer_keys ORDER BY id DESC LIMIT 1`,
	).Scan(&k.ID, &k.Filename, &k.FileHash, &answers, &k.UploadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(answers), &k.Answers); err != nil {
		return nil, fmt.Errorf("decode answers of key %d: %w", k.ID, err)
	}
	return &k, nil
}

// ResetCorpus deletes every upload and answer key and returns the paths of
// the files they referenced so the caller can remove them.
func (s *Store) ResetCorpus() ([]string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var paths []string
	for _, q := range []string{`SELECT image_path FROM uploads`, `SELECT filename FROM answer_keys`} {
		rows, err := tx.Query(q)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				rows.Close()
				return nil, err
			}
			paths = append(paths, p)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
	}

	for _, q := range []string{`DELETE FROM uploads`, `DELETE FROM answer_keys`} {
		if _, err := tx.Exec(q); err != nil {
			return nil, err
		}
	}
	if _, err := tx.Exec(
		`INSERT INTO metadata (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaLastReset, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return nil, err
	}
	return paths, tx.Commit()
}
