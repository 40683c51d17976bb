package store

import (
	"database/sql"
	"time"
)

const (
	metaLastReset     = "last_reset_at"
	metaLastEvaluated = "last_evaluated_at"
)

// SetMetadata upserts a key-value pair in the metadata table.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?`,
		key, value, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// MarkEvaluated records when the last batch evaluation finished.
func (s *Store) MarkEvaluated(at time.Time) error {
	return s.SetMetadata(metaLastEvaluated, at.UTC().Format(time.RFC3339))
}

// CorpusInfo summarises the state of the stored corpus.
type CorpusInfo struct {
	Uploads         int        `json:"uploads"`
	Pending         int        `json:"pending"`
	LastEvaluatedAt *time.Time `json:"last_evaluated_at,omitempty"`
	LastResetAt     *time.Time `json:"last_reset_at,omitempty"`
}

// GetCorpusInfo reads upload counts and the evaluation and reset timestamps.
func (s *Store) GetCorpusInfo() (CorpusInfo, error) {
	var info CorpusInfo
	if err := s.db.QueryRow(
		`SELECT COUNT(*), COUNT(*) - COUNT(result) FROM uploads`,
	).Scan(&info.Uploads, &info.Pending); err != nil {
		return info, err
	}

	var err error
	if info.LastEvaluatedAt, err = s.metaTime(metaLastEvaluated); err != nil {
		return info, err
	}
	if info.LastResetAt, err = s.metaTime(metaLastReset); err != nil {
		return info, err
	}
	return info, nil
}

func (s *Store) metaTime(key string) (*time.Time, error) {
	v, err := s.GetMetadata(key)
	if err != nil || v == "" {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
