package spectator

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// BundleRecord is one catalogued replay bundle.
type BundleRecord struct {
	ID        int64
	GameID    string
	Directory string
	CreatedAt time.Time
	FirstTick uint64
	LastTick  uint64
}

// Index is the sqlite-backed catalogue of recorded bundles, serving
// match-history queries without scanning the replay directory.
type Index struct {
	db *sql.DB
}

// OpenIndex opens or creates the catalogue database at path.
func OpenIndex(path string) (*Index, error) {
	if path == "" {
		return nil, fmt.Errorf("index path must be provided")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	const schema = `
CREATE TABLE IF NOT EXISTS bundles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	game_id TEXT NOT NULL,
	directory TEXT NOT NULL UNIQUE,
	created_at TIMESTAMP NOT NULL,
	first_tick INTEGER NOT NULL,
	last_tick INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS bundles_game_id ON bundles(game_id);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the database handle.
func (i *Index) Close() error {
	if i == nil || i.db == nil {
		return nil
	}
	return i.db.Close()
}

// Add catalogues a finished bundle.
func (i *Index) Add(record BundleRecord) (int64, error) {
	if i == nil || i.db == nil {
		return 0, fmt.Errorf("index not open")
	}
	result, err := i.db.Exec(
		`INSERT INTO bundles (game_id, directory, created_at, first_tick, last_tick) VALUES (?, ?, ?, ?, ?)`,
		record.GameID, record.Directory, record.CreatedAt.UTC(), int64(record.FirstTick), int64(record.LastTick),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// Remove drops the catalogue entry for a deleted bundle directory.
func (i *Index) Remove(directory string) error {
	if i == nil || i.db == nil {
		return fmt.Errorf("index not open")
	}
	_, err := i.db.Exec(`DELETE FROM bundles WHERE directory = ?`, directory)
	return err
}

// Recent lists the newest bundles, most recent first.
func (i *Index) Recent(limit int) ([]BundleRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	return i.query(`SELECT id, game_id, directory, created_at, first_tick, last_tick
FROM bundles ORDER BY created_at DESC LIMIT ?`, limit)
}

// ByGame lists every bundle recorded for one game, oldest first.
func (i *Index) ByGame(gameID string) ([]BundleRecord, error) {
	return i.query(`SELECT id, game_id, directory, created_at, first_tick, last_tick
FROM bundles WHERE game_id = ? ORDER BY created_at ASC`, gameID)
}

func (i *Index) query(statement string, args ...any) ([]BundleRecord, error) {
	if i == nil || i.db == nil {
		return nil, fmt.Errorf("index not open")
	}
	rows, err := i.db.Query(statement, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []BundleRecord
	for rows.Next() {
		var record BundleRecord
		var firstTick, lastTick int64
		if err := rows.Scan(&record.ID, &record.GameID, &record.Directory, &record.CreatedAt, &firstTick, &lastTick); err != nil {
			return nil, err
		}
		record.FirstTick = uint64(firstTick)
		record.LastTick = uint64(lastTick)
		records = append(records, record)
	}
	return records, rows.Err()
}
