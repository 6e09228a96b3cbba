// Package persist implements the optional Persistence snapshot (§4.J): a
// durable SQLite mirror of the Task Registry, tied to the original
// engine's save_tasks/cfg_path init parameters which spec.md's distillation
// dropped but which original_source/ shows clearly.
//
// Grounded on internal/download/state/state.go and internal/engine/state/
// state.go — two parallel, near-duplicate SQLite-backed state mirrors in
// the teacher repo — consolidated here into one package, using
// modernc.org/sqlite and google/uuid exactly as the teacher does.
package persist

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/gametools/dlcore/registry"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	row_id TEXT PRIMARY KEY,
	task_id INTEGER UNIQUE NOT NULL,
	parent_id INTEGER NOT NULL DEFAULT 0,
	save_name TEXT NOT NULL,
	save_path TEXT NOT NULL,
	url TEXT NOT NULL DEFAULT '',
	hash TEXT NOT NULL DEFAULT '',
	token TEXT NOT NULL DEFAULT '',
	file_size INTEGER NOT NULL DEFAULT 0,
	chunk_count INTEGER NOT NULL DEFAULT 0,
	finish_chunk INTEGER NOT NULL DEFAULT 0,
	chunk_index INTEGER NOT NULL DEFAULT 0,
	chunk_start INTEGER NOT NULL DEFAULT 0,
	chunk_end INTEGER NOT NULL DEFAULT 0,
	state_code INTEGER NOT NULL,
	downloaded_size INTEGER NOT NULL DEFAULT 0,
	priority INTEGER NOT NULL DEFAULT 0
);
`

// Store is a durable mirror of the registry, opened against a single
// SQLite file at cfg_path.
type Store struct {
	db *sql.DB
}

// Open creates/opens the snapshot database at path and ensures its schema
// exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("persist: open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("persist: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Record is the durable row shape for one task (parent or chunk child).
type Record struct {
	TaskId         registry.TaskId
	ParentId       registry.TaskId
	SaveName       string
	SavePath       string
	URL            string
	Hash           string
	Token          string
	FileSize       int64
	ChunkCount     int
	FinishChunk    int
	ChunkIndex     int
	ChunkStart     int64
	ChunkEnd       int64
	StateCode      registry.StateCode
	DownloadedSize int64
	Priority       uint32
}

// Save upserts rec, keyed by TaskId.
func (s *Store) Save(rec Record) error {
	_, err := s.db.Exec(`
		INSERT INTO tasks (
			row_id, task_id, parent_id, save_name, save_path, url, hash, token,
			file_size, chunk_count, finish_chunk, chunk_index, chunk_start, chunk_end,
			state_code, downloaded_size, priority
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			parent_id=excluded.parent_id,
			save_name=excluded.save_name,
			save_path=excluded.save_path,
			url=excluded.url,
			hash=excluded.hash,
			token=excluded.token,
			file_size=excluded.file_size,
			chunk_count=excluded.chunk_count,
			finish_chunk=excluded.finish_chunk,
			chunk_index=excluded.chunk_index,
			chunk_start=excluded.chunk_start,
			chunk_end=excluded.chunk_end,
			state_code=excluded.state_code,
			downloaded_size=excluded.downloaded_size,
			priority=excluded.priority
	`,
		uuid.New().String(), int64(rec.TaskId), int64(rec.ParentId), rec.SaveName, rec.SavePath,
		rec.URL, rec.Hash, rec.Token, rec.FileSize, rec.ChunkCount, rec.FinishChunk,
		rec.ChunkIndex, rec.ChunkStart, rec.ChunkEnd, int32(rec.StateCode), rec.DownloadedSize, rec.Priority,
	)
	if err != nil {
		return fmt.Errorf("persist: save task %d: %w", rec.TaskId, err)
	}
	return nil
}

// Delete removes the row for taskID, if present.
func (s *Store) Delete(taskID registry.TaskId) error {
	_, err := s.db.Exec("DELETE FROM tasks WHERE task_id = ?", int64(taskID))
	if err != nil {
		return fmt.Errorf("persist: delete task %d: %w", taskID, err)
	}
	return nil
}

// LoadAll returns every durable row, for rehydrating a Registry at
// construction when save_tasks is enabled.
func (s *Store) LoadAll() ([]Record, error) {
	rows, err := s.db.Query(`
		SELECT task_id, parent_id, save_name, save_path, url, hash, token,
			file_size, chunk_count, finish_chunk, chunk_index, chunk_start, chunk_end,
			state_code, downloaded_size, priority
		FROM tasks
	`)
	if err != nil {
		return nil, fmt.Errorf("persist: load all: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var taskID, parentID int64
		var stateCode int32
		if err := rows.Scan(
			&taskID, &parentID, &rec.SaveName, &rec.SavePath, &rec.URL, &rec.Hash, &rec.Token,
			&rec.FileSize, &rec.ChunkCount, &rec.FinishChunk, &rec.ChunkIndex, &rec.ChunkStart, &rec.ChunkEnd,
			&stateCode, &rec.DownloadedSize, &rec.Priority,
		); err != nil {
			return nil, fmt.Errorf("persist: scan row: %w", err)
		}
		rec.TaskId = registry.TaskId(taskID)
		rec.ParentId = registry.TaskId(parentID)
		rec.StateCode = registry.StateCode(stateCode)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordFromRegistry builds a durable Record from a live descriptor+state
// pair, for use in a Registry.SetOnMutate callback.
func RecordFromRegistry(d registry.Descriptor, st *registry.State) Record {
	snap := st.Snapshot()
	return Record{
		TaskId:         d.Id,
		ParentId:       d.ParentId,
		SaveName:       d.SaveName,
		SavePath:       d.SavePath,
		URL:            d.URL,
		Hash:           d.Hash,
		Token:          d.Token,
		FileSize:       d.FileSize,
		ChunkCount:     d.ChunkCount,
		FinishChunk:    d.FinishChunk,
		ChunkIndex:     d.ChunkIndex,
		ChunkStart:     d.ChunkStart,
		ChunkEnd:       d.ChunkEnd,
		StateCode:      snap.Code,
		DownloadedSize: snap.Downloaded,
		Priority:       snap.Priority,
	}
}
