package roomdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"buildcraft.ai/internal/persistence/snapshot"
	"buildcraft.ai/internal/sim/model"
)

// SQLiteRooms is the relay's durable room state. Reads go straight to the
// database; writes are queued to a single writer goroutine and batched into
// transactions.
type SQLiteRooms struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropPut      atomic.Uint64
	dropDelete   atomic.Uint64
	dropSnapshot atomic.Uint64
}

type reqKind int

const (
	reqPut reqKind = iota + 1
	reqDelete
	reqSnapshot
	reqSync
)

type req struct {
	kind reqKind

	room     string
	obj      model.BuildObject
	id       string
	snapshot snapshotRow
	done     chan struct{}
}

type snapshotRow struct {
	Room    string
	TakenAt int64
	Path    string
	Objects int
}

type Stats struct {
	DropPutTotal      uint64
	DropDeleteTotal   uint64
	DropSnapshotTotal uint64
	QueueDepth        int
	QueueCapacity     int
}

func OpenSQLite(path string) (*SQLiteRooms, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteRooms{
		db: db,
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS objects (
			room TEXT NOT NULL,
			id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			raw_json TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (room, id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_objects_expires ON objects(room, expires_at);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			room TEXT NOT NULL,
			taken_at INTEGER NOT NULL,
			path TEXT NOT NULL,
			objects INTEGER NOT NULL,
			PRIMARY KEY (room, taken_at)
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteRooms) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteRooms) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		DropPutTotal:      s.dropPut.Load(),
		DropDeleteTotal:   s.dropDelete.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
	}
}

func (s *SQLiteRooms) PutObject(room string, obj model.BuildObject) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqPut, room: room, obj: obj.Clone()}:
	default:
		s.dropPut.Add(1)
	}
}

func (s *SQLiteRooms) DeleteObject(room, id string) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqDelete, room: room, id: id}:
	default:
		s.dropDelete.Add(1)
	}
}

// RecordSnapshot indexes a snapshot file written for room.
func (s *SQLiteRooms) RecordSnapshot(path string, snap snapshot.RoomV1) {
	if s == nil || s.closed.Load() {
		return
	}
	r := snapshotRow{
		Room:    snap.Header.Room,
		TakenAt: snap.Header.TakenAt,
		Path:    path,
		Objects: len(snap.Objects),
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: r}:
	default:
		s.dropSnapshot.Add(1)
	}
}

// Sync waits until every write queued before it is committed.
func (s *SQLiteRooms) Sync(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqSync, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LoadRoom returns every stored object of room, expired ones included.
func (s *SQLiteRooms) LoadRoom(room string) ([]model.BuildObject, error) {
	rows, err := s.db.Query(`SELECT raw_json FROM objects WHERE room = ? ORDER BY id`, room)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.BuildObject
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var o model.BuildObject
		if err := json.Unmarshal([]byte(raw), &o); err != nil {
			return nil, fmt.Errorf("object row: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type RoomSummary struct {
	Room     string `json:"room"`
	Objects  int    `json:"objects"`
	LastSnap int64  `json:"last_snapshot_ms,omitempty"`
}

// Rooms summarizes every room with stored objects or snapshots.
func (s *SQLiteRooms) Rooms(ctx context.Context) ([]RoomSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.room,
			(SELECT COUNT(*) FROM objects o WHERE o.room = r.room),
			(SELECT COALESCE(MAX(taken_at), 0) FROM snapshots sn WHERE sn.room = r.room)
		FROM (SELECT room FROM objects UNION SELECT room FROM snapshots) r
		ORDER BY r.room`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RoomSummary
	for rows.Next() {
		var rs RoomSummary
		if err := rows.Scan(&rs.Room, &rs.Objects, &rs.LastSnap); err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

func (s *SQLiteRooms) loop() {
	ctx := context.Background()

	upsertObject, _ := s.db.Prepare(`INSERT OR REPLACE INTO objects(room,id,owner_id,kind,created_at,expires_at,raw_json,updated_at) VALUES(?,?,?,?,?,?,?,?)`)
	deleteObject, _ := s.db.Prepare(`DELETE FROM objects WHERE room = ? AND id = ?`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(room,taken_at,path,objects) VALUES(?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{upsertObject, deleteObject, insertSnapshot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		if r.kind == reqSync {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqPut:
			raw, err := json.Marshal(r.obj)
			if err != nil || upsertObject == nil {
				continue
			}
			if _, err := tx.Stmt(upsertObject).Exec(
				r.room,
				r.obj.ID,
				r.obj.OwnerID,
				string(r.obj.Kind),
				r.obj.CreatedAt,
				r.obj.ExpiresAt,
				string(raw),
				time.Now().UTC().Format(time.RFC3339Nano),
			); err != nil {
				rollback()
				continue
			}
			opCount++

		case reqDelete:
			if deleteObject == nil {
				continue
			}
			if _, err := tx.Stmt(deleteObject).Exec(r.room, r.id); err != nil {
				rollback()
				continue
			}
			opCount++

		case reqSnapshot:
			sn := r.snapshot
			if insertSnapshot == nil {
				continue
			}
			if _, err := tx.Stmt(insertSnapshot).Exec(sn.Room, sn.TakenAt, sn.Path, sn.Objects); err != nil {
				rollback()
				continue
			}
			opCount++
		}
		// Readers share the single connection, so never leave a tx open
		// while the queue is idle.
		if opCount >= commitEvery || len(s.ch) == 0 || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	commit()
}
