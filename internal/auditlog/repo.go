// Package auditlog persists per-submission decisions in rolling SQLite
// databases so operators can review what was blocked and why.
package auditlog

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Row is one decision ready for insertion.
type Row struct {
	ID           string
	TsNs         int64
	VHostID      string
	EndpointID   string
	Hostname     string
	Path         string
	HTTPMethod   string
	ClientIP     string
	Country      string
	Outcome      string
	Computed     string
	Mode         string
	Score        float64
	WouldBlock   bool
	Passthrough  bool
	ShortCircuit string
	Flags        []string
	DigestHex    string
	DurationNs   int64
}

// Summary is the query-side view of a decision row.
type Summary struct {
	ID           string   `json:"id"`
	TsNs         int64    `json:"ts_ns"`
	VHostID      string   `json:"vhost_id"`
	EndpointID   string   `json:"endpoint_id"`
	Hostname     string   `json:"hostname"`
	Path         string   `json:"path"`
	HTTPMethod   string   `json:"http_method"`
	ClientIP     string   `json:"client_ip"`
	Country      string   `json:"country"`
	Outcome      string   `json:"outcome"`
	Computed     string   `json:"computed"`
	Mode         string   `json:"mode"`
	Score        float64  `json:"score"`
	WouldBlock   bool     `json:"would_block"`
	Passthrough  bool     `json:"passthrough"`
	ShortCircuit string   `json:"short_circuit,omitempty"`
	Flags        []string `json:"flags,omitempty"`
	DigestHex    string   `json:"digest_hex,omitempty"`
	DurationNs   int64    `json:"duration_ns"`
}

// ListFilter specifies query filters for listing decisions.
type ListFilter struct {
	VHostID    string
	EndpointID string
	ClientIP   string
	Outcome    string
	DigestHex  string
	WouldBlock *bool
	Before     int64 // ts_ns < Before (0 means no upper bound)
	After      int64 // ts_ns > After (0 means no lower bound)
	Limit      int
	Offset     int
}

// Repo manages rolling SQLite databases for the decision audit trail.
// Each DB is named audit_logs-<unix_ms>.db and lives in logDir.
type Repo struct {
	logDir      string
	maxBytes    int64
	retainCount int

	activeDB   *sql.DB
	activePath string
}

// NewRepo creates a Repo that manages rolling audit databases.
// maxBytes controls when the active DB is rotated; retainCount sets
// how many historical DB files are kept.
func NewRepo(logDir string, maxBytes int64, retainCount int) *Repo {
	if maxBytes <= 0 {
		maxBytes = 256 * 1024 * 1024 // 256 MB default
	}
	if retainCount <= 0 {
		retainCount = 5
	}
	return &Repo{
		logDir:      logDir,
		maxBytes:    maxBytes,
		retainCount: retainCount,
	}
}

// Open opens (or creates) the active audit database. If a previous DB
// exists in the directory it is reused as active; a new one is created
// only when no existing DB is found.
func (r *Repo) Open() error {
	if err := os.MkdirAll(r.logDir, 0o755); err != nil {
		return fmt.Errorf("auditlog repo mkdir %s: %w", r.logDir, err)
	}

	files, err := r.listDBFiles()
	if err != nil {
		return fmt.Errorf("auditlog repo open: %w", err)
	}

	if len(files) > 0 {
		latest := files[len(files)-1]
		if err := r.openActive(latest); err != nil {
			return err
		}
		return r.cleanup()
	}
	return r.rotateDB()
}

// Close closes the active DB.
func (r *Repo) Close() error {
	if r.activeDB != nil {
		err := r.activeDB.Close()
		r.activeDB = nil
		r.activePath = ""
		return err
	}
	return nil
}

// InsertBatch inserts a batch of decision rows in a single transaction.
// Returns the number of rows successfully inserted.
func (r *Repo) InsertBatch(entries []Row) (int, error) {
	if r.activeDB == nil {
		return 0, fmt.Errorf("auditlog repo: no active db")
	}

	if err := r.maybeRotate(); err != nil {
		return 0, fmt.Errorf("auditlog repo rotate: %w", err)
	}

	tx, err := r.activeDB.Begin()
	if err != nil {
		return 0, fmt.Errorf("auditlog repo begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO audit_logs (
		id, ts_ns, vhost_id, endpoint_id, hostname, path, http_method,
		client_ip, country, outcome, computed, mode, score,
		would_block, passthrough, short_circuit, flags, digest_hex, duration_ns
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return 0, fmt.Errorf("auditlog repo prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := range entries {
		e := &entries[i]
		flags, err := json.Marshal(e.Flags)
		if err != nil {
			flags = []byte("[]")
		}
		_, err = stmt.Exec(
			e.ID, e.TsNs, e.VHostID, e.EndpointID, e.Hostname, e.Path, e.HTTPMethod,
			e.ClientIP, e.Country, e.Outcome, e.Computed, e.Mode, e.Score,
			boolToInt(e.WouldBlock), boolToInt(e.Passthrough),
			e.ShortCircuit, string(flags), e.DigestHex, e.DurationNs,
		)
		if err != nil {
			log.Printf("[auditlog] warning: skip row id=%q insert failed: %v", e.ID, err)
			continue // skip individual row errors
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("auditlog repo commit: %w", err)
	}
	return inserted, nil
}

// List queries all retained DBs and returns matching decisions ordered
// by ts_ns DESC.
func (r *Repo) List(f ListFilter) ([]Summary, error) {
	files, err := r.listDBFiles()
	if err != nil {
		return nil, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 10000 {
		limit = 10000
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	// Fetch limit+offset from every retained DB, then globally merge-sort.
	// A submission's ts_ns can lag the DB filename time when flushed late,
	// so per-file early stop would drop rows.
	fetchLimit := limit + offset
	var results []Summary
	for i := len(files) - 1; i >= 0; i-- {
		db, err := r.openReadOnly(files[i])
		if err != nil {
			log.Printf("[auditlog] warning: list open db failed path=%q: %v", files[i], err)
			continue
		}
		rows, err := r.queryRows(db, f, fetchLimit)
		if closeErr := db.Close(); closeErr != nil {
			log.Printf("[auditlog] warning: list close db failed path=%q: %v", files[i], closeErr)
		}
		if err != nil {
			log.Printf("[auditlog] warning: list query failed path=%q: %v", files[i], err)
			continue
		}
		results = append(results, rows...)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].TsNs != results[j].TsNs {
			return results[i].TsNs > results[j].TsNs
		}
		return results[i].ID < results[j].ID
	})
	if offset >= len(results) {
		return nil, nil
	}
	results = results[offset:]
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// GetByID looks up a single decision across all retained DBs.
func (r *Repo) GetByID(id string) (*Summary, error) {
	files, err := r.listDBFiles()
	if err != nil {
		return nil, err
	}

	for i := len(files) - 1; i >= 0; i-- {
		db, err := r.openReadOnly(files[i])
		if err != nil {
			log.Printf("[auditlog] warning: get_by_id open db failed path=%q id=%q: %v", files[i], id, err)
			continue
		}
		row, err := r.queryByID(db, id)
		if closeErr := db.Close(); closeErr != nil {
			log.Printf("[auditlog] warning: get_by_id close db failed path=%q id=%q: %v", files[i], id, closeErr)
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			log.Printf("[auditlog] warning: get_by_id query failed path=%q id=%q: %v", files[i], id, err)
		}
		if err == nil && row != nil {
			return row, nil
		}
	}
	return nil, nil
}

// --- internal helpers ---

func (r *Repo) openActive(path string) error {
	db, err := openDB(path)
	if err != nil {
		return err
	}
	r.activeDB = db
	r.activePath = path
	return nil
}

func (r *Repo) rotateDB() error {
	if r.activeDB != nil {
		r.activeDB.Close()
		r.activeDB = nil
	}
	name := fmt.Sprintf("audit_logs-%d.db", time.Now().UnixMilli())
	path := filepath.Join(r.logDir, name)
	if err := r.openActive(path); err != nil {
		return fmt.Errorf("auditlog rotate: %w", err)
	}
	return r.cleanup()
}

func (r *Repo) maybeRotate() error {
	if r.activePath == "" {
		return r.rotateDB()
	}
	totalSize, err := sqliteFilesSize(r.activePath)
	if err != nil {
		log.Printf("[auditlog] warning: stat active db failed path=%q: %v", r.activePath, err)
		return nil // can't stat; skip rotation check
	}
	if totalSize >= r.maxBytes {
		return r.rotateDB()
	}
	return nil
}

func (r *Repo) cleanup() error {
	files, err := r.listDBFiles()
	if err != nil {
		return err
	}
	// Keep retainCount most recent files (the active one is always latest).
	if len(files) <= r.retainCount {
		return nil
	}
	toRemove := files[:len(files)-r.retainCount]
	for _, f := range toRemove {
		os.Remove(f)
		os.Remove(f + "-wal")
		os.Remove(f + "-shm")
	}
	return nil
}

func (r *Repo) listDBFiles() ([]string, error) {
	entries, err := os.ReadDir(r.logDir)
	if err != nil {
		return nil, fmt.Errorf("auditlog list dir %s: %w", r.logDir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "audit_logs-") && strings.HasSuffix(name, ".db") {
			files = append(files, filepath.Join(r.logDir, name))
		}
	}
	sort.Strings(files) // lexicographic sort == chronological for our naming
	return files, nil
}

func (r *Repo) openReadOnly(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

const summaryColumns = "id, ts_ns, vhost_id, endpoint_id, hostname, path, http_method, client_ip, country, outcome, computed, mode, score, would_block, passthrough, short_circuit, flags, digest_hex, duration_ns"

func (r *Repo) queryRows(db *sql.DB, f ListFilter, limit int) ([]Summary, error) {
	var where []string
	var args []interface{}

	if f.VHostID != "" {
		where = append(where, "vhost_id = ?")
		args = append(args, f.VHostID)
	}
	if f.EndpointID != "" {
		where = append(where, "endpoint_id = ?")
		args = append(args, f.EndpointID)
	}
	if f.ClientIP != "" {
		where = append(where, "client_ip = ?")
		args = append(args, f.ClientIP)
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, f.Outcome)
	}
	if f.DigestHex != "" {
		where = append(where, "digest_hex = ?")
		args = append(args, f.DigestHex)
	}
	if f.WouldBlock != nil {
		where = append(where, "would_block = ?")
		args = append(args, boolToInt(*f.WouldBlock))
	}
	if f.Before > 0 {
		where = append(where, "ts_ns < ?")
		args = append(args, f.Before)
	}
	if f.After > 0 {
		where = append(where, "ts_ns > ?")
		args = append(args, f.After)
	}

	q := "SELECT " + summaryColumns + " FROM audit_logs"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ts_ns DESC, id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Summary
	for rows.Next() {
		s, err := scanSummary(rows.Scan)
		if err != nil {
			log.Printf("[auditlog] warning: skip malformed row during scan: %v", err)
			continue
		}
		results = append(results, s)
	}
	return results, rows.Err()
}

func (r *Repo) queryByID(db *sql.DB, id string) (*Summary, error) {
	row := db.QueryRow("SELECT "+summaryColumns+" FROM audit_logs WHERE id = ?", id)
	s, err := scanSummary(row.Scan)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func scanSummary(scan func(...interface{}) error) (Summary, error) {
	var s Summary
	var wouldBlock, passthrough int
	var flagsJSON string
	err := scan(
		&s.ID, &s.TsNs, &s.VHostID, &s.EndpointID, &s.Hostname, &s.Path, &s.HTTPMethod,
		&s.ClientIP, &s.Country, &s.Outcome, &s.Computed, &s.Mode, &s.Score,
		&wouldBlock, &passthrough, &s.ShortCircuit, &flagsJSON, &s.DigestHex, &s.DurationNs,
	)
	if err != nil {
		return Summary{}, err
	}
	s.WouldBlock = wouldBlock != 0
	s.Passthrough = passthrough != 0
	if flagsJSON != "" && flagsJSON != "[]" {
		if err := json.Unmarshal([]byte(flagsJSON), &s.Flags); err != nil {
			log.Printf("[auditlog] warning: malformed flags for id=%q: %v", s.ID, err)
		}
	}
	return s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// sqliteFilesSize returns the total size of a SQLite database set:
// base db file + optional -wal and -shm sidecar files.
func sqliteFilesSize(basePath string) (int64, error) {
	paths := []string{basePath, basePath + "-wal", basePath + "-shm"}
	var total int64
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}
