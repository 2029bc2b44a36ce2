package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record lookup has no match.
var ErrNotFound = errors.New("record not found")

// Store wraps SQLite-backed persistence for jobs and registrations.
type Store struct {
	DB *sql.DB
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS registrations (
            id TEXT PRIMARY KEY,
            job_id TEXT,
            frame_path TEXT NOT NULL,
            reference_path TEXT,
            output_path TEXT,
            status TEXT NOT NULL,
            source_count INTEGER,
            tuple_json TEXT,
            theta_deg REAL,
            d_row REAL,
            d_col REAL,
            scale_row REAL,
            scale_col REAL,
            residual REAL,
            error_message TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_registrations_frame_path ON registrations(frame_path);`,
		`CREATE INDEX IF NOT EXISTS idx_registrations_job_id ON registrations(job_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string
	JobType     string
	Status      string
	InputPath   string
	OutputPath  string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// RegistrationRecord is one persisted registration attempt.
type RegistrationRecord struct {
	ID            string    `json:"id"`
	JobID         string    `json:"job_id,omitempty"`
	FramePath     string    `json:"frame_path"`
	ReferencePath string    `json:"reference_path,omitempty"`
	OutputPath    string    `json:"output_path,omitempty"`
	Status        string    `json:"status"`
	SourceCount   int       `json:"source_count"`
	Tuple         []int     `json:"tuple,omitempty"`
	ThetaDegrees  float64   `json:"theta_degrees"`
	DRow          float64   `json:"d_row"`
	DCol          float64   `json:"d_col"`
	ScaleRow      float64   `json:"scale_row"`
	ScaleCol      float64   `json:"scale_col"`
	Residual      float64   `json:"residual"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	if _, err := s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id); err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var started, completed sql.NullTime
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &rec.InputPath, &rec.OutputPath, &rec.OptionsJSON, &rec.CreatedAt, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Job fetches a single job by ID.
func (s *Store) Job(id string) (JobRecord, error) {
	if s == nil {
		return JobRecord{}, errors.New("store not initialized")
	}
	var rec JobRecord
	var started, completed sql.NullTime
	var errorMsg sql.NullString
	err := s.DB.QueryRow(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs WHERE id=?;`, id).
		Scan(&rec.ID, &rec.JobType, &rec.Status, &rec.InputPath, &rec.OutputPath, &rec.OptionsJSON, &rec.CreatedAt, &started, &completed, &errorMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRecord{}, ErrNotFound
	}
	if err != nil {
		return JobRecord{}, err
	}
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	rec.Error = errorMsg.String
	return rec, nil
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordRegistration persists rec, assigning an ID when empty, and returns the ID.
func (s *Store) RecordRegistration(rec RegistrationRecord) (string, error) {
	if s == nil {
		return "", nil
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	tupleJSON, err := json.Marshal(rec.Tuple)
	if err != nil {
		return "", fmt.Errorf("marshal tuple: %w", err)
	}
	_, err = s.DB.Exec(`INSERT OR REPLACE INTO registrations (id, job_id, frame_path, reference_path, output_path, status, source_count, tuple_json, theta_deg, d_row, d_col, scale_row, scale_col, residual, error_message)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobID, rec.FramePath, rec.ReferencePath, rec.OutputPath, rec.Status, rec.SourceCount, string(tupleJSON),
		rec.ThetaDegrees, rec.DRow, rec.DCol, rec.ScaleRow, rec.ScaleCol, rec.Residual, rec.Error)
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

const registrationColumns = `id, job_id, frame_path, reference_path, output_path, status, source_count, tuple_json, theta_deg, d_row, d_col, scale_row, scale_col, residual, error_message, created_at`

// Registration fetches a single registration by ID.
func (s *Store) Registration(id string) (RegistrationRecord, error) {
	if s == nil {
		return RegistrationRecord{}, errors.New("store not initialized")
	}
	row := s.DB.QueryRow(`SELECT `+registrationColumns+` FROM registrations WHERE id=?;`, id)
	rec, err := scanRegistration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RegistrationRecord{}, ErrNotFound
	}
	return rec, err
}

// RecentRegistrations returns the latest registrations up to limit.
func (s *Store) RecentRegistrations(limit int) ([]RegistrationRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT `+registrationColumns+` FROM registrations ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RegistrationRecord
	for rows.Next() {
		rec, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRegistration(sc scanner) (RegistrationRecord, error) {
	var rec RegistrationRecord
	var jobID, refPath, outPath, tupleJSON, errMsg sql.NullString
	err := sc.Scan(&rec.ID, &jobID, &rec.FramePath, &refPath, &outPath, &rec.Status, &rec.SourceCount, &tupleJSON,
		&rec.ThetaDegrees, &rec.DRow, &rec.DCol, &rec.ScaleRow, &rec.ScaleCol, &rec.Residual, &errMsg, &rec.CreatedAt)
	if err != nil {
		return RegistrationRecord{}, err
	}
	rec.JobID = jobID.String
	rec.ReferencePath = refPath.String
	rec.OutputPath = outPath.String
	rec.Error = errMsg.String
	if tupleJSON.Valid && tupleJSON.String != "" && tupleJSON.String != "null" {
		if err := json.Unmarshal([]byte(tupleJSON.String), &rec.Tuple); err != nil {
			return RegistrationRecord{}, fmt.Errorf("unmarshal tuple: %w", err)
		}
	}
	return rec, nil
}
