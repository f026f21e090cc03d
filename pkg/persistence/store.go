// Package persistence provides SQLite-backed archival of session
// reports.
package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"conductor/pkg/gate"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/proto"
	"conductor/pkg/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	finished_at TEXT NOT NULL,
	metrics     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS task_runs (
	session_id     TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	name           TEXT NOT NULL,
	batch_index    INTEGER NOT NULL,
	attempts       INTEGER NOT NULL,
	recovery_level INTEGER NOT NULL,
	status         TEXT NOT NULL,
	guidance       TEXT NOT NULL DEFAULT '',
	artifact       TEXT,
	last_error     TEXT,
	PRIMARY KEY (session_id, name)
);

CREATE TABLE IF NOT EXISTS issues (
	session_id    TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq           INTEGER NOT NULL,
	severity      TEXT NOT NULL,
	category      TEXT NOT NULL,
	subject       TEXT NOT NULL,
	message       TEXT NOT NULL,
	suggested_fix TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (session_id, seq)
);
`

// Store archives session reports in SQLite.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// SessionSummary is one row of the session listing.
type SessionSummary struct {
	SessionID  string    `json:"session_id"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Open opens (or creates) the report database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000", path,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logx.NewLogger("persistence")}
	s.logger.Info("report database ready: %s", path)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveReport archives one session report transactionally.
func (s *Store) SaveReport(report *session.Report) error {
	metricsJSON, err := json.Marshal(report.Metrics)
	if err != nil {
		return fmt.Errorf("failed to serialize metrics: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(
		`INSERT OR REPLACE INTO sessions (id, status, created_at, finished_at, metrics) VALUES (?, ?, ?, ?, ?)`,
		report.SessionID, string(report.Status),
		report.CreatedAt.Format(time.RFC3339Nano), report.FinishedAt.Format(time.RFC3339Nano),
		string(metricsJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}

	for name, run := range report.Tasks {
		var artifactJSON, errorJSON sql.NullString
		if run.Artifact != nil {
			data, err := json.Marshal(run.Artifact)
			if err != nil {
				return fmt.Errorf("failed to serialize artifact for %s: %w", name, err)
			}
			artifactJSON = sql.NullString{String: string(data), Valid: true}
		}
		if run.LastError != nil {
			data, err := json.Marshal(run.LastError)
			if err != nil {
				return fmt.Errorf("failed to serialize error for %s: %w", name, err)
			}
			errorJSON = sql.NullString{String: string(data), Valid: true}
		}

		_, err = tx.Exec(
			`INSERT OR REPLACE INTO task_runs
			 (session_id, name, batch_index, attempts, recovery_level, status, guidance, artifact, last_error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			report.SessionID, name, run.BatchIndex, run.Attempts, run.RecoveryLevel,
			string(run.Status), run.Guidance, artifactJSON, errorJSON,
		)
		if err != nil {
			return fmt.Errorf("failed to insert task run %s: %w", name, err)
		}
	}

	if _, err := tx.Exec(`DELETE FROM issues WHERE session_id = ?`, report.SessionID); err != nil {
		return fmt.Errorf("failed to clear issues: %w", err)
	}
	for i := range report.Issues {
		issue := &report.Issues[i]
		_, err = tx.Exec(
			`INSERT INTO issues (session_id, seq, severity, category, subject, message, suggested_fix)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			report.SessionID, i, string(issue.Severity), issue.Category,
			issue.Subject, issue.Message, issue.SuggestedFix,
		)
		if err != nil {
			return fmt.Errorf("failed to insert issue: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit report: %w", err)
	}
	s.logger.Info("archived session %s (%s)", report.SessionID, report.Status)
	return nil
}

// LoadReport reads an archived session report back.
func (s *Store) LoadReport(sessionID string) (*session.Report, error) {
	report := &session.Report{
		SessionID: sessionID,
		Tasks:     make(map[string]*proto.TaskRun),
	}

	var status, createdAt, finishedAt, metricsJSON string
	err := s.db.QueryRow(
		`SELECT status, created_at, finished_at, metrics FROM sessions WHERE id = ?`, sessionID,
	).Scan(&status, &createdAt, &finishedAt, &metricsJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	report.Status = session.Status(status)
	if report.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if report.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt); err != nil {
		return nil, fmt.Errorf("failed to parse finished_at: %w", err)
	}
	var summary metrics.Summary
	if err := json.Unmarshal([]byte(metricsJSON), &summary); err != nil {
		return nil, fmt.Errorf("failed to parse metrics: %w", err)
	}
	report.Metrics = &summary

	rows, err := s.db.Query(
		`SELECT name, batch_index, attempts, recovery_level, status, guidance, artifact, last_error
		 FROM task_runs WHERE session_id = ?`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load task runs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		run := &proto.TaskRun{}
		var runStatus string
		var artifactJSON, errorJSON sql.NullString
		if err := rows.Scan(&run.Name, &run.BatchIndex, &run.Attempts, &run.RecoveryLevel,
			&runStatus, &run.Guidance, &artifactJSON, &errorJSON); err != nil {
			return nil, fmt.Errorf("failed to scan task run: %w", err)
		}
		run.Status = proto.TaskStatus(runStatus)
		if artifactJSON.Valid {
			run.Artifact = &proto.Artifact{}
			if err := json.Unmarshal([]byte(artifactJSON.String), run.Artifact); err != nil {
				return nil, fmt.Errorf("failed to parse artifact for %s: %w", run.Name, err)
			}
		}
		if errorJSON.Valid {
			run.LastError = &proto.TaskError{}
			if err := json.Unmarshal([]byte(errorJSON.String), run.LastError); err != nil {
				return nil, fmt.Errorf("failed to parse error for %s: %w", run.Name, err)
			}
		}
		report.Tasks[run.Name] = run
		if run.Status == proto.TaskManualRequired {
			report.ManualTasks = append(report.ManualTasks, session.ManualTask{
				TaskName: run.Name,
				Guidance: run.Guidance,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task runs: %w", err)
	}

	issueRows, err := s.db.Query(
		`SELECT severity, category, subject, message, suggested_fix
		 FROM issues WHERE session_id = ? ORDER BY seq`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load issues: %w", err)
	}
	defer issueRows.Close()

	for issueRows.Next() {
		var issue gate.Issue
		var severity string
		if err := issueRows.Scan(&severity, &issue.Category, &issue.Subject,
			&issue.Message, &issue.SuggestedFix); err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		issue.Severity = gate.Severity(severity)
		report.Issues = append(report.Issues, issue)
	}
	if err := issueRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate issues: %w", err)
	}

	return report, nil
}

// ListSessions returns archived sessions, newest first.
func (s *Store) ListSessions() ([]SessionSummary, error) {
	rows, err := s.db.Query(`SELECT id, status, created_at, finished_at FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var item SessionSummary
		var createdAt, finishedAt string
		if err := rows.Scan(&item.SessionID, &item.Status, &createdAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		if item.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		if item.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt); err != nil {
			return nil, fmt.Errorf("failed to parse finished_at: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
