// Package auditlog mirrors a team's audit records and flow events to an
// append-only NDJSON file. The in-memory state remains canonical; the file
// is the durable export surface for operators and tooling.
package auditlog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/ndjson"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/team"
)

// entry is one NDJSON line. Stream distinguishes audit records from flow
// events so a single file carries both.
type entry struct {
	Stream    string            `json:"stream"`
	TeamID    string            `json:"team_id"`
	WrittenAt time.Time         `json:"written_at"`
	Audit     *team.AuditRecord `json:"audit,omitempty"`
	Flow      *team.FlowEvent   `json:"flow,omitempty"`
}

// Log appends audit and flow entries for one team to an NDJSON file.
type Log struct {
	teamID  string
	file    *os.File
	encoder *ndjson.Encoder
	logger  *slog.Logger
	mu      sync.Mutex
}

// Open creates (or appends to) the audit log at logPath.
func Open(logPath, teamID string, logger *slog.Logger) (*Log, error) {
	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &Log{
		teamID:  teamID,
		file:    file,
		encoder: ndjson.NewEncoder(file, logger),
		logger:  logger,
	}, nil
}

// Record appends one audit record. Write failures are logged, not returned:
// the export mirror must never fail a state mutation.
func (l *Log) Record(rec team.AuditRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.encoder.Encode(entry{
		Stream:    "audit",
		TeamID:    l.teamID,
		WrittenAt: time.Now().UTC(),
		Audit:     &rec,
	})
	if err != nil {
		l.logger.Error("failed to append audit record", "team_id", l.teamID, "error", err)
	}
}

// Event appends one flow event.
func (l *Log) Event(ev team.FlowEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.encoder.Encode(entry{
		Stream:    "flow",
		TeamID:    l.teamID,
		WrittenAt: time.Now().UTC(),
		Flow:      &ev,
	})
	if err != nil {
		l.logger.Error("failed to append flow event", "team_id", l.teamID, "error", err)
	}
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
