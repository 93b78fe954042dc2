package lock

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/trakhq/trak/internal/debug"
	"github.com/trakhq/trak/internal/types"
)

// Audit operations, one per lock transition.
const (
	AuditAcquire  = "acquire"
	AuditRelease  = "release"
	AuditExpire   = "expire"
	AuditBreak    = "break"
	AuditQueue    = "queue"
	AuditDequeue  = "dequeue"
	AuditConflict = "conflict"
)

// AuditEvent is one append-only record in locks/audit.jsonl. The audit log is
// the authoritative history when lock files race.
type AuditEvent struct {
	Timestamp string   `json:"ts"`
	Op        string   `json:"op"`
	Repo      string   `json:"repo"`
	TaskID    string   `json:"task_id,omitempty"`
	Agent     string   `json:"agent,omitempty"`
	Files     []string `json:"files,omitempty"`
	Detail    string   `json:"detail,omitempty"`
}

const auditFileName = "audit.jsonl"

// audit appends one event. Best-effort: a failed audit write never fails the
// lock operation, it is logged and dropped.
func (m *Manager) audit(ev AuditEvent) {
	if ev.Timestamp == "" {
		ev.Timestamp = types.Now()
	}
	if err := appendAudit(filepath.Join(m.dir, auditFileName), ev); err != nil {
		debug.Logf("lock: audit write failed: %v", err)
	}
}

func appendAudit(path string, ev AuditEvent) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) // #nosec G302,G306
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(ev); err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}
	return w.Flush()
}

// ReadAudit returns the audit history, oldest first. Malformed lines are
// skipped.
func (m *Manager) ReadAudit() ([]AuditEvent, error) {
	f, err := os.Open(filepath.Join(m.dir, auditFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	var out []AuditEvent
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev AuditEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, sc.Err()
}
