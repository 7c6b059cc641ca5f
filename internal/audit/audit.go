// Package audit appends access decisions to logs/audit.jsonl under the
// home directory. Recording before Init only updates the deny counter.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/stockdesk/internal/shared"
)

// Decisions.
const (
	Allow = "allow"
	Deny  = "deny"
	Fatal = "fatal"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
	UserID    string `json:"user_id,omitempty"`
	Subject   string `json:"subject,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	denyCount atomic.Int64
)

// FilePath returns the audit log location for homeDir.
func FilePath(homeDir string) string {
	return filepath.Join(homeDir, "logs", "audit.jsonl")
}

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	path := FilePath(homeDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends one decision. action names what was attempted
// ("api.auth", "task.cancel"); subject is the task, batch or path it
// targeted.
func Record(decision, action, reason, userID, subject string) {
	if decision == Deny {
		denyCount.Add(1)
	}

	reason = shared.Redact(reason)
	subject = shared.Redact(subject)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	b, err := json.Marshal(entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Decision:  decision,
		Action:    action,
		Reason:    reason,
		UserID:    userID,
		Subject:   subject,
	})
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
