package storage

import (
	"fmt"
	"os"
	"sync"

	"github.com/spf13/afero"
)

// AuditLog appends one "accountId;plotFile;deadlineSeconds" line per
// confirmed deadline.
type AuditLog struct {
	mu   sync.Mutex
	path string
	file afero.File
}

// OpenAuditLog opens path for appending, creating it when missing.
func OpenAuditLog(fs afero.Fs, path string) (*AuditLog, error) {
	f, err := fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open confirmed deadlines log: %w", err)
	}
	return &AuditLog{path: path, file: f}, nil
}

// Record appends a confirmation line.
func (a *AuditLog) Record(accountID uint64, plotFile string, deadline uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return fmt.Errorf("confirmed deadlines log %s is closed", a.path)
	}
	if _, err := fmt.Fprintf(a.file, "%d;%s;%d\n", accountID, plotFile, deadline); err != nil {
		return fmt.Errorf("write %s: %w", a.path, err)
	}
	return nil
}

// Path returns the log file path.
func (a *AuditLog) Path() string {
	return a.path
}

// Close closes the file.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}
