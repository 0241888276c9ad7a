package transport

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// JournalFile is the journal's file name inside a version's cache directory.
const JournalFile = "transfer.yaml"

// JournalEntry records one completed transfer.
type JournalEntry struct {
	Local       string    `yaml:"local"`
	Remote      string    `yaml:"remote"`
	Host        string    `yaml:"host"`
	Size        int64     `yaml:"size"`
	SHA256      string    `yaml:"sha256"`
	CompletedAt time.Time `yaml:"completed_at"`
}

type journalDoc struct {
	Version   string         `yaml:"version"`
	Transfers []JournalEntry `yaml:"transfers"`
}

// Journal persists completed transfers so an interrupted run can resume
// without re-sending files when the host cannot checksum them.
type Journal struct {
	path string

	mu  sync.Mutex
	doc journalDoc
}

// OpenJournal loads the journal at path. A missing file is an empty journal.
func OpenJournal(path, version string) (*Journal, error) {
	j := &Journal{path: path, doc: journalDoc{Version: version}}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return j, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	if err := yaml.Unmarshal(b, &j.doc); err != nil {
		return nil, fmt.Errorf("parse journal %s: %w", path, err)
	}
	if j.doc.Version != version {
		// a journal of another version says nothing about this one
		j.doc = journalDoc{Version: version}
	}
	return j, nil
}

// Lookup returns the entry for a remote path on host.
func (j *Journal) Lookup(host, remote string) (JournalEntry, bool) {
	if j == nil {
		return JournalEntry{}, false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, e := range j.doc.Transfers {
		if e.Host == host && e.Remote == remote {
			return e, true
		}
	}
	return JournalEntry{}, false
}

// Record stores an entry, replacing the previous one for the same
// destination, and writes the journal to disk.
func (j *Journal) Record(e JournalEntry) error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	replaced := false
	for i, existing := range j.doc.Transfers {
		if existing.Host == e.Host && existing.Remote == e.Remote {
			j.doc.Transfers[i] = e
			replaced = true
			break
		}
	}
	if !replaced {
		j.doc.Transfers = append(j.doc.Transfers, e)
	}
	return j.saveLocked()
}

// Entries returns a copy of the recorded transfers.
func (j *Journal) Entries() []JournalEntry {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]JournalEntry(nil), j.doc.Transfers...)
}

func (j *Journal) saveLocked() error {
	b, err := yaml.Marshal(&j.doc)
	if err != nil {
		return fmt.Errorf("encode journal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}
	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	return nil
}
