package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Kind identifies what kind of journal entry this is
type Kind string

const (
	KindLifecycle   Kind = "lifecycle"    // agent started or stopped
	KindWake        Kind = "wake"         // cognition woke
	KindResponse    Kind = "response"     // response handed to a recipient
	KindDefer       Kind = "defer"        // cognition deferred the wake
	KindNoAction    Kind = "no_action"    // cognition chose silence
	KindPlugin      Kind = "plugin"       // plugin loaded, unloaded or swapped
	KindPluginEvent Kind = "plugin_event" // a plugin schedule fired
	KindStress      Kind = "stress"       // degradation level changed
	KindError       Kind = "error"        // something went wrong
)

// Entry is a single journal line
type Entry struct {
	Timestamp     time.Time      `json:"ts"`
	Kind          Kind           `json:"kind"`
	Detail        string         `json:"detail,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// Journal appends entries to one JSONL file per day under
// <dataDir>/journal/.
type Journal struct {
	dir string
	mu  sync.Mutex
}

// New creates a journal writer rooted at the data dir
func New(dataDir string) *Journal {
	return &Journal{
		dir: filepath.Join(dataDir, "journal"),
	}
}

// Log appends an entry to the day file matching its timestamp
func (j *Journal) Log(entry Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	// Set timestamp if not provided
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	if err := os.MkdirAll(j.dir, 0755); err != nil {
		return err
	}
	path := filepath.Join(j.dir, entry.Timestamp.UTC().Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

// LogWake logs cognition waking up
func (j *Journal) LogWake(reason, correlationID string, triggerCount int) error {
	return j.Log(Entry{
		Kind:          KindWake,
		Detail:        reason,
		CorrelationID: correlationID,
		Data: map[string]any{
			"triggers": triggerCount,
		},
	})
}

// LogResponse logs a response handed to a recipient
func (j *Journal) LogResponse(recipientID, status, correlationID string, usedSmartRetry bool) error {
	data := map[string]any{
		"status": status,
	}
	if usedSmartRetry {
		data["smartRetry"] = true
	}
	return j.Log(Entry{
		Kind:          KindResponse,
		Detail:        recipientID,
		CorrelationID: correlationID,
		Data:          data,
	})
}

// LogPlugin logs a plugin lifecycle change (loaded, unloaded, swapped)
func (j *Journal) LogPlugin(action, pluginID, version string) error {
	return j.Log(Entry{
		Kind:   KindPlugin,
		Detail: fmt.Sprintf("%s %s@%s", action, pluginID, version),
	})
}

// LogPluginEvent logs a plugin schedule firing
func (j *Journal) LogPluginEvent(pluginID, eventKind, correlationID string) error {
	return j.Log(Entry{
		Kind:          KindPluginEvent,
		Detail:        eventKind,
		CorrelationID: correlationID,
		Data: map[string]any{
			"plugin": pluginID,
		},
	})
}

// LogStress logs a degradation level change
func (j *Journal) LogStress(from, to string) error {
	return j.Log(Entry{
		Kind:   KindStress,
		Detail: fmt.Sprintf("%s to %s", from, to),
	})
}

// LogError logs an error with its context
func (j *Journal) LogError(context string, err error) error {
	return j.Log(Entry{
		Kind:   KindError,
		Detail: context,
		Data: map[string]any{
			"error": err.Error(),
		},
	})
}

// Tail returns the last n entries, newest day files first, in
// chronological order. Malformed lines are skipped.
func (j *Journal) Tail(n int) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if n <= 0 {
		return nil, nil
	}

	names, err := j.dayFiles()
	if err != nil {
		return nil, err
	}

	// Walk backwards from the newest day until n entries collected.
	var collected []Entry
	for i := len(names) - 1; i >= 0 && len(collected) < n; i-- {
		entries, err := readDay(filepath.Join(j.dir, names[i]))
		if err != nil {
			return nil, err
		}
		// Prepend, keeping chronological order
		collected = append(entries, collected...)
	}

	if n >= len(collected) {
		return collected, nil
	}
	return collected[len(collected)-n:], nil
}

// Days returns the journal's day file dates, oldest first
func (j *Journal) Days() ([]string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	names, err := j.dayFiles()
	if err != nil {
		return nil, err
	}
	days := make([]string, len(names))
	for i, name := range names {
		days[i] = strings.TrimSuffix(name, ".jsonl")
	}
	return days, nil
}

// dayFiles lists the day files sorted ascending. Date-stamped names
// sort chronologically.
func (j *Journal) dayFiles() ([]string, error) {
	dirents, err := os.ReadDir(j.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, d := range dirents {
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".jsonl") {
			names = append(names, d.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func readDay(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []Entry
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue // skip malformed entries
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
