package hitl

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// pollInterval is used when the directory cannot be watched.
const pollInterval = 500 * time.Millisecond

// Inbox exchanges pending decisions and decisions through a directory.
// The engine side writes <thread>.pending.yaml; an operator answers by
// dropping <thread>.yaml.
type Inbox struct {
	dir string
}

// NewInbox creates the inbox directory if needed.
func NewInbox(dir string) (*Inbox, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create inbox directory: %w", err)
	}
	return &Inbox{dir: dir}, nil
}

// Dir returns the inbox directory.
func (in *Inbox) Dir() string {
	return in.dir
}

func (in *Inbox) decisionPath(threadID string) string {
	return filepath.Join(in.dir, threadID+".yaml")
}

func (in *Inbox) pendingPath(threadID string) string {
	return filepath.Join(in.dir, threadID+".pending.yaml")
}

// Publish writes the pending decision for operators to read.
func (in *Inbox) Publish(p *PendingDecision) error {
	return writeYAML(in.pendingPath(p.ThreadID), p)
}

// Pending reads the published pending decision for a thread.
func (in *Inbox) Pending(threadID string) (*PendingDecision, error) {
	data, err := os.ReadFile(in.pendingPath(threadID))
	if err != nil {
		return nil, fmt.Errorf("read pending decision: %w", err)
	}
	var p PendingDecision
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse pending decision: %w", err)
	}
	return &p, nil
}

// Submit writes an operator decision for a thread.
func (in *Inbox) Submit(threadID string, d Decision) error {
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}
	return writeYAML(in.decisionPath(threadID), d)
}

// Take reads and removes the decision for a thread. It returns
// os.ErrNotExist when none has been submitted, or when the file exists but
// has no verb yet because the operator is still writing it.
func (in *Inbox) Take(threadID string) (Decision, error) {
	path := in.decisionPath(threadID)
	data, err := os.ReadFile(path)
	if err != nil {
		return Decision{}, err
	}
	var d Decision
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Decision{}, fmt.Errorf("parse decision file: %w", err)
	}
	if strings.TrimSpace(string(d.Verb)) == "" {
		return Decision{}, os.ErrNotExist
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[hitl] remove decision file %s: %v", path, err)
	}
	_ = os.Remove(in.pendingPath(threadID))
	return d, nil
}

// Wait blocks until a decision for threadID is submitted or ctx is done.
// It watches the directory with fsnotify and falls back to polling when a
// watcher cannot be created.
func (in *Inbox) Wait(ctx context.Context, threadID string) (Decision, error) {
	if d, err := in.Take(threadID); err == nil {
		return d, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return Decision{}, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[hitl] fsnotify unavailable: %v (falling back to polling)", err)
		return in.poll(ctx, threadID)
	}
	defer watcher.Close()

	if err := watcher.Add(in.dir); err != nil {
		log.Printf("[hitl] watch %s: %v (falling back to polling)", in.dir, err)
		return in.poll(ctx, threadID)
	}

	// The file may have landed between the first check and Add.
	if d, err := in.Take(threadID); err == nil {
		return d, nil
	}

	target := in.decisionPath(threadID)
	for {
		select {
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return in.poll(ctx, threadID)
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			d, err := in.Take(threadID)
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return d, err
		case err, ok := <-watcher.Errors:
			if !ok {
				return in.poll(ctx, threadID)
			}
			log.Printf("[hitl] watcher error: %v", err)
		}
	}
}

func (in *Inbox) poll(ctx context.Context, threadID string) (Decision, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		case <-ticker.C:
			d, err := in.Take(threadID)
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return d, err
		}
	}
}

// writeYAML writes through a temp file and rename so readers never see a
// partial document.
func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
