package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// maxFileRuns bounds the run history kept in the state file.
const maxFileRuns = 50

// FileState implements Backend using a single YAML file.
// Designed for containers and headless environments where SQLite is impractical.
type FileState struct {
	path  string
	mu    sync.RWMutex
	state *fileStateData
}

// fileStateData is the YAML structure for the state file.
type fileStateData struct {
	Watermarks map[string]Watermark         `yaml:"watermarks"`
	Tokens     map[string]ContinuationToken `yaml:"continuation_tokens"`
	Runs       []Run                        `yaml:"runs"` // newest first
}

func key(source, partition string) string {
	return source + "/" + partition
}

// NewFileState creates a file-based state manager.
// If the file exists, it loads the existing state.
func NewFileState(path string) (*FileState, error) {
	fs := &FileState{
		path:  path,
		state: &fileStateData{},
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, fs.state); err != nil {
			return nil, fmt.Errorf("parsing state file: %w", err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("reading state file: %w", err)
	}
	if fs.state.Watermarks == nil {
		fs.state.Watermarks = make(map[string]Watermark)
	}
	if fs.state.Tokens == nil {
		fs.state.Tokens = make(map[string]ContinuationToken)
	}
	return fs, nil
}

// save writes the current state atomically (temp file, then rename).
func (fs *FileState) save() error {
	data, err := yaml.Marshal(fs.state)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	if dir := filepath.Dir(fs.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating state dir: %w", err)
		}
	}
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}

// GetWatermark returns the stored watermark, or nil.
func (fs *FileState) GetWatermark(source, partition string) (*Watermark, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	w, ok := fs.state.Watermarks[key(source, partition)]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

// SaveWatermark inserts or replaces a watermark.
func (fs *FileState) SaveWatermark(w Watermark) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	w.Default = false
	fs.state.Watermarks[key(w.Source, w.Partition)] = w
	return fs.save()
}

// DeleteWatermark removes a watermark.
func (fs *FileState) DeleteWatermark(source, partition string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	delete(fs.state.Watermarks, key(source, partition))
	return fs.save()
}

// ListWatermarks returns all watermarks sorted by source and partition.
func (fs *FileState) ListWatermarks() ([]Watermark, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	out := make([]Watermark, 0, len(fs.state.Watermarks))
	for _, w := range fs.state.Watermarks {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		return key(out[i].Source, out[i].Partition) < key(out[j].Source, out[j].Partition)
	})
	return out, nil
}

// GetToken returns the outstanding continuation token, or nil.
func (fs *FileState) GetToken(source, partition string) (*ContinuationToken, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	t, ok := fs.state.Tokens[key(source, partition)]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

// SaveToken replaces the partition's continuation token.
func (fs *FileState) SaveToken(t ContinuationToken) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.state.Tokens[key(t.Source, t.Partition)] = t
	return fs.save()
}

// DeleteToken removes the partition's continuation token.
func (fs *FileState) DeleteToken(source, partition string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	k := key(source, partition)
	if _, ok := fs.state.Tokens[k]; !ok {
		return nil
	}
	delete(fs.state.Tokens, k)
	return fs.save()
}

// ListTokens returns all outstanding continuation tokens.
func (fs *FileState) ListTokens() ([]ContinuationToken, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	out := make([]ContinuationToken, 0, len(fs.state.Tokens))
	for _, t := range fs.state.Tokens {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return key(out[i].Source, out[i].Partition) < key(out[j].Source, out[j].Partition)
	})
	return out, nil
}

// CreateRun records the start of an invocation. Only the most recent runs are kept.
func (fs *FileState) CreateRun(r Run) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if r.Status == "" {
		r.Status = StatusRunning
	}
	fs.state.Runs = append([]Run{r}, fs.state.Runs...)
	if len(fs.state.Runs) > maxFileRuns {
		fs.state.Runs = fs.state.Runs[:maxFileRuns]
	}
	return fs.save()
}

// CompleteRun stores the outcome of an invocation.
func (fs *FileState) CompleteRun(r Run) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for i := range fs.state.Runs {
		if fs.state.Runs[i].ID != r.ID {
			continue
		}
		if r.CompletedAt == nil {
			now := time.Now()
			r.CompletedAt = &now
		}
		r.StartedAt = fs.state.Runs[i].StartedAt
		r.Trigger = fs.state.Runs[i].Trigger
		fs.state.Runs[i] = r
		return fs.save()
	}
	return fmt.Errorf("run %s not found", r.ID)
}

// GetAllRuns returns runs newest first; limit <= 0 returns all.
func (fs *FileState) GetAllRuns(limit int) ([]Run, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	n := len(fs.state.Runs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Run, n)
	copy(out, fs.state.Runs[:n])
	return out, nil
}

// GetRunByID returns a specific run, or nil.
func (fs *FileState) GetRunByID(id string) (*Run, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	for _, r := range fs.state.Runs {
		if r.ID == id {
			return &r, nil
		}
	}
	return nil, nil
}

// Ping checks the state file's directory is writable.
func (fs *FileState) Ping() error {
	dir := filepath.Dir(fs.path)
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("state dir %s is not a directory", dir)
	}
	return nil
}

// Close is a no-op for file state (state is saved on each operation).
func (fs *FileState) Close() error {
	return nil
}
