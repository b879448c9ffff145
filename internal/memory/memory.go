// Package memory is the filesystem-backed journal/notes/playbook store each
// backtest run keeps under its workspace directory. Files are the truth; any
// index is derivative, so recall() just greps the files on every call.
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Workspace is the per-run directory layout:
//
//	{root}/
//	  playbook.md
//	  journal/{date}.md
//	  notes/{key}.md
//	  decisions.jsonl
//	  trace.jsonl
//	  result.json
type Workspace struct {
	Root string
}

// NewWorkspace creates the workspace directory tree. When root is empty it
// generates a unique path under os.TempDir().
func NewWorkspace(root string) (*Workspace, error) {
	if root == "" {
		ts := time.Now().Format("20060102_150405.000000")
		ts = strings.ReplaceAll(ts, ".", "_")
		root = filepath.Join(os.TempDir(), "btagent", fmt.Sprintf("run_%s", ts))
	}
	ws := &Workspace{Root: root}
	for _, sub := range []string{"journal", "notes"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("memory: init workspace dir %s: %w", sub, err)
		}
	}
	return ws, nil
}

// Path returns the workspace root.
func (w *Workspace) Path() string { return w.Root }

// RecallEntry is one hit from Memory.Recall.
type RecallEntry struct {
	Source  string
	Content string
}

// Memory is the file-backed journal/notes/playbook interface the toolkit
// exposes to the agent as memory_log/memory_note/memory_recall tool calls.
type Memory struct {
	ws  *Workspace
	now func() time.Time
}

// New builds a Memory over ws. now defaults to time.Now and is overridable
// so a backtest can keep its journal entries keyed to simulated bar time
// rather than wall-clock time.
func New(ws *Workspace, now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{ws: ws, now: now}
}

// InitPlaybook seeds playbook.md with the run's strategy prompt. Called once
// at the start of a backtest, before the first decision.
func (m *Memory) InitPlaybook(strategyPrompt string) error {
	path := filepath.Join(m.ws.Root, "playbook.md")
	if err := os.WriteFile(path, []byte(strategyPrompt), 0o644); err != nil {
		return fmt.Errorf("memory: init playbook: %w", err)
	}
	return nil
}

// ReadPlaybook returns the playbook's current contents, or "" if it was
// never initialized.
func (m *Memory) ReadPlaybook() string {
	b, err := os.ReadFile(filepath.Join(m.ws.Root, "playbook.md"))
	if err != nil {
		return ""
	}
	return string(b)
}

// Log appends one line to the journal file for the given date (defaults to
// m.now()'s date when logDate is the zero Time).
func (m *Memory) Log(content string, logDate time.Time) error {
	if logDate.IsZero() {
		logDate = m.now()
	}
	fname := logDate.Format("2006-01-02") + ".md"
	path := filepath.Join(m.ws.Root, "journal", fname)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("memory: open journal %s: %w", fname, err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "\n- %s\n", content); err != nil {
		return fmt.Errorf("memory: write journal %s: %w", fname, err)
	}
	return nil
}

// Note creates or overwrites a topic note keyed by key.
func (m *Memory) Note(key, content string) error {
	path := filepath.Join(m.ws.Root, "notes", key+".md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("memory: write note %s: %w", key, err)
	}
	return nil
}

// ReadNote returns the note's content and whether it exists.
func (m *Memory) ReadNote(key string) (string, bool) {
	b, err := os.ReadFile(filepath.Join(m.ws.Root, "notes", key+".md"))
	if err != nil {
		return "", false
	}
	return string(b), true
}

// ReadPositionNotes reads the position_{symbol} note for each symbol that
// has one, skipping symbols with no note on file.
func (m *Memory) ReadPositionNotes(symbols []string) map[string]string {
	result := make(map[string]string)
	for _, sym := range symbols {
		if content, ok := m.ReadNote("position_" + sym); ok {
			result[sym] = content
		}
	}
	return result
}

// Recall does a keyword scan across journal/, notes/ and playbook.md: any
// whitespace-split token of query appearing anywhere in a file's text is a
// hit for that whole file. This intentionally mirrors a naive grep rather
// than anything resembling semantic search — the store's contract is "files
// are the truth", not relevance ranking.
func (m *Memory) Recall(query string) []RecallEntry {
	keywords := strings.Fields(query)
	if len(keywords) == 0 {
		return nil
	}
	var results []RecallEntry

	scanDir := func(dir, prefix string) {
		entries, err := os.ReadDir(filepath.Join(m.ws.Root, dir))
		if err != nil {
			return
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			b, err := os.ReadFile(filepath.Join(m.ws.Root, dir, name))
			if err != nil {
				continue
			}
			text := string(b)
			if containsAny(text, keywords) {
				results = append(results, RecallEntry{
					Source:  prefix + name,
					Content: strings.TrimSpace(text),
				})
			}
		}
	}

	scanDir("journal", "journal/")
	scanDir("notes", "notes/")

	if pb := m.ReadPlaybook(); pb != "" && containsAny(pb, keywords) {
		results = append(results, RecallEntry{Source: "playbook.md", Content: strings.TrimSpace(pb)})
	}
	return results
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
