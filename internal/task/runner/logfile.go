package runner

import (
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	markerTime   = "2006-01-02 15:04:05"
	maxKeyPrefix = 24
)

var scriptExts = map[string]bool{
	".sh": true, ".js": true, ".mjs": true, ".ts": true, ".py": true, ".rb": true, ".pl": true, ".php": true,
}

// CommandKey names the log directory of a command. Leading VAR=value
// assignments and the wrapper are ignored. A command that names a script
// file is keyed by the script's base name; anything else by a sanitized
// prefix plus an fnv hash of the whole command.
func CommandKey(command, wrapper string) string {
	fields := strings.Fields(command)
	for len(fields) > 0 && isAssignment(fields[0]) {
		fields = fields[1:]
	}
	if w := strings.Fields(wrapper); len(w) > 0 && len(fields) >= len(w) && strings.Join(fields[:len(w)], " ") == strings.Join(w, " ") {
		fields = fields[len(w):]
	}
	if len(fields) == 0 {
		return "empty"
	}

	for _, f := range fields {
		if ext := filepath.Ext(f); scriptExts[ext] {
			if base := sanitize(strings.TrimSuffix(filepath.Base(f), ext)); base != "" {
				return base
			}
		}
	}

	rest := strings.Join(fields, " ")
	h := fnv.New32a()
	_, _ = h.Write([]byte(rest))
	prefix := sanitize(rest)
	if len(prefix) > maxKeyPrefix {
		prefix = prefix[:maxKeyPrefix]
	}
	prefix = strings.Trim(prefix, "_")
	if prefix == "" {
		prefix = "cmd"
	}
	return fmt.Sprintf("%s_%08x", prefix, h.Sum32())
}

func isAssignment(tok string) bool {
	i := strings.IndexByte(tok, '=')
	if i <= 0 {
		return false
	}
	for j, r := range tok[:i] {
		ok := r == '_' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (j > 0 && r >= '0' && r <= '9')
		if !ok {
			return false
		}
	}
	return true
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if strings.Trim(out, "._") == "" {
		return ""
	}
	return out
}

// createLog creates a new log file for one run under dir/key. The name is
// the start time with millisecond precision plus -N when that name is
// taken.
func createLog(dir, key string, at time.Time) (*os.File, string, error) {
	d := filepath.Join(dir, key)
	if err := os.MkdirAll(d, 0o755); err != nil {
		return nil, "", err
	}
	stamp := at.Format("2006-01-02-15-04-05") + fmt.Sprintf("-%03d", at.Nanosecond()/int(time.Millisecond))
	for n := 0; n < 1000; n++ {
		name := stamp
		if n > 0 {
			name = fmt.Sprintf("%s-%d", stamp, n)
		}
		p := filepath.Join(d, name+".log")
		f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			return f, p, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", err
		}
	}
	return nil, "", fmt.Errorf("no free log name for %s in %s", stamp, d)
}

// logWriter serializes writes from the stdout and stderr pumps.
type logWriter struct {
	mu sync.Mutex
	f  *os.File
}

func (w *logWriter) write(s string) {
	w.mu.Lock()
	_, _ = w.f.WriteString(s)
	w.mu.Unlock()
}

func startMarker(at time.Time) string {
	return fmt.Sprintf("## Started at %s\n\n", at.Format(markerTime))
}

func endMarker(at time.Time, took time.Duration) string {
	return fmt.Sprintf("\n## Finished at %s, took %ds\n", at.Format(markerTime), int64(took.Round(time.Second)/time.Second))
}

// LogFile describes one run log on disk.
type LogFile struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// ListLogs returns the .log files in dir, newest first. A missing dir is
// an empty list.
func ListLogs(dir string) ([]LogFile, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []LogFile{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]LogFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".log" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, LogFile{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name > out[j].Name })
	return out, nil
}

// LogPath resolves name inside dir, rejecting anything that is not a plain
// file name.
func LogPath(dir, name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid log name %q", name)
	}
	return filepath.Join(dir, name), nil
}

// PurgeLogs removes .log files under root older than retention and then
// any directory left empty. It returns how many files were removed.
func PurgeLogs(root string, retention time.Duration, now time.Time) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-retention)
	removed := 0
	var dirs []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if p != root {
				dirs = append(dirs, p)
			}
			return nil
		}
		if filepath.Ext(p) != ".log" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(p); err == nil {
				removed++
			}
		}
		return nil
	})
	// Deepest first so nested empties collapse.
	for i := len(dirs) - 1; i >= 0; i-- {
		_ = os.Remove(dirs[i]) // fails while non-empty
	}
	return removed, err
}
