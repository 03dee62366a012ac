// Package logbook keeps the human-readable run journal shown by
// `cadforge history`. Unlike the structured log it records one line per
// pipeline event and nothing else.
package logbook

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileName is the journal file written under the logs directory.
const FileName = "journey.log"

// Level is the severity column of an entry.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var rank = map[Level]int{LevelInfo: 0, LevelWarn: 1, LevelError: 2}

// ParseLevel accepts a level name in any case.
func ParseLevel(s string) (Level, error) {
	level := Level(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := rank[level]; !ok {
		return "", fmt.Errorf("logbook: unknown level %q (want info, warn or error)", s)
	}
	return level, nil
}

// AtLeast reports whether l is as severe as min.
func (l Level) AtLeast(min Level) bool {
	return rank[l] >= rank[min]
}

// Entry is one journal line.
type Entry struct {
	Time    time.Time
	Level   Level
	Message string
}

// String formats e the way it is stored.
func (e Entry) String() string {
	return fmt.Sprintf("%s %-5s %s", e.Time.UTC().Format(time.RFC3339), e.Level, e.Message)
}

// ParseEntry reads a stored line back. Lines written by something else come
// back with ok false.
func ParseEntry(line string) (e Entry, ok bool) {
	stamp, rest, found := strings.Cut(line, " ")
	if !found {
		return Entry{}, false
	}
	t, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return Entry{}, false
	}
	level, message, _ := strings.Cut(strings.TrimLeft(rest, " "), " ")
	if _, known := rank[Level(level)]; !known {
		return Entry{}, false
	}
	return Entry{Time: t, Level: Level(level), Message: strings.TrimLeft(message, " ")}, true
}

// Logbook appends entries to a text file. A nil *Logbook discards everything,
// so callers that run without a journal need no checks.
type Logbook struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// New creates the parent directory of path.
func New(path string) (*Logbook, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &Logbook{path: path, now: time.Now}, nil
}

// Path returns the journal file.
func (l *Logbook) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Append writes one entry. Whitespace runs, newlines included, collapse to a
// single space. Write errors are dropped; the journal never fails a run.
func (l *Logbook) Append(level Level, message string) {
	if l == nil {
		return
	}
	e := Entry{Time: l.now(), Level: level, Message: strings.Join(strings.Fields(message), " ")}
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = fmt.Fprintln(f, e.String())
}

// Info appends an INFO entry.
func (l *Logbook) Info(format string, args ...any) {
	l.Append(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn appends a WARN entry.
func (l *Logbook) Warn(format string, args ...any) {
	l.Append(LevelWarn, fmt.Sprintf(format, args...))
}

// Error appends an ERROR entry.
func (l *Logbook) Error(format string, args ...any) {
	l.Append(LevelError, fmt.Sprintf(format, args...))
}

// Tail returns the last n lines and the number of lines in the journal.
func (l *Logbook) Tail(n int) ([]string, int) {
	return l.TailFunc(n, nil)
}

// TailFunc is Tail over the lines keep accepts; total counts only those.
// Lines that do not parse are kept only when keep is nil.
func (l *Logbook) TailFunc(n int, keep func(Entry) bool) (lines []string, total int) {
	if l == nil || n <= 0 {
		return nil, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(l.path)
	if err != nil {
		return nil, 0
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if keep != nil {
			e, ok := ParseEntry(line)
			if !ok || !keep(e) {
				continue
			}
		}
		total++
		if len(lines) == n {
			lines = lines[1:]
		}
		lines = append(lines, line)
	}
	return lines, total
}
