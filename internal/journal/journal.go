// Package journal keeps the human-readable device log. Lines are
// timestamped and tagged [INFO], [ERROR] or [EXCEPTION], kept in a bounded
// buffer, and mirrored to the standard logger.
package journal

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

type Level string

const (
	LevelInfo      Level = "INFO"
	LevelError     Level = "ERROR"
	LevelException Level = "EXCEPTION"
)

const DefaultMaxLines = 1000

type Line struct {
	Time    time.Time `json:"time"`
	Level   Level     `json:"level"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
}

func (l Line) String() string {
	return fmt.Sprintf("[%s]: %s - %s", l.Level, l.Time.Format("2006-01-02 15:04:05"), l.Message)
}

type Journal struct {
	mu        sync.RWMutex
	lines     []Line
	maxLines  int
	lastError string
	mirror    bool
	now       func() time.Time
}

func New(maxLines int) *Journal {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	return &Journal{
		maxLines: maxLines,
		mirror:   true,
		now:      time.Now,
	}
}

// SetMirror toggles copying lines to the standard logger.
func (j *Journal) SetMirror(on bool) {
	j.mu.Lock()
	j.mirror = on
	j.mu.Unlock()
}

func (j *Journal) append(level Level, source, message string) {
	j.mu.Lock()
	line := Line{Time: j.now(), Level: level, Source: source, Message: message}
	if len(j.lines) == j.maxLines {
		copy(j.lines, j.lines[1:])
		j.lines = j.lines[:len(j.lines)-1]
	}
	j.lines = append(j.lines, line)
	j.lastError = line.String()
	mirror := j.mirror
	j.mu.Unlock()

	if mirror {
		log.Printf("%s: %s", source, line)
	}
}

func (j *Journal) Info(source, format string, args ...any) {
	j.append(LevelInfo, source, fmt.Sprintf(format, args...))
}

func (j *Journal) Error(source, format string, args ...any) {
	j.append(LevelError, source, fmt.Sprintf(format, args...))
}

func (j *Journal) Exception(source string, err error) {
	if err == nil {
		return
	}
	j.append(LevelException, source, err.Error())
}

// Lines returns a copy of the buffered lines, oldest first.
func (j *Journal) Lines() []Line {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]Line, len(j.lines))
	copy(out, j.lines)
	return out
}

func (j *Journal) String() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var sb strings.Builder
	for _, l := range j.lines {
		sb.WriteString(l.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

// LastError returns the most recently appended line, whatever its level.
func (j *Journal) LastError() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.lastError
}

func (j *Journal) Clear() {
	j.mu.Lock()
	j.lines = nil
	j.lastError = ""
	j.mu.Unlock()
}

// Source binds a journal to a fixed source name.
type Source struct {
	j    *Journal
	name string
}

func (j *Journal) For(name string) Source {
	return Source{j: j, name: name}
}

func (s Source) Info(format string, args ...any) {
	if s.j != nil {
		s.j.Info(s.name, format, args...)
	}
}

func (s Source) Error(format string, args ...any) {
	if s.j != nil {
		s.j.Error(s.name, format, args...)
	}
}

func (s Source) Exception(err error) {
	if s.j != nil {
		s.j.Exception(s.name, err)
	}
}
