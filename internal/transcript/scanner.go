// Package transcript reads the agent CLI's on-disk session transcripts so
// local sessions can be listed and forked.
package transcript

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ignacioreyna/omni-bot/internal/domain"
)

const (
	indexFile      = "sessions-index.json"
	headBytes      = 32 * 1024
	firstPromptCap = 200
	maxLineSize    = 16 * 1024 * 1024
)

var systemTags = []*regexp.Regexp{
	regexp.MustCompile(`(?s)<system_instruction>.*?</system_instruction>`),
	regexp.MustCompile(`(?s)<system-instruction>.*?</system-instruction>`),
}

// LocalSession is a transcript found on disk.
type LocalSession struct {
	SessionID    string `json:"sessionId"`
	FirstPrompt  string `json:"firstPrompt"`
	MessageCount int    `json:"messageCount"`
	Created      string `json:"created"`
	Modified     string `json:"modified"`
	GitBranch    string `json:"gitBranch"`
	ProjectPath  string `json:"projectPath"`
	ProjectName  string `json:"projectName,omitempty"`
}

// Project groups the sessions of one working directory.
type Project struct {
	ProjectPath string         `json:"projectPath"`
	ProjectName string         `json:"projectName"`
	Sessions    []LocalSession `json:"sessions"`
}

// Message is one user or assistant message read from a transcript.
type Message struct {
	Role      domain.Role `json:"role"`
	Content   string      `json:"content"`
	Timestamp string      `json:"timestamp"`
}

// Scanner walks a transcripts directory laid out as <dir>/<project>/<id>.jsonl.
type Scanner struct {
	dir    string
	logger *zap.Logger
}

// NewScanner creates a scanner rooted at dir.
func NewScanner(dir string, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{dir: dir, logger: logger}
}

// Dir returns the root being scanned.
func (s *Scanner) Dir() string { return s.dir }

type indexEntry struct {
	SessionID    string `json:"sessionId"`
	FirstPrompt  string `json:"firstPrompt"`
	MessageCount int    `json:"messageCount"`
	Created      string `json:"created"`
	Modified     string `json:"modified"`
	GitBranch    string `json:"gitBranch"`
	ProjectPath  string `json:"projectPath"`
}

type index struct {
	OriginalPath string       `json:"originalPath"`
	Entries      []indexEntry `json:"entries"`
}

type entry struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Timestamp string `json:"timestamp"`
	GitBranch string `json:"gitBranch"`
	Message   *struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// ListProjects returns every project with sessions, most recently active
// first. Sessions in each project are sorted newest first.
func (s *Scanner) ListProjects() []Project {
	var projects []Project
	s.forEachProject(func(p Project) {
		sortByModified(p.Sessions)
		projects = append(projects, p)
	})
	sort.SliceStable(projects, func(i, j int) bool {
		return newer(firstModified(projects[i]), firstModified(projects[j]))
	})
	return projects
}

// Recent returns the limit most recently modified sessions across projects.
func (s *Scanner) Recent(limit int) []LocalSession {
	var all []LocalSession
	s.forEachProject(func(p Project) { all = append(all, p.Sessions...) })
	sortByModified(all)
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

// ByDirectory returns sessions whose project is path or lies beneath it.
func (s *Scanner) ByDirectory(path string) []LocalSession {
	target := filepath.Clean(path)
	if abs, err := filepath.Abs(target); err == nil {
		target = abs
	}
	var out []LocalSession
	s.forEachProject(func(p Project) {
		project := filepath.Clean(p.ProjectPath)
		if project == target || strings.HasPrefix(project, target+string(filepath.Separator)) {
			out = append(out, p.Sessions...)
		}
	})
	sortByModified(out)
	return out
}

// ReadMessages returns the text messages of the transcript with the given
// id. A missing or unreadable transcript yields no messages.
func (s *Scanner) ReadMessages(sessionID string) []Message {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) {
		return nil
	}
	dirs, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		path := filepath.Join(s.dir, d.Name(), sessionID+".jsonl")
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		msgs := parseMessages(f)
		f.Close()
		return msgs
	}
	return nil
}

func parseMessages(r io.Reader) []Message {
	var out []Message
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		if e.Type != "user" && e.Type != "assistant" {
			continue
		}
		if e.Message == nil {
			continue
		}
		text := contentText(e.Message.Content, e.Type == "user")
		if text == "" {
			continue
		}
		role := domain.RoleUser
		if e.Message.Role == "assistant" {
			role = domain.RoleAssistant
		}
		out = append(out, Message{Role: role, Content: text, Timestamp: e.Timestamp})
	}
	return out
}

// contentText flattens string or block content. String content from user
// entries carries injected system tags which are removed.
func contentText(raw json.RawMessage, user bool) string {
	if len(raw) == 0 {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if user {
			return cleanSystemTags(str)
		}
		return str
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func cleanSystemTags(s string) string {
	for _, re := range systemTags {
		s = re.ReplaceAllString(s, "")
	}
	return strings.TrimSpace(s)
}

func (s *Scanner) forEachProject(fn func(Project)) {
	dirs, err := os.ReadDir(s.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read transcripts directory", zap.String("dir", s.dir), zap.Error(err))
		}
		return
	}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		projectDir := filepath.Join(s.dir, d.Name())
		if p, present := s.readIndex(projectDir, d.Name()); present {
			if len(p.Sessions) > 0 {
				fn(p)
			}
			continue
		}
		if p, ok := s.scanFallback(projectDir, d.Name()); ok {
			fn(p)
		}
	}
}

// readIndex parses sessions-index.json. It reports false when the file is
// absent; a present but empty or corrupt index yields no project and no
// fallback scan.
func (s *Scanner) readIndex(projectDir, name string) (Project, bool) {
	data, err := os.ReadFile(filepath.Join(projectDir, indexFile))
	if err != nil {
		return Project{}, false
	}
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		s.logger.Debug("skipping corrupt session index", zap.String("project", name), zap.Error(err))
		return Project{}, true
	}
	if len(idx.Entries) == 0 {
		return Project{}, true
	}
	projectPath := idx.OriginalPath
	if projectPath == "" {
		projectPath = DecodeProjectDir(name)
	}
	p := Project{ProjectPath: projectPath, ProjectName: filepath.Base(projectPath)}
	for _, e := range idx.Entries {
		ls := LocalSession{
			SessionID:    e.SessionID,
			FirstPrompt:  prefix(e.FirstPrompt, firstPromptCap),
			MessageCount: e.MessageCount,
			Created:      e.Created,
			Modified:     e.Modified,
			GitBranch:    e.GitBranch,
			ProjectPath:  e.ProjectPath,
			ProjectName:  p.ProjectName,
		}
		if ls.ProjectPath == "" {
			ls.ProjectPath = projectPath
		}
		p.Sessions = append(p.Sessions, ls)
	}
	return p, true
}

func (s *Scanner) scanFallback(projectDir, name string) (Project, bool) {
	files, err := os.ReadDir(projectDir)
	if err != nil {
		return Project{}, false
	}
	projectPath := DecodeProjectDir(name)
	p := Project{ProjectPath: projectPath, ProjectName: filepath.Base(projectPath)}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".jsonl") {
			continue
		}
		if ls, ok := readHead(filepath.Join(projectDir, f.Name()), p); ok {
			p.Sessions = append(p.Sessions, ls)
		}
	}
	return p, len(p.Sessions) > 0
}

// readHead builds session metadata from the first user entry within the
// leading bytes of a transcript.
func readHead(path string, p Project) (LocalSession, bool) {
	f, err := os.Open(path)
	if err != nil {
		return LocalSession{}, false
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return LocalSession{}, false
	}
	buf := make([]byte, headBytes)
	n, _ := io.ReadFull(f, buf)

	for _, line := range strings.Split(string(buf[:n]), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var e entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		if e.Type != "user" || e.Message == nil {
			continue
		}
		id := e.SessionID
		if id == "" {
			id = strings.TrimSuffix(filepath.Base(path), ".jsonl")
		}
		created := e.Timestamp
		if created == "" {
			created = info.ModTime().UTC().Format(time.RFC3339Nano)
		}
		return LocalSession{
			SessionID:   id,
			FirstPrompt: prefix(contentText(e.Message.Content, true), firstPromptCap),
			Created:     created,
			Modified:    info.ModTime().UTC().Format(time.RFC3339Nano),
			GitBranch:   e.GitBranch,
			ProjectPath: p.ProjectPath,
			ProjectName: p.ProjectName,
		}, true
	}
	return LocalSession{}, false
}

// DecodeProjectDir turns an encoded project directory name back into a path.
// The encoding is lossy: dashes that were part of the path come back as
// separators.
func DecodeProjectDir(name string) string {
	if strings.HasPrefix(name, "-") {
		name = "/" + name[1:]
	}
	return strings.ReplaceAll(name, "-", "/")
}

func sortByModified(sessions []LocalSession) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return newer(sessions[i].Modified, sessions[j].Modified)
	})
}

func firstModified(p Project) string {
	if len(p.Sessions) == 0 {
		return ""
	}
	return p.Sessions[0].Modified
}

// newer orders timestamps newest first with blanks last.
func newer(a, b string) bool {
	if a == "" {
		return false
	}
	if b == "" {
		return true
	}
	ta, errA := time.Parse(time.RFC3339Nano, a)
	tb, errB := time.Parse(time.RFC3339Nano, b)
	if errA != nil || errB != nil {
		return a > b
	}
	return ta.After(tb)
}

func prefix(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
