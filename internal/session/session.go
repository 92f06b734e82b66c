// Package session implements SessionSink: an append-only, durable event
// log for one turn-driving session, plus a SharedContext snapshot builder
// consumed by spawned subagents.
//
// Grounded on the teacher's session.go: the JSONL header/event/footer
// framing, bufio.Reader line-safe reading, and legacy-JSON fallback are
// kept verbatim in spirit. The event vocabulary is replaced: the turn
// event taxonomy of spec.md §6 is now the primary `Kind`, and the
// teacher's EventSystem/EventWarning constants survive only as a
// secondary Severity classification, per SPEC_FULL.md §D.
package session

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentcore/core/internal/subagent"
)

// Kind is the authoritative turn event taxonomy, spec.md §6, in emission order.
type Kind string

const (
	UserSubmitted         Kind = "user_submitted"
	SystemInjected        Kind = "system_injected"
	ThinkingDelta         Kind = "thinking_delta"
	TextDelta             Kind = "text_delta"
	ToolCallStart         Kind = "tool_call_start"
	ToolCallArgsDelta     Kind = "tool_call_args_delta"
	ToolCallEnd           Kind = "tool_call_end"
	ApprovalRequest       Kind = "approval_request"
	ApprovalResolved      Kind = "approval_resolved"
	ToolResultDelta       Kind = "tool_result_delta"
	ToolResult            Kind = "tool_result"
	Usage                 Kind = "usage"
	Retrying              Kind = "retrying"
	RoutedModel           Kind = "routed_model"
	CompactContext        Kind = "compact_context"
	SubAgentSpawned       Kind = "subagent_spawned"
	SubAgentStatusChanged Kind = "subagent_status_changed"
	SubAgentCompleted     Kind = "subagent_completed"
	TurnComplete          Kind = "turn_complete"
)

// Severity is a secondary classification orthogonal to Kind, descending
// from the teacher's EventSystem/EventWarning session-log constants.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Status values for a session as a whole.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Meta carries structured detail specific to a handful of event kinds:
// security taint lineage for tool_result events touching untrusted
// content, and subagent/usage detail.
type Meta struct {
	BlockID       string   `json:"block_id,omitempty"`
	Trust         string   `json:"trust,omitempty"`
	RelatedBlocks []string `json:"related_blocks,omitempty"`
	CheckPath     string   `json:"check_path,omitempty"` // static | static->triage | static->triage->supervisor
	Verdict       string   `json:"verdict,omitempty"`

	SubAgentID       string `json:"subagent_id,omitempty"`
	SubAgentNickname string `json:"subagent_nickname,omitempty"`
	SubAgentRole     string `json:"subagent_role,omitempty"`

	Model     string `json:"model,omitempty"`
	TokensIn  int    `json:"tokens_in,omitempty"`
	TokensOut int    `json:"tokens_out,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
}

// Event is one entry in the session log.
type Event struct {
	SeqID     uint64    `json:"seq"`
	Kind      Kind      `json:"kind"`
	Severity  Severity  `json:"severity,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	CorrelationID string `json:"corr_id,omitempty"`

	Content    string                 `json:"content,omitempty"`
	Tool       string                 `json:"tool,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	Args       map[string]interface{} `json:"args,omitempty"`

	Success    *bool  `json:"success,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`

	Meta *Meta `json:"meta,omitempty"`
}

// Session is the in-memory representation of one turn-driving session.
type Session struct {
	ID           string            `json:"id"`
	WorkflowName string            `json:"workflow_name"`
	Inputs       map[string]string `json:"inputs"`
	Status       string            `json:"status"`
	Result       string            `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
	Events       []Event           `json:"events"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`

	seqCounter uint64
	mu         sync.Mutex
}

func (s *Session) nextSeqID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqCounter++
	return s.seqCounter
}

// AddEvent appends event in-memory with automatic sequencing; it does not
// persist. Sink.Append is the durable path.
func (s *Session) AddEvent(event Event) uint64 {
	event.SeqID = s.nextSeqID()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	s.mu.Lock()
	s.Events = append(s.Events, event)
	s.UpdatedAt = time.Now()
	s.mu.Unlock()
	return event.SeqID
}

func generateID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Sink is the outbound port TurnDriver appends every observable event to.
// append(event) must be durable before the next turn step begins.
type Sink interface {
	Append(event Event) error
	Close(status, result, errMsg string) error
}

// JSONL record framing, matching the teacher's discriminated-union style.
const (
	recordHeader = "header"
	recordEvent  = "event"
	recordFooter = "footer"
)

type jsonlRecord struct {
	RecordType string `json:"_type"`

	ID           string            `json:"id,omitempty"`
	WorkflowName string            `json:"workflow_name,omitempty"`
	Inputs       map[string]string `json:"inputs,omitempty"`
	CreatedAt    time.Time         `json:"created_at,omitempty"`

	*Event `json:",omitempty"`

	Status    string    `json:"status,omitempty"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// FileSink appends events to an open JSONL file, one durable line at a
// time, rather than the teacher's whole-file rewrite-on-Save approach —
// the append(event) contract in spec.md §6 requires durability per event,
// not per session.
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	sess *Session
}

// NewFileSink creates a session file under dir and writes its header line.
func NewFileSink(dir, workflowName string, inputs map[string]string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session: creating directory: %w", err)
	}
	id := generateID()
	now := time.Now()
	path := filepath.Join(dir, id+".jsonl")

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("session: creating file: %w", err)
	}

	sink := &FileSink{
		f: f,
		sess: &Session{
			ID: id, WorkflowName: workflowName, Inputs: inputs,
			Status: StatusRunning, CreatedAt: now, UpdatedAt: now,
		},
	}
	header := jsonlRecord{RecordType: recordHeader, ID: id, WorkflowName: workflowName, Inputs: inputs, CreatedAt: now}
	if err := sink.writeLine(header); err != nil {
		f.Close()
		return nil, err
	}
	return sink, nil
}

// ID returns the underlying session id.
func (s *FileSink) ID() string { return s.sess.ID }

// Append writes one event line and fsyncs before returning, satisfying the
// "durable before the next turn step begins" contract.
func (s *FileSink) Append(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event.SeqID = s.sess.nextSeqID()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	s.sess.Events = append(s.sess.Events, event)

	record := jsonlRecord{RecordType: recordEvent, Event: &event}
	if err := s.writeLineLocked(record); err != nil {
		return err
	}
	return s.f.Sync()
}

// Close writes the terminal footer line and closes the file.
func (s *FileSink) Close(status, result, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	footer := jsonlRecord{RecordType: recordFooter, Status: status, Result: result, Error: errMsg, UpdatedAt: time.Now()}
	if err := s.writeLineLocked(footer); err != nil {
		s.f.Close()
		return err
	}
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

func (s *FileSink) writeLine(record jsonlRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLineLocked(record)
}

func (s *FileSink) writeLineLocked(record jsonlRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("session: marshalling record: %w", err)
	}
	if _, err := s.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("session: writing record: %w", err)
	}
	return nil
}

// Load reads a persisted session back, preferring the JSONL format and
// falling back to a pre-migration legacy JSON blob if present.
func Load(dir, id string) (*Session, error) {
	jsonlPath := filepath.Join(dir, id+".jsonl")
	if _, err := os.Stat(jsonlPath); err == nil {
		return loadJSONL(jsonlPath)
	}
	return loadLegacyJSON(filepath.Join(dir, id+".json"))
}

func loadJSONL(path string) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sess := &Session{Inputs: map[string]string{}}
	reader := bufio.NewReader(f)

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				if len(line) > 0 {
					if perr := parseLine(line, sess); perr != nil {
						return nil, perr
					}
				}
				break
			}
			return nil, fmt.Errorf("session: reading jsonl: %w", err)
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if err := parseLine(line, sess); err != nil {
			return nil, err
		}
	}

	if len(sess.Events) > 0 {
		sess.seqCounter = sess.Events[len(sess.Events)-1].SeqID
	}
	return sess, nil
}

func parseLine(line []byte, sess *Session) error {
	var record jsonlRecord
	if err := json.Unmarshal(line, &record); err != nil {
		return fmt.Errorf("session: parsing jsonl line: %w", err)
	}
	switch record.RecordType {
	case recordHeader:
		sess.ID = record.ID
		sess.WorkflowName = record.WorkflowName
		sess.Inputs = record.Inputs
		sess.CreatedAt = record.CreatedAt
	case recordEvent:
		if record.Event != nil {
			sess.Events = append(sess.Events, *record.Event)
		}
	case recordFooter:
		sess.Status = record.Status
		sess.Result = record.Result
		sess.Error = record.Error
		sess.UpdatedAt = record.UpdatedAt
	}
	return nil
}

func loadLegacyJSON(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	if len(sess.Events) > 0 {
		sess.seqCounter = sess.Events[len(sess.Events)-1].SeqID
	}
	return &sess, nil
}

// SharedContextBrief distills a session's recent activity into the bundle
// spawned subagents are briefed with, per spec.md §3's SharedContext.
func (s *Session) SharedContextBrief(projectRoot, memoryExcerpt string) subagent.SharedContext {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changes []string
	var lastSummary string
	for _, e := range s.Events {
		switch e.Kind {
		case ToolCallEnd:
			if e.Tool == "write" || e.Tool == "edit" || e.Tool == "apply_patch" {
				changes = append(changes, e.Content)
			}
		case CompactContext:
			lastSummary = e.Content
		}
	}
	if len(changes) > 20 {
		changes = changes[len(changes)-20:]
	}

	return subagent.SharedContext{
		RecentChanges:       changes,
		ConversationSummary: lastSummary,
		ProjectRoot:         projectRoot,
		MemoryExcerpt:       memoryExcerpt,
	}
}
