package observability

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType defines the category of the log event.
type EventType string

const (
	EventTypeSession     EventType = "session"
	EventTypeReply       EventType = "reply"
	EventTypeToolCall    EventType = "tool_call"
	EventTypePolicyCheck EventType = "policy_check"
	EventTypeCost        EventType = "cost"
	EventTypePlan        EventType = "plan"
	EventTypeStep        EventType = "step"
	EventTypeHeartbeat   EventType = "heartbeat"
	EventTypeLLM         EventType = "llm"
)

// Event represents a structured log entry.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Logger handles structured logging. A nil *Logger discards everything.
type Logger struct {
	mu         sync.Mutex
	out        io.Writer
	llmLogPath string
	maxSize    int64
}

const llmLogMaxSize = 10 << 20

// NewLogger writes events to stdout and LLM transcripts to logs/llm.jsonl.
func NewLogger() *Logger {
	return NewLoggerTo(os.Stdout, filepath.Join("logs", "llm.jsonl"))
}

// NewLoggerTo writes events to w and LLM transcripts to llmLogPath (empty disables them).
func NewLoggerTo(w io.Writer, llmLogPath string) *Logger {
	return &Logger{out: w, llmLogPath: llmLogPath, maxSize: llmLogMaxSize}
}

// Log emits a structured JSON event.
func (l *Logger) Log(evt Event) {
	if l == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"type": string(evt.Type), "error": err.Error()})
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.out, string(data))

	if evt.Type == EventTypeLLM && l.llmLogPath != "" {
		l.writeToFile(data)
	}
}

// writeToFile appends to the llm log, keeping a single .old generation.
func (l *Logger) writeToFile(data []byte) {
	if err := os.MkdirAll(filepath.Dir(l.llmLogPath), 0o755); err != nil {
		log.Printf("llm log: %v", err)
		return
	}
	if info, err := os.Stat(l.llmLogPath); err == nil && info.Size() > l.maxSize {
		old := l.llmLogPath + ".old"
		_ = os.Remove(old)
		_ = os.Rename(l.llmLogPath, old)
	}

	f, err := os.OpenFile(l.llmLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("llm log: %v", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		log.Printf("llm log: %v", err)
	}
}

func (l *Logger) emit(typ EventType, sessionID, runID string, data any) {
	l.Log(Event{Type: typ, SessionID: sessionID, RunID: runID, Data: data})
}

// LogSession records a session transition with its phase.
func (l *Logger) LogSession(sessionID, phase, detail string) {
	l.emit(EventTypeSession, sessionID, "", map[string]string{"phase": phase, "detail": detail})
}

func (l *Logger) LogReply(sessionID, intent, text string) {
	l.emit(EventTypeReply, sessionID, "", map[string]string{"intent": intent, "text": text})
}

func (l *Logger) LogToolCall(sessionID, runID, tool, action, args string) {
	l.emit(EventTypeToolCall, sessionID, runID, map[string]string{"tool": tool, "action": action, "args": args})
}

// LogPolicy records a governance decision on a step.
func (l *Logger) LogPolicy(sessionID, stepID, effect, reason string) {
	l.emit(EventTypePolicyCheck, sessionID, "", map[string]string{"step": stepID, "effect": effect, "reason": reason})
}

func (l *Logger) LogStep(sessionID, runID, stepID, status, message string) {
	l.emit(EventTypeStep, sessionID, runID, map[string]string{"step": stepID, "status": status, "message": message})
}

func (l *Logger) LogPlan(sessionID, runID, status, message string) {
	l.emit(EventTypePlan, sessionID, runID, map[string]string{"status": status, "message": message})
}

// LogCost records token usage reported by the drafting model.
func (l *Logger) LogCost(sessionID string, promptTokens, completionTokens int, model string) {
	l.emit(EventTypeCost, sessionID, "", map[string]any{
		"prompt_tokens":     promptTokens,
		"completion_tokens": completionTokens,
		"total_tokens":      promptTokens + completionTokens,
		"model":             model,
	})
}

func (l *Logger) LogHeartbeat() {
	l.emit(EventTypeHeartbeat, "", "", map[string]string{"status": "alive"})
}

// LogLLM records one drafting exchange; it is also appended to the llm log file.
func (l *Logger) LogLLM(sessionID string, prompt any, response string, toolCalls any) {
	l.emit(EventTypeLLM, sessionID, "", map[string]any{
		"prompt":     prompt,
		"response":   response,
		"tool_calls": toolCalls,
	})
}
