// Package ipc defines the newline-delimited JSON protocol between the
// orchestrator and its tenant worker processes. Workers write messages to
// stdout; the orchestrator reads them from the child's pipe. Anything on the
// pipe that does not parse as a message is treated as plain log output.
package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// Kind discriminates the message types on the pipe.
type Kind string

const (
	// Heartbeat is sent by a worker on a fixed interval to prove liveness.
	Heartbeat Kind = "heartbeat"
	// Ready is sent once the worker's engine is fully started.
	Ready Kind = "ready"
	// Event forwards a tenant bus event to the parent.
	Event Kind = "event"
)

// Message is one line on the pipe.
type Message struct {
	Kind     Kind            `json:"kind"`
	TenantID string          `json:"tenant_id"`
	At       time.Time       `json:"at"`
	Event    string          `json:"event,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Writer serializes messages onto a stream. Safe for concurrent use; lines
// are never interleaved.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write emits one message as a single JSON line.
func (w *Writer) Write(msg Message) error {
	if msg.At.IsZero() {
		msg.At = time.Now()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal ipc message: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.w.Write(append(body, '\n'))
	return err
}

// Read consumes lines from r, calling onMessage for every parseable message
// and onOther for everything else. It returns when r reaches EOF or errors.
func Read(r io.Reader, onMessage func(Message), onOther func(line string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var msg Message
		if err := json.Unmarshal(line, &msg); err == nil && msg.Kind != "" {
			onMessage(msg)
			continue
		}
		if onOther != nil {
			onOther(string(line))
		}
	}
	return scanner.Err()
}
