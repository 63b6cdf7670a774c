package ipc

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.Write(Message{Kind: Ready, TenantID: "t1"}))
	require.NoError(t, w.Write(Message{Kind: Heartbeat, TenantID: "t1"}))
	require.NoError(t, w.Write(Message{
		Kind:     Event,
		TenantID: "t1",
		Event:    "stock:updated",
		Payload:  json.RawMessage(`{"product_id":"p1","new_stock":85}`),
	}))

	var got []Message
	require.NoError(t, Read(&buf, func(m Message) { got = append(got, m) }, nil))

	require.Len(t, got, 3)
	require.Equal(t, Ready, got[0].Kind)
	require.Equal(t, Heartbeat, got[1].Kind)
	require.Equal(t, Event, got[2].Kind)
	require.Equal(t, "stock:updated", got[2].Event)
	require.JSONEq(t, `{"product_id":"p1","new_stock":85}`, string(got[2].Payload))
	require.False(t, got[0].At.IsZero(), "writer stamps At")
}

func TestNonProtocolLinesGoToOther(t *testing.T) {
	input := strings.Join([]string{
		`panic: runtime error`,
		`{"kind":"heartbeat","tenant_id":"t1","at":"2026-01-01T00:00:00Z"}`,
		`{"not":"a message"}`,
		`plain log line`,
	}, "\n")

	var messages []Message
	var other []string
	require.NoError(t, Read(strings.NewReader(input),
		func(m Message) { messages = append(messages, m) },
		func(line string) { other = append(other, line) },
	))

	require.Len(t, messages, 1)
	require.Equal(t, Heartbeat, messages[0].Kind)
	require.Equal(t, []string{"panic: runtime error", `{"not":"a message"}`, "plain log line"}, other)
}

func TestNilOtherHandlerIgnoresNoise(t *testing.T) {
	input := "garbage\n" + `{"kind":"ready","tenant_id":"t1"}` + "\n"

	var messages []Message
	require.NoError(t, Read(strings.NewReader(input),
		func(m Message) { messages = append(messages, m) }, nil))
	require.Len(t, messages, 1)
}

// syncBuffer makes bytes.Buffer safe for the concurrent writer test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestConcurrentWritesNeverInterleave(t *testing.T) {
	buf := &syncBuffer{}
	w := NewWriter(buf)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Write(Message{Kind: Heartbeat, TenantID: "t1", At: time.Now()})
		}()
	}
	wg.Wait()

	count := 0
	require.NoError(t, Read(strings.NewReader(buf.String()), func(m Message) {
		require.Equal(t, Heartbeat, m.Kind)
		count++
	}, func(line string) {
		t.Fatalf("unparseable line: %q", line)
	}))
	require.Equal(t, 50, count)
}
