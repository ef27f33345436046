package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rescale/chunkup/internal/events"
)

func TestLogger_SetOutput(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(ModeLib, nil)
	l.SetOutput(&buf)

	l.Infof("hashing %s", "a.bin")

	if !strings.Contains(buf.String(), "hashing a.bin") {
		t.Errorf("output missing message: %q", buf.String())
	}
	if l.Output() != &buf {
		t.Error("Output() should return the writer passed to SetOutput")
	}
}

func TestLogger_TaskField(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(ModeLib, nil)
	l.SetOutput(&buf)

	l.Task("task-42").Info().Msg("registered")

	out := buf.String()
	if !strings.Contains(out, "task-42") || !strings.Contains(out, "registered") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestLogger_ForwardsToEventBus(t *testing.T) {
	bus := events.NewEventBus(10)
	defer bus.Close()
	ch := bus.Subscribe(events.EventLog)

	l := NewLogger(ModeLib, bus)
	l.SetOutput(&bytes.Buffer{})
	l.Errorf(errors.New("boom"), "chunk %d failed", 3)

	select {
	case ev := <-ch:
		logEv := ev.(*events.LogEvent)
		if logEv.Level != events.ErrorLevel {
			t.Errorf("level = %v, want ERROR", logEv.Level)
		}
		if logEv.Message != "chunk 3 failed" {
			t.Errorf("message = %q", logEv.Message)
		}
		if logEv.Error == nil {
			t.Error("expected error to be forwarded")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for log event")
	}
}

func TestNewNop(t *testing.T) {
	l := NewNop()
	l.Infof("discarded")
	l.Warnf("discarded %d", 1)
	l.Errorf(nil, "discarded")
}
