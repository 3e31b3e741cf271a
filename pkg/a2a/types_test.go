package a2a

import "testing"

func TestTaskStateTerminal(t *testing.T) {
	terminal := []TaskState{TaskStateCompleted, TaskStateFailed, TaskStateCanceled, TaskStateRejected}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []TaskState{TaskStateSubmitted, TaskStateWorking, TaskStateInputRequired} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestTaskStateCanTransition(t *testing.T) {
	cases := []struct {
		from, to TaskState
		want     bool
	}{
		{TaskStateSubmitted, TaskStateWorking, true},
		{TaskStateSubmitted, TaskStateRejected, true},
		{TaskStateWorking, TaskStateInputRequired, true},
		{TaskStateWorking, TaskStateCompleted, true},
		{TaskStateInputRequired, TaskStateWorking, true},
		{TaskStateInputRequired, TaskStateCanceled, true},
		{TaskStateInputRequired, TaskStateCompleted, false},
		{TaskStateCompleted, TaskStateWorking, false},
		{TaskStateCanceled, TaskStateCanceled, false},
		{TaskStateWorking, TaskStateSubmitted, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.want {
			t.Errorf("%s -> %s = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestMessageText(t *testing.T) {
	m := &Message{Parts: []Part{
		TextPart("hello "),
		DataPart(map[string]interface{}{"k": "v"}),
		TextPart("world"),
	}}
	if got := m.Text(); got != "hello world" {
		t.Errorf("Text() = %q", got)
	}
	if data := m.FirstData(); data == nil || data["k"] != "v" {
		t.Errorf("FirstData() = %v", data)
	}

	empty := &Message{Parts: []Part{DataPart(map[string]interface{}{"a": 1})}}
	if empty.Text() != "" {
		t.Errorf("Text() on data-only message = %q", empty.Text())
	}
}

func TestNewStatusTimestamp(t *testing.T) {
	st := NewStatus(TaskStateWorking, nil)
	if st.State != TaskStateWorking {
		t.Errorf("state = %s", st.State)
	}
	if st.Timestamp == "" {
		t.Error("timestamp not set")
	}
}
