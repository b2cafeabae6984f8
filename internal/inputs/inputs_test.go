package inputs

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"kc868-go-home/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeReader struct {
	states uint32
	reads  int
	err    error
}

func (r *fakeReader) ReadInputs() (bool, error) {
	r.reads++
	return false, r.err
}
func (r *fakeReader) InputState(i int) bool       { return i < 16 && r.states&(1<<i) != 0 }
func (r *fakeReader) DirectInputState(i int) bool { return r.states&(1<<(16+i)) != 0 }

func (r *fakeReader) set(i int, on bool) {
	if on {
		r.states |= 1 << i
	} else {
		r.states &^= 1 << i
	}
}

type call struct {
	index int
	state bool
}

type testManager struct {
	*Manager
	reader *fakeReader
	store  *store.MemoryStore
	calls  []call
}

func newTestManager(t *testing.T) *testManager {
	t.Helper()
	tm := &testManager{reader: &fakeReader{}, store: store.NewMemoryStore()}
	tm.Manager = NewManager(tm.reader, tm.store, func(i int, s bool) {
		tm.calls = append(tm.calls, call{i, s})
	}, testLogger())
	return tm
}

func (tm *testManager) configure(t *testing.T, i int, p Priority, tr Trigger) {
	t.Helper()
	if err := tm.UpdateConfig(i, Config{Enabled: true, Priority: p, Trigger: tr}); err != nil {
		t.Fatal(err)
	}
}

func TestShouldDispatch(t *testing.T) {
	tests := []struct {
		trigger   Trigger
		prev, cur bool
		want      bool
	}{
		{TriggerRising, false, true, true},
		{TriggerRising, true, true, false},
		{TriggerRising, true, false, false},
		{TriggerFalling, true, false, true},
		{TriggerFalling, false, false, false},
		{TriggerFalling, false, true, false},
		{TriggerChange, false, true, true},
		{TriggerChange, true, false, true},
		{TriggerChange, true, true, false},
		{TriggerChange, false, false, false},
		{TriggerHighLevel, true, true, true},
		{TriggerHighLevel, false, true, true},
		{TriggerHighLevel, true, false, false},
		{TriggerLowLevel, false, false, true},
		{TriggerLowLevel, true, false, true},
		{TriggerLowLevel, false, true, false},
		{Trigger(9), false, true, false},
	}
	for _, tt := range tests {
		got := ShouldDispatch(tt.trigger, tt.prev, tt.cur)
		if got != tt.want {
			t.Errorf("ShouldDispatch(%s, %v, %v) = %v, want %v", tt.trigger, tt.prev, tt.cur, got, tt.want)
		}
	}
}

func TestDefaults(t *testing.T) {
	tm := newTestManager(t)
	tm.Load()
	c, _ := tm.Config(4)
	if c.Enabled || c.Priority != PriorityMedium || c.Trigger != TriggerChange || c.Name != "Input 5" {
		t.Errorf("default = %+v", c)
	}
	if tm.Active() {
		t.Error("defaults should leave the dispatcher inactive")
	}
}

func TestInactiveDoesNoIO(t *testing.T) {
	tm := newTestManager(t)
	n, err := tm.ProcessInterrupts()
	if n != 0 || err != nil {
		t.Errorf("ProcessInterrupts = %d, %v", n, err)
	}
	if tm.reader.reads != 0 {
		t.Errorf("reads = %d, want 0", tm.reader.reads)
	}
}

func TestBaselineSkipsEdges(t *testing.T) {
	tm := newTestManager(t)
	tm.configure(t, 0, PriorityHigh, TriggerRising)
	tm.configure(t, 1, PriorityHigh, TriggerHighLevel)
	tm.reader.set(0, true)
	tm.reader.set(1, true)

	tm.ProcessInterrupts()
	if len(tm.calls) != 1 || tm.calls[0] != (call{1, true}) {
		t.Fatalf("baseline calls = %v, want only the level trigger", tm.calls)
	}

	tm.calls = nil
	tm.reader.set(0, false)
	tm.ProcessInterrupts()
	tm.reader.set(0, true)
	tm.ProcessInterrupts()
	want := []call{{1, true}, {0, true}, {1, true}}
	if len(tm.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", tm.calls, want)
	}
	for i := range want {
		if tm.calls[i] != want[i] {
			t.Errorf("call %d = %v, want %v", i, tm.calls[i], want[i])
		}
	}
}

func TestReenableStartsNewBaseline(t *testing.T) {
	tm := newTestManager(t)
	tm.configure(t, 0, PriorityHigh, TriggerRising)
	tm.ProcessInterrupts() // baseline with input 0 low

	if err := tm.EnableAll(false); err != nil {
		t.Fatal(err)
	}
	tm.reader.set(0, true) // changes while dispatch is off
	tm.ProcessInterrupts()
	if err := tm.EnableAll(true); err != nil {
		t.Fatal(err)
	}

	tm.ProcessInterrupts()
	if len(tm.calls) != 0 {
		t.Fatalf("calls after re-enable = %v, want none for a steady input", tm.calls)
	}

	tm.reader.set(0, false)
	tm.ProcessInterrupts()
	tm.reader.set(0, true)
	tm.ProcessInterrupts()
	if len(tm.calls) != 1 || tm.calls[0] != (call{0, true}) {
		t.Errorf("calls = %v, want one rising edge on input 0", tm.calls)
	}
}

func TestSamplerReset(t *testing.T) {
	r := &fakeReader{}
	s := NewSampler(r)
	r.set(2, true)
	if f, _ := s.Sample(); !f.Baseline {
		t.Error("first sample is not a baseline")
	}
	if f, _ := s.Sample(); f.Baseline || f.Changed() != 0 {
		t.Errorf("second sample = %+v", f)
	}
	s.Reset()
	f, _ := s.Sample()
	if !f.Baseline || f.Prev != 0 {
		t.Errorf("sample after reset = %+v, want a fresh baseline", f)
	}
}

func TestPriorityOrder(t *testing.T) {
	tm := newTestManager(t)
	tm.configure(t, 0, PriorityLow, TriggerChange)
	tm.configure(t, 5, PriorityMedium, TriggerChange)
	tm.configure(t, 9, PriorityHigh, TriggerChange)
	tm.configure(t, 3, PriorityHigh, TriggerChange)
	tm.configure(t, 7, PriorityNone, TriggerChange)

	tm.ProcessInterrupts() // baseline
	for _, i := range []int{0, 3, 5, 7, 9} {
		tm.reader.set(i, true)
	}
	n, err := tm.ProcessInterrupts()
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Fatalf("dispatched %d, want 4", n)
	}
	want := []int{3, 9, 5, 0}
	for i, idx := range want {
		if tm.calls[i].index != idx {
			t.Errorf("dispatch %d = input %d, want %d (calls %v)", i, tm.calls[i].index, idx, tm.calls)
		}
	}
}

func TestDisabledNotDispatched(t *testing.T) {
	tm := newTestManager(t)
	tm.configure(t, 0, PriorityHigh, TriggerChange)
	tm.UpdateConfig(1, Config{Enabled: false, Priority: PriorityHigh, Trigger: TriggerChange})

	tm.ProcessInterrupts()
	tm.reader.set(1, true)
	tm.ProcessInterrupts()
	if len(tm.calls) != 0 {
		t.Errorf("calls = %v, want none", tm.calls)
	}
}

func TestSampleErrorStillDispatches(t *testing.T) {
	tm := newTestManager(t)
	tm.configure(t, 2, PriorityMedium, TriggerHighLevel)
	tm.reader.set(2, true)
	tm.reader.err = errors.New("nack")

	n, err := tm.ProcessInterrupts()
	if err == nil {
		t.Error("expected sample error")
	}
	if n != 1 {
		t.Errorf("dispatched %d, want 1 from cached state", n)
	}
}

func TestPollNoneInputs(t *testing.T) {
	tm := newTestManager(t)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// No priority-none inputs: no I/O.
	if n, _ := tm.PollNonInterrupt(t0); n != 0 || tm.reader.reads != 0 {
		t.Fatalf("poll without none inputs: n=%d reads=%d", n, tm.reader.reads)
	}

	tm.UpdateConfig(4, Config{Priority: PriorityNone, Trigger: TriggerChange})
	tm.configure(t, 6, PriorityHigh, TriggerChange)
	tm.reader.set(4, true)
	tm.reader.set(6, true)

	t1 := t0.Add(time.Second)
	n, err := tm.PollNonInterrupt(t1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || tm.calls[0] != (call{4, true}) {
		t.Fatalf("poll calls = %v", tm.calls)
	}

	// Within the interval nothing happens.
	if n, _ := tm.PollNonInterrupt(t1.Add(10 * time.Millisecond)); n != 0 {
		t.Errorf("poll within interval dispatched %d", n)
	}
	if n, _ := tm.PollNonInterrupt(t1.Add(PollInterval)); n != 1 {
		t.Errorf("poll after interval dispatched %d, want 1", n)
	}

	// Inactive none inputs are not dispatched.
	tm.reader.set(4, false)
	if n, _ := tm.PollNonInterrupt(t1.Add(time.Second)); n != 0 {
		t.Errorf("inactive input dispatched")
	}
}

func TestPersistence(t *testing.T) {
	tm := newTestManager(t)
	c := Config{Enabled: true, Name: "Door", Priority: PriorityLow, Trigger: TriggerFalling}
	if err := tm.UpdateConfig(15, c); err != nil {
		t.Fatal(err)
	}
	if err := tm.UpdateConfig(16, c); !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
	if err := tm.UpdateConfig(0, Config{Priority: 4}); !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}

	m2 := NewManager(&fakeReader{}, tm.store, nil, testLogger())
	m2.Load()
	got, _ := m2.Config(15)
	if got != c {
		t.Errorf("reloaded = %+v, want %+v", got, c)
	}
	if !m2.Active() {
		t.Error("reloaded manager should be active")
	}
}

func TestEnableAll(t *testing.T) {
	tm := newTestManager(t)
	if err := tm.EnableAll(true); err != nil {
		t.Fatal(err)
	}
	if !tm.Active() {
		t.Error("EnableAll(true) with default medium priority should activate")
	}
	if err := tm.Enable(3, false); err != nil {
		t.Fatal(err)
	}
	c, _ := tm.Config(3)
	if c.Enabled {
		t.Error("input 3 still enabled")
	}
	if err := tm.EnableAll(false); err != nil {
		t.Fatal(err)
	}
	if tm.Active() {
		t.Error("still active after EnableAll(false)")
	}
}

func TestUpdateSaveFailureRollsBack(t *testing.T) {
	tm := newTestManager(t)
	tm.store.SaveErr = errors.New("read-only")
	if err := tm.Enable(0, true); err == nil {
		t.Fatal("expected error")
	}
	if tm.Active() {
		t.Error("config changed despite failed save")
	}
}

func TestLoadInvalidEntry(t *testing.T) {
	st := store.NewMemoryStore()
	st.Save(store.KeyInterrupts, []byte(`{"interrupts":[{"enabled":true,"priority":"urgent"},{"enabled":true,"priority":"high","trigger":"rising","name":"B"}]}`))
	m := NewManager(&fakeReader{}, st, nil, testLogger())
	m.Load()

	c0, _ := m.Config(0)
	if c0 != DefaultConfig(0) {
		t.Errorf("slot 0 = %+v, want default", c0)
	}
	c1, _ := m.Config(1)
	if !c1.Enabled || c1.Priority != PriorityHigh || c1.Trigger != TriggerRising || c1.Name != "B" {
		t.Errorf("slot 1 = %+v", c1)
	}
}
