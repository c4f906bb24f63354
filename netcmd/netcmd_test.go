package netcmd

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tweezerlab/awg/comm"
	"github.com/tweezerlab/awg/controller"
	"github.com/tweezerlab/awg/fault"
)

func TestParse(t *testing.T) {
	cases := []struct {
		msg  string
		kind Kind
		arg  string
	}{
		{"rearrange=0110", Rearrange, "0110"},
		{"#rearrange=0110#", Rearrange, "0110"},
		{"rearrange_AWG1=1", Rearrange, "1"},
		{"rearrange=", Rearrange, ""},
		{"load=C:/params/a.yml", Load, "C:/params/a.yml"},
		{"save= /tmp/b.yml ", Save, "/tmp/b.yml"},
		{"trigger=", Trigger, ""},
		{"#trigger=#\r", Trigger, ""},
		{"load=/tmp/x=y.yml", Load, "/tmp/x=y.yml"},
	}
	for _, c := range cases {
		cmd, err := Parse(c.msg)
		require.NoError(t, err, c.msg)
		assert.Equal(t, c.kind, cmd.Kind, c.msg)
		assert.Equal(t, c.arg, cmd.Arg, c.msg)
	}
}

func TestParseRejects(t *testing.T) {
	for _, msg := range []string{
		"rearrange",
		"rearrange=01x1",
		"explode=now",
		"load=",
		"set_data=[0, 1, freq_amp]",
		"set_data=nonsense",
		"set_data=[]",
		"set_data=[0.5, 1, 'freq_amp', 1, 0]",
		"set_data=[0, 1, 'freq_amp', [1], 0]",
	} {
		_, err := Parse(msg)
		assert.True(t, fault.Is(err, fault.Validation), "%q: %v", msg, err)
	}
}

func TestParseUpdates(t *testing.T) {
	u, err := ParseUpdates("[0, 1, 'freq_amp', 0.4, 2]")
	require.NoError(t, err)
	want := []controller.Update{{Channel: 0, Segment: 1, Param: "freq_amp", Value: 0.4, Tone: 2}}
	if diff := cmp.Diff(want, u); diff != "" {
		t.Errorf("single update mismatch (-want +got):\n%s", diff)
	}

	u, err = ParseUpdates(`[[1, 2, "start_freq_MHz", 101, None], [0, 3, 'phase_behaviour', 'continue'], [0, 0, 'amp', -2.5e-1, 0]]`)
	require.NoError(t, err)
	want = []controller.Update{
		{Channel: 1, Segment: 2, Param: "start_freq_MHz", Value: 101, Tone: -1},
		{Channel: 0, Segment: 3, Param: "phase_behaviour", Text: "continue", Tone: -1},
		{Channel: 0, Segment: 0, Param: "amp", Value: -0.25, Tone: 0},
	}
	if diff := cmp.Diff(want, u); diff != "" {
		t.Errorf("batch mismatch (-want +got):\n%s", diff)
	}
}

type call struct {
	kind    Kind
	arg     string
	updates []controller.Update
	send    bool
}

type fakeHandler struct {
	mu    sync.Mutex
	calls []call
	fail  error
	seen  chan struct{}
}

func newFake() *fakeHandler { return &fakeHandler{seen: make(chan struct{}, 16)} }

func (f *fakeHandler) record(c call) error {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
	f.seen <- struct{}{}
	return f.fail
}

func (f *fakeHandler) Resolve(occ string) error { return f.record(call{kind: Rearrange, arg: occ}) }
func (f *fakeHandler) UpdateParams(u []controller.Update, send bool) error {
	return f.record(call{kind: SetData, updates: u, send: send})
}
func (f *fakeHandler) Load(path string) (controller.Report, error) {
	return controller.Report{}, f.record(call{kind: Load, arg: path})
}
func (f *fakeHandler) Save(path string) error { return f.record(call{kind: Save, arg: path}) }
func (f *fakeHandler) Trigger() error         { return f.record(call{kind: Trigger}) }

func (f *fakeHandler) wait(t *testing.T, n int) []call {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.seen:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d commands dispatched", i, n)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func TestHandleDispatches(t *testing.T) {
	h := newFake()
	l := NewLink(nil, h)
	require.NoError(t, l.Handle("#rearrange=101#"))
	require.NoError(t, l.Handle("set_data=[0, 1, 'freq_amp', 0.5, 0]"))
	require.NoError(t, l.Handle("save=a.yml"))
	require.NoError(t, l.Handle("load=a.yml"))
	require.NoError(t, l.Handle("trigger="))
	calls := h.wait(t, 5)
	assert.Equal(t, []Kind{Rearrange, SetData, Save, Load, Trigger},
		[]Kind{calls[0].kind, calls[1].kind, calls[2].kind, calls[3].kind, calls[4].kind})
	assert.Equal(t, "101", calls[0].arg)
	assert.True(t, calls[1].send)
	assert.Equal(t, "a.yml", calls[3].arg)

	h.fail = errors.New("card on fire")
	assert.EqualError(t, l.Handle("trigger="), "card on fire")
	assert.Error(t, l.Handle("bogus"))
}

// experimentServer accepts connections and writes every message sent on its
// channel to the current connection
func experimentServer(t *testing.T) (string, chan<- string, <-chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	msgs := make(chan string)
	accepted := make(chan struct{}, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- struct{}{}
			for m := range msgs {
				if m == "" {
					// hang up
					break
				}
				if _, err := conn.Write([]byte(m + "\n")); err != nil {
					break
				}
			}
			conn.Close()
		}
	}()
	return ln.Addr().String(), msgs, accepted
}

func TestLinkReconnects(t *testing.T) {
	addr, msgs, accepted := experimentServer(t)
	h := newFake()
	rd := comm.NewRemoteDevice(addr, false, comm.Config{RetryFor: -1})
	l := NewLink(rd, h)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	<-accepted
	msgs <- "#rearrange=0011#"
	msgs <- "not a command"
	msgs <- "trigger="
	msgs <- ""

	<-accepted
	msgs <- "save=b.yml"
	calls := h.wait(t, 3)
	assert.Equal(t, call{kind: Rearrange, arg: "0011"}, calls[0])
	assert.Equal(t, Trigger, calls[1].kind)
	assert.Equal(t, call{kind: Save, arg: "b.yml"}, calls[2])

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
