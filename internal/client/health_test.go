package client

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transitions struct {
	mu  sync.Mutex
	got [][2]State
}

func (tr *transitions) record(from, to State) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.got = append(tr.got, [2]State{from, to})
}

func (tr *transitions) list() [][2]State {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([][2]State(nil), tr.got...)
}

func TestHealth_ConnectTimeoutStartsPolling(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := &transitions{}
	h := NewHealth(clock, 0, tr.record)

	assert.Equal(t, Connecting, h.State())
	assert.True(t, h.ShouldPoll(), "polling covers the connect window")

	h.Start()
	clock.Advance(DefaultConnectTimeout - time.Millisecond)
	assert.Equal(t, Connecting, h.State())

	clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return h.State() == Polling }, time.Second, 5*time.Millisecond)
	assert.Equal(t, [][2]State{{Connecting, Polling}}, tr.list())
}

func TestHealth_ConnectBeforeTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := &transitions{}
	h := NewHealth(clock, time.Second, tr.record)
	h.Start()

	h.Connected()
	assert.Equal(t, Connected, h.State())
	assert.False(t, h.ShouldPoll())

	clock.Advance(5 * time.Second)
	assert.Equal(t, Connected, h.State(), "a late timeout does not degrade a live connection")
	assert.Equal(t, [][2]State{{Connecting, Connected}}, tr.list())
}

func TestHealth_DisconnectAndRecover(t *testing.T) {
	tr := &transitions{}
	h := NewHealth(clockwork.NewFakeClock(), time.Second, tr.record)
	h.Start()
	defer h.Stop()

	h.Connected()
	h.Connected()
	h.Disconnected()
	assert.True(t, h.ShouldPoll())
	h.Disconnected()
	h.Connected()

	assert.Equal(t, [][2]State{
		{Connecting, Connected},
		{Connected, Polling},
		{Polling, Connected},
	}, tr.list())
}

func TestHealth_FailedFirstAttempt(t *testing.T) {
	h := NewHealth(clockwork.NewFakeClock(), time.Second, nil)
	h.Start()
	h.Disconnected()
	assert.Equal(t, Polling, h.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "polling", Polling.String())
	assert.Equal(t, "unknown", State(42).String())
}
