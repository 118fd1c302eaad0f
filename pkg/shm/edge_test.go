package shm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/smd-tty/api"
)

type eventLog struct {
	mu     sync.Mutex
	events []api.Event
	ch     chan api.Event
}

func newEventLog() *eventLog {
	return &eventLog{ch: make(chan api.Event, 64)}
}

func (l *eventLog) notify(ev api.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	select {
	case l.ch <- ev:
	default:
	}
}

func (l *eventLog) waitFor(t *testing.T, want api.Event) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-l.ch:
			if ev == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func (l *eventLog) count(want api.Event) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev == want {
			n++
		}
	}
	return n
}

func TestRingWrapAround(t *testing.T) {
	r, err := newRing(make([]byte, ringMemSize(8)))
	assert.NoError(t, err)
	assert.Equal(t, 8, r.space())

	assert.Equal(t, 6, r.write([]byte("abcdef")))
	out := make([]byte, 4)
	assert.Equal(t, 4, r.read(out))
	assert.Equal(t, "abcd", string(out))

	// wraps past the end of the data area
	assert.Equal(t, 6, r.write([]byte("ghijklmn")))
	assert.Equal(t, 8, r.avail())
	assert.Equal(t, 0, r.write([]byte("x")))

	out = make([]byte, 16)
	n := r.read(out)
	assert.Equal(t, "efghijkl", string(out[:n]))
	assert.Equal(t, 0, r.avail())
}

func TestRingRejectsOddCapacity(t *testing.T) {
	_, err := newRing(make([]byte, ringMemSize(12)))
	assert.Error(t, err)
}

type EdgeTestSuite struct {
	suite.Suite
	edge *Edge
	ctx  context.Context
}

func (s *EdgeTestSuite) SetupTest() {
	s.ctx = context.Background()
	opts := DefaultOptions()
	opts.RingSize = 64
	s.edge = NewEdge(api.EdgeAppsModem, opts)
	s.Require().NoError(s.edge.Boot(s.ctx))
}

func (s *EdgeTestSuite) TearDownTest() {
	s.Require().NoError(s.edge.Close())
}

func (s *EdgeTestSuite) TestOpenIsAcknowledged() {
	log := newEventLog()
	ch, err := s.edge.Open("DATA1", api.EdgeAppsModem, log.notify)
	s.Require().NoError(err)
	log.waitFor(s.T(), api.EventOpen)
	s.Require().True(s.edge.Remote("DATA1").Open())
	s.Require().NoError(ch.Close())
	s.Require().False(s.edge.Remote("DATA1").Open())
}

func (s *EdgeTestSuite) TestOpenTwiceIsBusy() {
	log := newEventLog()
	ch, err := s.edge.Open("DATA1", api.EdgeAppsModem, log.notify)
	s.Require().NoError(err)
	_, err = s.edge.Open("DATA1", api.EdgeAppsModem, log.notify)
	s.Require().True(errors.Is(err, ErrChannelBusy))
	s.Require().NoError(ch.Close())
	s.Require().True(errors.Is(ch.Close(), ErrChannelClosed))
}

func (s *EdgeTestSuite) TestOpenWrongEdge() {
	_, err := s.edge.Open("DATA1", api.EdgeAppsWCNSS, newEventLog().notify)
	s.Require().True(errors.Is(err, ErrEdgeMismatch))
}

func (s *EdgeTestSuite) TestDataBothWays() {
	log := newEventLog()
	ch, err := s.edge.Open("DATA4", api.EdgeAppsModem, log.notify)
	s.Require().NoError(err)
	log.waitFor(s.T(), api.EventOpen)
	remote := s.edge.Remote("DATA4")

	s.Require().Equal(5, remote.Write([]byte("hello")))
	log.waitFor(s.T(), api.EventData)
	s.Require().Equal(5, ch.ReadAvail())
	buf := make([]byte, 8)
	s.Require().Equal(5, ch.Read(buf))
	s.Require().Equal("hello", string(buf[:5]))

	s.Require().Equal(64, ch.WriteAvail())
	s.Require().Equal(64, ch.Write(make([]byte, 100)))
	s.Require().Equal(0, ch.WriteAvail())

	// remote consumption only notifies with the read interrupt enabled
	ch.DisableReadIntr()
	before := log.count(api.EventData)
	remote.Read(make([]byte, 10))
	s.Require().Equal(before, log.count(api.EventData))
	ch.EnableReadIntr()
	remote.Read(make([]byte, 10))
	s.Require().Equal(before+1, log.count(api.EventData))
	s.Require().Equal(20, ch.WriteAvail())
}

func (s *EdgeTestSuite) TestSignals() {
	ch, err := s.edge.Open("DATA1", api.EdgeAppsModem, newEventLog().notify)
	s.Require().NoError(err)
	remote := s.edge.Remote("DATA1")
	remote.SetSignals(api.SignalCTS | api.SignalDSR)
	s.Require().Equal(api.SignalCTS|api.SignalDSR, ch.Signals())

	s.Require().NoError(ch.SetSignals(api.SignalDTR|api.SignalRTS, 0))
	s.Require().NoError(ch.SetSignals(0, api.SignalRTS))
	s.Require().Equal(api.SignalDTR, remote.HostSignals())
}

func (s *EdgeTestSuite) TestShutdownSendsClose() {
	log := newEventLog()
	ch, err := s.edge.Open("GPSNMEA", api.EdgeAppsModem, log.notify)
	s.Require().NoError(err)
	log.waitFor(s.T(), api.EventOpen)
	s.edge.Remote("GPSNMEA").Write([]byte("$GPGGA"))

	s.edge.Shutdown()
	log.waitFor(s.T(), api.EventClose)
	s.Require().False(s.edge.Initialized())
	s.Require().Equal(0, ch.ReadAvail())

	// the restarted remote reopens what the host still holds
	s.Require().NoError(s.edge.Boot(s.ctx))
	log.waitFor(s.T(), api.EventOpen)
}

func (s *EdgeTestSuite) TestManualAck() {
	opts := DefaultOptions()
	opts.AutoAck = false
	e := NewEdge(api.EdgeAppsWCNSS, opts)
	defer func() { _ = e.Close() }()
	s.Require().NoError(e.Boot(s.ctx))

	log := newEventLog()
	_, err := e.Open("APPS_FM", api.EdgeAppsWCNSS, log.notify)
	s.Require().NoError(err)
	time.Sleep(20 * time.Millisecond)
	s.Require().Equal(0, log.count(api.EventOpen))
	s.Require().NoError(e.Ack("APPS_FM"))
	s.Require().Equal(1, log.count(api.EventOpen))
	s.Require().Error(e.Ack("APPS_FM"))
}

func (s *EdgeTestSuite) TestReopenReady() {
	opts := DefaultOptions()
	opts.ReopenReady = true
	e := NewEdge(api.EdgeAppsModem, opts)
	defer func() { _ = e.Close() }()
	s.Require().NoError(e.Boot(s.ctx))

	log := newEventLog()
	ch, err := e.Open("DS", api.EdgeAppsModem, log.notify)
	s.Require().NoError(err)
	log.waitFor(s.T(), api.EventOpen)
	s.Require().True(ch.(api.ReopenReadyNotifier).ReopenReady())
	s.Require().NoError(ch.Close())
	log.waitFor(s.T(), api.EventReopenReady)
}

func (s *EdgeTestSuite) TestAllocateRunsProbe() {
	var got []string
	s.edge.OnAllocate(func(name string, edge api.Edge) {
		s.Require().Equal(api.EdgeAppsModem, edge)
		got = append(got, name)
	})
	s.Require().NoError(s.edge.Allocate("LOOPBACK_TTY"))
	s.Require().Equal([]string{"LOOPBACK_TTY"}, got)
}

func (s *EdgeTestSuite) TestBootError() {
	e := NewEdge(api.EdgeAppsModem, DefaultOptions())
	defer func() { _ = e.Close() }()
	e.SetBootError(errors.New("firmware missing"))
	s.Require().Error(e.Boot(s.ctx))
	s.Require().False(e.Up())
	e.SetBootError(nil)
	s.Require().NoError(e.Boot(s.ctx))
	s.Require().True(e.Up())
}

func (s *EdgeTestSuite) TestLoopbackEcho() {
	s.Require().NoError(s.edge.RequestLoopback())
	s.Require().True(s.edge.Loopback())
	log := newEventLog()
	ch, err := s.edge.Open(LoopbackChannel, api.EdgeAppsModem, log.notify)
	s.Require().NoError(err)
	log.waitFor(s.T(), api.EventOpen)

	s.Require().Equal(4, ch.Write([]byte("ping")))
	s.Require().Eventually(func() bool { return ch.ReadAvail() == 4 }, 2*time.Second, 5*time.Millisecond)
	buf := make([]byte, 4)
	ch.Read(buf)
	s.Require().Equal("ping", string(buf))

	s.edge.Shutdown()
	s.Require().False(s.edge.Loopback())
}

func (s *EdgeTestSuite) TestLoopbackNeedsInitializedRemote() {
	e := NewEdge(api.EdgeAppsModem, DefaultOptions())
	defer func() { _ = e.Close() }()
	s.Require().True(errors.Is(e.RequestLoopback(), ErrRemoteDown))
}

func (s *EdgeTestSuite) TestMuxRoutesByEdge() {
	wcnss := NewEdge(api.EdgeAppsWCNSS, DefaultOptions())
	m := NewMux(s.edge, wcnss)
	defer func() { _ = wcnss.Close() }()

	ch, err := m.Open("APPS_FM", api.EdgeAppsWCNSS, newEventLog().notify)
	s.Require().NoError(err)
	s.Require().Equal("APPS_FM", ch.Name())
	_, err = m.Open("X", api.EdgeAppsDSPS, newEventLog().notify)
	s.Require().True(errors.Is(err, ErrEdgeMismatch))
	got, ok := m.Edge(api.EdgeAppsModem)
	s.Require().True(ok)
	s.Require().Same(s.edge, got)
}

func TestEdgeTestSuite(t *testing.T) {
	suite.Run(t, new(EdgeTestSuite))
}
