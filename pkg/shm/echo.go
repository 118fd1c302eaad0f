package shm

import (
	"sync"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/srediag/smd-tty/api"
)

// echoServer is the remote loopback service: everything the host writes on
// the loopback channel is written back.
type echoServer struct {
	c    *channel
	poll time.Duration
	done chan struct{}
	wg   sync.WaitGroup
}

func startEcho(c *channel, poll time.Duration) *echoServer {
	s := &echoServer{c: c, poll: poll, done: make(chan struct{})}
	s.wg.Add(1)
	go s.loop()
	internalLogger.Infof("loopback server started on %s", c.name)
	return s
}

func (s *echoServer) stop() {
	close(s.done)
	s.wg.Wait()
}

func (s *echoServer) loop() {
	defer s.wg.Done()
	t := time.NewTicker(s.poll)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-s.c.kick:
		case <-t.C:
		}
		s.drain()
	}
}

func (s *echoServer) drain() {
	c := s.c
	c.mu.Lock()
	open := c.hostOpen && c.remoteOpen
	c.mu.Unlock()
	if !open {
		return
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	for {
		n := c.tx.avail()
		if space := c.rx.space(); space < n {
			n = space
		}
		if n == 0 {
			return
		}
		if cap(buf.B) < n {
			buf.B = make([]byte, n)
		}
		buf.B = buf.B[:n]
		n = c.tx.read(buf.B)
		c.rx.write(buf.B[:n])
		// one DATA covers both the new bytes and the freed space
		c.fire(api.EventData)
	}
}
