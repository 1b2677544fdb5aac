package rpc

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// DefaultQueueCap bounds the per-session outbound queue. Sends beyond the cap
// fail with ErrBackpressure rather than blocking the producer.
const DefaultQueueCap = 4096

// DefaultSessionRetention is how long a session without an attached socket is
// kept before its objects and subscriptions are torn down.
const DefaultSessionRetention = 5 * time.Minute

// link is one attached socket. A session outlives its links.
type link struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
}

func newLink(conn *websocket.Conn) *link {
	ctx, cancel := context.WithCancel(context.Background())
	return &link{conn: conn, ctx: ctx, cancel: cancel, wake: make(chan struct{}, 1)}
}

func (l *link) close(code websocket.StatusCode, reason string) {
	l.cancel()
	_ = l.conn.Close(code, reason)
}

// liveObject is one remote object owned by a client.
type liveObject struct {
	id  uint64
	def *InterfaceDef
	obj Object
}

// subscription is one live observable owned by a client.
type subscription struct {
	cancel context.CancelFunc

	mu       sync.Mutex
	terminal bool
	disposed bool
}

// beginTerminal claims the right to emit the terminal frame. It returns false
// if the subscription already terminated or was disposed by the client, in
// which case no frame may follow.
func (u *subscription) beginTerminal() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.terminal || u.disposed {
		return false
	}
	u.terminal = true
	return true
}

func (u *subscription) emittable() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return !u.terminal && !u.disposed
}

func (u *subscription) dispose() {
	u.mu.Lock()
	u.disposed = true
	u.mu.Unlock()
	u.cancel()
}

// session is the server-side record of one logical client, keyed by the
// client's identifier. It survives socket churn: frames sent while no socket is
// attached queue up and flush, in order, when the client reattaches.
type session struct {
	log      *zap.SugaredLogger
	id       string
	queueCap int

	// onExpire runs when the retention window elapses with no socket attached.
	onExpire func()

	mu          sync.Mutex
	link        *link
	queue       [][]byte
	objects     map[uint64]*liveObject
	objectOrder []uint64
	subs        map[uint64]*subscription
	retention   time.Duration
	sweep       *time.Timer
	closed      bool
}

func newSession(log *zap.SugaredLogger, id string, queueCap int, retention time.Duration, onExpire func()) *session {
	return &session{
		log:       log.Named("session").With("clientId", id),
		id:        id,
		queueCap:  queueCap,
		retention: retention,
		onExpire:  onExpire,
		objects:   map[uint64]*liveObject{},
		subs:      map[uint64]*subscription{},
	}
}

// send enqueues one frame for the client. It never blocks on the network; with
// no attached socket the frame is held for the next attachment.
func (s *session) send(m *Message) error {
	b, err := EncodeFrame(m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if len(s.queue) >= s.queueCap {
		return ErrBackpressure
	}
	s.queue = append(s.queue, b)
	if s.link != nil {
		select {
		case s.link.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// attach installs a freshly accepted socket. A previous socket, if any, is
// closed; the session itself survives, and queued frames flush in insertion
// order through the new socket.
func (s *session) attach(l *link) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	prev := s.link
	s.link = l
	if s.sweep != nil {
		s.sweep.Stop()
		s.sweep = nil
	}
	s.mu.Unlock()

	if prev != nil {
		prev.close(websocket.StatusPolicyViolation, "superseded by reconnect")
	}
	go s.writeLoop(l)
	return nil
}

// detach clears the given socket if it is still the current one and arms the
// retention sweep.
func (s *session) detach(l *link) {
	l.cancel()
	s.mu.Lock()
	if s.link != l || s.closed {
		s.mu.Unlock()
		return
	}
	s.link = nil
	if s.retention > 0 {
		s.sweep = time.AfterFunc(s.retention, s.onExpire)
	}
	s.mu.Unlock()
	s.log.Debug("socket detached")
}

// writeLoop drains the outbound queue through one link. A frame popped but not
// yet written when the socket dies is lost; the client observes a timeout.
func (s *session) writeLoop(l *link) {
	for {
		s.mu.Lock()
		if s.link != l || s.closed {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-l.ctx.Done():
				return
			case <-l.wake:
			}
			continue
		}
		frame := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if err := l.conn.Write(l.ctx, websocket.MessageText, frame); err != nil {
			s.log.Debugf("write error, detaching: %s", err)
			s.detach(l)
			return
		}
	}
}

func (s *session) addObject(lo *liveObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.objects[lo.id] = lo
	s.objectOrder = append(s.objectOrder, lo.id)
	return nil
}

func (s *session) object(id uint64) (*liveObject, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lo, ok := s.objects[id]
	return lo, ok
}

// removeObject is idempotent: a second removal of the same id finds nothing.
func (s *session) removeObject(id uint64) *liveObject {
	s.mu.Lock()
	defer s.mu.Unlock()
	lo, ok := s.objects[id]
	if !ok {
		return nil
	}
	delete(s.objects, id)
	for i, oid := range s.objectOrder {
		if oid == id {
			s.objectOrder = append(s.objectOrder[:i], s.objectOrder[i+1:]...)
			break
		}
	}
	return lo
}

func (s *session) addSub(id uint64, sub *subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.subs[id] = sub
	return nil
}

func (s *session) takeSub(id uint64) *subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.subs[id]
	delete(s.subs, id)
	return sub
}

func (s *session) removeSub(id uint64) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

// teardown cancels every live subscription, disposes every live object in LIFO
// of creation, and closes the socket. The session is unusable afterwards.
func (s *session) teardown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.sweep != nil {
		s.sweep.Stop()
	}
	l := s.link
	s.link = nil
	subs := s.subs
	s.subs = map[uint64]*subscription{}
	order := s.objectOrder
	objects := s.objects
	s.objects = map[uint64]*liveObject{}
	s.objectOrder = nil
	s.queue = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.dispose()
	}

	var err error
	for i := len(order) - 1; i >= 0; i-- {
		lo, ok := objects[order[i]]
		if !ok {
			continue
		}
		if derr := safeDispose(lo.obj); derr != nil {
			err = multierr.Append(err, derr)
		}
	}

	if l != nil {
		l.close(websocket.StatusGoingAway, "session closed")
	}
	return err
}
