package gearman

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ConnState is the per-connection state machine.
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MinBackoff and MaxBackoff bound the exponential reconnect delay applied
// to a FAILED connection.
var (
	MinBackoff = 1 * time.Second
	MaxBackoff = 60 * time.Second
)

// Dialer abstracts the DNS+TCP connector the client core consumes as an
// external collaborator; tests substitute an in-memory pipe.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

func defaultDialer(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// outboundEntry pairs an encoded frame with the Task that originated it,
// so a transport failure can fail or requeue the right Task.
type outboundEntry struct {
	task *Task
	data []byte
}

// connEventKind tags what happened on a Connection's background I/O.
type connEventKind int

const (
	eventConnected connEventKind = iota
	eventPacket
	eventFailed
)

type connEvent struct {
	kind connEventKind
	conn *Connection
	pkt  *Packet
	err  error
}

// Connection owns one TCP stream to a Gearman server: its outbound FIFO,
// its inbound packet dispatch tables, and its own connect/backoff state.
// Connections are created once (when a server is registered) and live for
// the Client's lifetime; only the Client's RunTasks goroutine touches the
// dispatch maps below, so they need no lock of their own. sent is the one
// exception — writeLoop writes it from its own goroutine — and is guarded
// by mu along with the connect/backoff state.
type Connection struct {
	Addr   string
	dialer Dialer
	events chan connEvent

	mu        sync.Mutex
	state     ConnState
	conn      net.Conn
	backoff   time.Duration
	retryAt   time.Time
	closeCh   chan struct{}
	closeOnce *sync.Once

	outbound chan *outboundEntry

	// submitOrder correlates JOB_CREATED with the oldest still-pending
	// SUBMIT_* request on this connection: the protocol guarantees
	// in-order JOB_CREATED per submit stream on a single connection.
	submitOrder []*Task

	// handleTasks maps a server-assigned job handle to the Task bound to
	// it, for dispatch of WORK_*/STATUS_RES.
	handleTasks map[string]*Task

	// controlOrder correlates responses to requests that carry no
	// correlating id of their own (ECHO_REQ/ECHO_RES, OPTION_REQ/
	// OPTION_RES): positionally, in send order, the same way JOB_CREATED
	// is correlated to SUBMIT_*.
	controlOrder []chan *Packet

	// statusWait correlates GET_STATUS with STATUS_RES by job handle.
	statusWait map[string]chan *Packet

	// sent records which submitted Tasks' packets actually left the wire
	// (written successfully), so a later failure can distinguish "never
	// sent, safe to requeue" from "sent, outcome unknown". Written by
	// writeLoop, read by the engine goroutine in failureSets — the only
	// piece of Connection state shared across goroutines, so it alone is
	// guarded by mu.
	sent map[*Task]bool
}

// NewConnection constructs a Connection in the IDLE state. It does not
// dial until the Client's engine loop calls connect(). events is the
// Client's shared fan-in channel: every Connection the Client owns
// writes to the same channel, so the engine loop can select over all of
// them with a single receive.
func NewConnection(addr string, events chan connEvent) *Connection {
	return &Connection{
		Addr:        addr,
		dialer:      defaultDialer,
		events:      events,
		outbound:    make(chan *outboundEntry, 4096),
		handleTasks: make(map[string]*Task),
		sent:        make(map[*Task]bool),
		statusWait:  make(map[string]chan *Packet),
	}
}

func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// readyToRetry reports whether a FAILED connection's backoff has expired.
func (c *Connection) readyToRetry() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != StateFailed || !time.Now().Before(c.retryAt)
}

func (c *Connection) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// connect dials asynchronously; the Client's engine loop learns the
// outcome from c.events rather than blocking on this call.
func (c *Connection) connect(ctx context.Context) {
	c.setState(StateConnecting)

	go func() {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		conn, err := c.dialer(dialCtx, c.Addr)
		if err != nil {
			c.markFailed(err)
			return
		}

		c.mu.Lock()
		c.conn = conn
		c.state = StateConnected
		c.closeCh = make(chan struct{})
		c.closeOnce = &sync.Once{}
		c.backoff = 0
		closeCh := c.closeCh
		c.mu.Unlock()

		c.events <- connEvent{kind: eventConnected, conn: c}

		// The read and write loops are supervised as a pair: either one
		// failing marks the connection FAILED (via markFailed) and closes
		// closeCh, which unblocks the other. g.Wait() just keeps this
		// goroutine alive until both have actually returned.
		var g errgroup.Group
		g.Go(func() error { c.writeLoop(conn, closeCh); return nil })
		g.Go(func() error { c.readLoop(conn, closeCh); return nil })
		g.Wait()
	}()
}

func (c *Connection) markFailed(err error) {
	c.mu.Lock()
	if c.backoff == 0 {
		c.backoff = MinBackoff
	} else {
		c.backoff *= 2
		if c.backoff > MaxBackoff {
			c.backoff = MaxBackoff
		}
	}
	c.retryAt = time.Now().Add(c.backoff)
	c.state = StateFailed
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	closeCh, once := c.closeCh, c.closeOnce
	c.mu.Unlock()

	// Whichever loop (read or write) notices the failure first is the one
	// that unblocks the other; closeOnce makes that safe no matter which
	// one gets here, and safe against closeSocket racing in concurrently.
	if once != nil {
		once.Do(func() { close(closeCh) })
	}

	c.events <- connEvent{kind: eventFailed, conn: c, err: err}
}

// enqueue appends an encoded request to this connection's outbound FIFO.
// It never blocks: a full queue is reported as an error immediately.
func (c *Connection) enqueue(task *Task, pkt *Packet) error {
	data, err := EncodePacket(magicRequest, pkt)
	if err != nil {
		return err
	}

	entry := &outboundEntry{task: task, data: data}
	task.sendInUse = true

	switch pkt.Type {
	case PtSubmitJob, PtSubmitJobHigh, PtSubmitJobLow,
		PtSubmitJobBg, PtSubmitJobHighBg, PtSubmitJobLowBg,
		PtSubmitJobEpoch, PtSubmitJobSched,
		PtSubmitReduceJob, PtSubmitReduceJobBg:
		c.submitOrder = append(c.submitOrder, task)
	}

	select {
	case c.outbound <- entry:
		return nil
	default:
		return errors.Wrap(ErrLostConnection, "outbound queue full")
	}
}

// enqueueControl sends a request that carries no correlating id
// (ECHO_REQ, OPTION_REQ) and arranges for its response to be delivered
// on the returned channel, in the send order the protocol guarantees.
func (c *Connection) enqueueControl(pkt *Packet) (chan *Packet, error) {
	data, err := EncodePacket(magicRequest, pkt)
	if err != nil {
		return nil, err
	}

	wait := make(chan *Packet, 1)
	c.controlOrder = append(c.controlOrder, wait)

	select {
	case c.outbound <- &outboundEntry{data: data}:
		return wait, nil
	default:
		c.controlOrder = c.controlOrder[:len(c.controlOrder)-1]
		return nil, errors.Wrap(ErrLostConnection, "outbound queue full")
	}
}

// resolveControl pops the oldest pending control waiter and delivers pkt
// to it, for ECHO_RES/OPTION_RES dispatch.
func (c *Connection) resolveControl(pkt *Packet) bool {
	if len(c.controlOrder) == 0 {
		return false
	}
	wait := c.controlOrder[0]
	c.controlOrder = c.controlOrder[1:]
	wait <- pkt
	return true
}

// enqueueStatus sends a GET_STATUS/GET_STATUS_UNIQUE request and
// arranges for its STATUS_RES to be delivered on the returned channel,
// correlated by job handle.
func (c *Connection) enqueueStatus(key string, pkt *Packet) (chan *Packet, error) {
	data, err := EncodePacket(magicRequest, pkt)
	if err != nil {
		return nil, err
	}

	wait := make(chan *Packet, 1)
	c.statusWait[key] = wait

	select {
	case c.outbound <- &outboundEntry{data: data}:
		return wait, nil
	default:
		delete(c.statusWait, key)
		return nil, errors.Wrap(ErrLostConnection, "outbound queue full")
	}
}

func (c *Connection) resolveStatus(key string, pkt *Packet) bool {
	wait, ok := c.statusWait[key]
	if !ok {
		return false
	}
	delete(c.statusWait, key)
	wait <- pkt
	return true
}

func (c *Connection) writeLoop(conn net.Conn, closeCh chan struct{}) {
	w := bufio.NewWriter(conn)
	for {
		select {
		case entry := <-c.outbound:
			if _, err := w.Write(entry.data); err != nil {
				c.markFailed(err)
				return
			}
			if err := w.Flush(); err != nil {
				c.markFailed(err)
				return
			}
			if entry.task != nil {
				c.mu.Lock()
				c.sent[entry.task] = true
				c.mu.Unlock()
			}
		case <-closeCh:
			return
		}
	}
}

func (c *Connection) readLoop(conn net.Conn, closeCh chan struct{}) {
	r := bufio.NewReader(conn)
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)

	for {
		select {
		case <-closeCh:
			return
		default:
		}

		pkt, consumed, err := Decode(buf)
		if err == nil {
			buf = buf[consumed:]
			c.events <- connEvent{kind: eventPacket, conn: c, pkt: pkt}
			continue
		}

		if _, needMore := NeedMore(err); !needMore {
			c.markFailed(err)
			return
		}

		n, rerr := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if rerr != nil {
			if rerr == io.EOF {
				rerr = errors.Wrap(ErrLostConnection, "peer closed connection")
			}
			c.markFailed(rerr)
			return
		}
	}
}

// resolveSubmitTask pops and returns the oldest Task still waiting for a
// JOB_CREATED on this connection, correlating positionally (FIFO) since
// the server acknowledges submissions in the order it received them.
func (c *Connection) resolveSubmitTask() *Task {
	if len(c.submitOrder) == 0 {
		return nil
	}
	t := c.submitOrder[0]
	c.submitOrder = c.submitOrder[1:]
	return t
}

func (c *Connection) bindHandle(handle string, task *Task) {
	c.handleTasks[handle] = task
}

func (c *Connection) taskForHandle(handle string) (*Task, bool) {
	t, ok := c.handleTasks[handle]
	return t, ok
}

func (c *Connection) unbindHandle(handle string) {
	delete(c.handleTasks, handle)
}

// failureSets partitions every Task this connection currently knows about
// into "lost" (its request was sent, or its JOB_CREATED already arrived,
// so its outcome is now unknown) and "unsent" (its packet never left the
// outbound FIFO, so it is safe to reassign to another connection).
func (c *Connection) failureSets() (lost, unsent []*Task) {
	c.mu.Lock()
	sent := make(map[*Task]bool, len(c.sent))
	for t, v := range c.sent {
		sent[t] = v
	}
	c.mu.Unlock()

	seen := make(map[*Task]bool)
	for _, t := range c.submitOrder {
		if seen[t] {
			continue
		}
		seen[t] = true
		if sent[t] {
			lost = append(lost, t)
		} else {
			unsent = append(unsent, t)
		}
	}
	for _, t := range c.handleTasks {
		if seen[t] {
			continue
		}
		seen[t] = true
		lost = append(lost, t)
	}
	return lost, unsent
}

// closeSocket releases whatever this connection currently holds: an open
// socket is closed (which unblocks its read/write loops), a pending dial
// or backoff is simply left to expire since nothing times it out anymore.
// closeCh is closed through the same sync.Once markFailed uses, so a
// concurrent read/write-loop failure can never race this into a double
// close.
func (c *Connection) closeSocket() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	closeCh, once := c.closeCh, c.closeOnce
	c.state = StateIdle
	c.mu.Unlock()

	if once != nil {
		once.Do(func() { close(closeCh) })
	}
}

// reset clears everything this connection knew about the stream that just
// failed. Tasks already partitioned by failureSets have been handed off
// (failed, or requeued onto another connection) by the caller, so any
// frames still sitting in outbound belong to that old stream and must not
// survive into the next one — a later reconnect's writeLoop would
// otherwise flush them and resubmit jobs a different connection already
// owns. By the time the engine goroutine calls reset, this connection's
// own writeLoop/readLoop pair has already exited (closeCh closed), so
// recreating outbound here is uncontended.
func (c *Connection) reset() {
	c.submitOrder = nil
	c.handleTasks = make(map[string]*Task)
	c.mu.Lock()
	c.sent = make(map[*Task]bool)
	c.mu.Unlock()
	c.outbound = make(chan *outboundEntry, cap(c.outbound))
}
