package gearman

import (
	"container/list"
	"context"
	"time"
)

// ClientState is the coarse state the engine records: idle between
// RunTasks calls, running inside RunTasks, or degraded after a callback
// returned an error. It has no exported accessor; callers see degradation
// as AddTask/AddReducerTask refusing new submissions.
type ClientState int

const (
	ClientIdle ClientState = iota
	ClientRunning
	ClientDegraded
)

// ClientOption configures a Client at construction, following the same
// functional-option pattern as SubmitOption.
type ClientOption func(*Client)

// WithNamespace sets the function/reducer name prefix. It
// overrides whatever GEARMAN_NAMESPACE supplied at construction.
func WithNamespace(ns string) ClientOption {
	return func(c *Client) { c.namespace = ns }
}

// WithNonBlocking makes RunTasks return IoWait instead of blocking when no
// connection has anything ready.
func WithNonBlocking() ClientOption {
	return func(c *Client) { c.nonBlocking = true }
}

// WithUnbufferedResult keeps WORK_DATA/WORK_WARNING payloads (and a
// WORK_EXCEPTION treated as data) out of the Task's result buffer; the
// matching callback still receives them in its packet. WORK_COMPLETE data
// is always appended to the result buffer.
func WithUnbufferedResult() ClientOption {
	return func(c *Client) { c.unbufferedResult = true }
}

// WithFreeTasks removes a Task from the Client's task list the moment it
// reaches a terminal state, invoking the task-context free function if
// one was set.
func WithFreeTasks() ClientOption {
	return func(c *Client) { c.freeTasks = true }
}

// WithDialer overrides the network connector, for tests that substitute
// an in-memory transport.
func WithDialer(d Dialer) ClientOption {
	return func(c *Client) { c.dialer = d }
}

// WithCallbacks sets the default TaskCallbacks applied to a Task that is
// submitted without its own WithTaskCallbacks SubmitOption.
func WithCallbacks(cb TaskCallbacks) ClientOption {
	return func(c *Client) { c.defaultCallbacks = cb }
}

// WithWaitTimeout bounds how long a blocking RunTasks/Wait call waits for
// the next event before returning Timeout. Zero means wait indefinitely
// (subject to the context passed to the call).
func WithWaitTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.waitTimeout = d }
}

// Client is the job-submission engine: the set of server connections,
// the tasks registered against them, and the round-robin/backoff policy
// that drives RunTasks.
type Client struct {
	connections []*Connection
	rr          int
	dialer      Dialer

	tasks *list.List
	elems map[*Task]*list.Element
	// pending holds Tasks in the NEW state, not yet assigned a connection.
	pending []*Task

	// newTasks counts Tasks currently in the NEW state (registered but not
	// yet handed to a connection); it falls back to 0 once RunTasks has
	// assigned everything pending.
	newTasks int
	// runningTasks counts Tasks registered but not yet terminal.
	runningTasks int
	taskCount    int

	state    ClientState
	lastErr  error
	degraded bool

	namespace         string
	nonBlocking       bool
	unbufferedResult  bool
	freeTasks         bool
	exceptionsEnabled bool
	waitTimeout       time.Duration

	defaultCallbacks  TaskCallbacks
	taskContextFreeFn func(interface{})

	events chan connEvent
}

// NewClient registers one Connection per server address, in the order
// given; that order is what round-robin assignment iterates. No dialing
// happens until RunTasks needs a connection.
func NewClient(servers []string, opts ...ClientOption) (*Client, error) {
	if len(servers) == 0 {
		return nil, newError(InvalidArgument, "at least one server address is required")
	}

	c := &Client{
		dialer:    defaultDialer,
		tasks:     list.New(),
		elems:     make(map[*Task]*list.Element),
		namespace: namespaceFromEnv(),
		events:    make(chan connEvent, 256),
	}

	for _, opt := range opts {
		opt(c)
	}

	for _, addr := range servers {
		conn := NewConnection(addr, c.events)
		conn.dialer = c.dialer
		c.connections = append(c.connections, conn)
	}

	return c, nil
}

func (c *Client) SetNamespace(ns string)                    { c.namespace = ns }
func (c *Client) SetCallbacks(cb TaskCallbacks)             { c.defaultCallbacks = cb }
func (c *Client) SetTaskContextFreeFn(fn func(interface{})) { c.taskContextFreeFn = fn }

// SetOptions sets the three boolean flags carried on Client:
// non_blocking, unbuffered_result and free_tasks.
func (c *Client) SetOptions(nonBlocking, unbufferedResult, freeTasks bool) {
	c.nonBlocking = nonBlocking
	c.unbufferedResult = unbufferedResult
	c.freeTasks = freeTasks
}

func (c *Client) TaskCount() int    { return c.taskCount }
func (c *Client) NewTasks() int     { return c.newTasks }
func (c *Client) RunningTasks() int { return c.runningTasks }
func (c *Client) LastError() error  { return c.lastErr }

// Close tears down every connection's socket. Connections that are mid
// -dial or mid-backoff are simply abandoned; Close does not wait for
// their goroutines, since there is no further event loop to deliver to.
func (c *Client) Close() error {
	for _, conn := range c.connections {
		conn.closeSocket()
	}
	return nil
}

// pickConnection applies the round-robin policy: prefer a connection
// already CONNECTED or CONNECTING, trying the one after the last pick
// first; only if none qualifies does it kick off a fresh dial
// (on an IDLE connection, or a FAILED one whose backoff has expired).
func (c *Client) pickConnection(ctx context.Context) *Connection {
	n := len(c.connections)
	if n == 0 {
		return nil
	}

	for i := 0; i < n; i++ {
		idx := (c.rr + i) % n
		switch c.connections[idx].State() {
		case StateConnected, StateConnecting:
			c.rr = (idx + 1) % n
			return c.connections[idx]
		}
	}

	for i := 0; i < n; i++ {
		idx := (c.rr + i) % n
		conn := c.connections[idx]
		st := conn.State()
		if st == StateIdle || (st == StateFailed && conn.readyToRetry()) {
			conn.connect(ctx)
			c.rr = (idx + 1) % n
			return conn
		}
	}

	return nil
}

// assignNewTasks drains c.pending, handing each Task still in NEW state
// to a connection and enqueueing its request packet. It returns true if
// any Task could not be assigned this pass because no connection was
// reachable.
func (c *Client) assignNewTasks(ctx context.Context) bool {
	if len(c.pending) == 0 {
		return false
	}

	var leftover []*Task
	for _, t := range c.pending {
		if t.state != TaskNew {
			continue
		}

		conn := c.pickConnection(ctx)
		if conn == nil {
			leftover = append(leftover, t)
			continue
		}

		funcName := namespaced(c.namespace, t.FuncName)
		reducerName := namespaced(c.namespace, t.Reducer)

		pkt, err := t.buildRequest(funcName, reducerName)
		if err != nil {
			c.newTasks--
			t.fail(err)
			c.taskDone(t)
			continue
		}

		if err := conn.enqueue(t, pkt); err != nil {
			c.newTasks--
			t.fail(err)
			c.taskDone(t)
			continue
		}

		c.newTasks--
		t.state = TaskSubmit
		t.conn = conn
	}

	c.pending = leftover
	return len(c.pending) > 0
}

// RunTasks drives submission and dispatch to completion: it assigns every
// pending Task to a connection, then processes inbound events until no
// non-terminal Task remains. It returns nil once every registered Task
// has reached a terminal state.
func (c *Client) RunTasks(ctx context.Context) error {
	c.state = ClientRunning
	for {
		stuck := c.assignNewTasks(ctx)

		if c.runningTasks == 0 {
			c.state = ClientIdle
			return nil
		}

		if stuck {
			return wrapError(CouldNotConnect, "no reachable server for pending tasks", nil)
		}

		if err := c.pumpOnce(ctx); err != nil {
			return err
		}
	}
}

// Wait processes exactly one inbound event (one packet, one connect, or
// one connection failure), blocking until it arrives, the wait timeout
// passes or ctx is done; in non-blocking mode it returns IoWait at once
// when no event is ready. RunTasks and the single-request helpers (Echo,
// NegotiateOption, TaskStatus) block through the same primitive.
func (c *Client) Wait(ctx context.Context) error {
	return c.pumpOnce(ctx)
}

func (c *Client) pumpOnce(ctx context.Context) error {
	if c.nonBlocking {
		select {
		case ev := <-c.events:
			return c.handleEvent(ev)
		default:
			return wrapError(IoWait, "no connection ready", nil)
		}
	}

	if c.waitTimeout > 0 {
		timer := time.NewTimer(c.waitTimeout)
		defer timer.Stop()
		select {
		case ev := <-c.events:
			return c.handleEvent(ev)
		case <-timer.C:
			return wrapError(Timeout, "no event within wait timeout", nil)
		case <-ctx.Done():
			return wrapError(Timeout, "context done while waiting", ctx.Err())
		}
	}

	select {
	case ev := <-c.events:
		return c.handleEvent(ev)
	case <-ctx.Done():
		return wrapError(Timeout, "context done while waiting", ctx.Err())
	}
}

// pump runs pumpOnce until cond reports true or ctx ends, used by the
// single-request helpers (Echo, NegotiateOption, TaskStatus) to drive the
// same event loop RunTasks uses while waiting on one specific response.
func (c *Client) pump(ctx context.Context, cond func() bool) error {
	for !cond() {
		if err := c.pumpOnce(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) handleEvent(ev connEvent) error {
	switch ev.kind {
	case eventConnected:
		return nil
	case eventFailed:
		c.handleConnFailed(ev.conn, ev.err)
		return nil
	case eventPacket:
		return c.handlePacket(ev.conn, ev.pkt)
	default:
		return nil
	}
}

// handleConnFailed applies failure semantics: Tasks whose
// request was actually written, or whose JOB_CREATED already bound them
// to a handle, are failed with LostConnection since their outcome on the
// server is now unknown; Tasks whose request never left the outbound
// queue are safe to requeue for reassignment to another connection.
func (c *Client) handleConnFailed(conn *Connection, err error) {
	lost, unsent := conn.failureSets()

	cause := wrapError(LostConnection, "connection to "+conn.Addr+" lost", err)
	for _, t := range lost {
		t.fail(cause)
		c.taskDone(t)
	}

	for _, t := range unsent {
		t.state = TaskNew
		t.sendInUse = false
		t.conn = nil
		c.newTasks++
		c.pending = append(c.pending, t)
	}

	conn.reset()
	c.lastErr = cause
}

func (c *Client) handlePacket(conn *Connection, pkt *Packet) error {
	switch pkt.Type {
	case PtJobCreated:
		t := conn.resolveSubmitTask()
		if t == nil {
			Log.Printf("JOB_CREATED with no pending submission on %s", conn.Addr)
			return nil
		}
		handle, _ := pkt.GetHandle()
		conn.bindHandle(handle, t)
		err := c.deliver(t, pkt)
		if t.IsTerminal() {
			conn.unbindHandle(handle)
		}
		return err

	case PtWorkStatus, PtWorkComplete, PtWorkFail, PtWorkException, PtWorkData, PtWorkWarning:
		handle, _ := pkt.GetHandle()
		t, ok := conn.taskForHandle(handle)
		if !ok {
			Log.Printf("%v for unknown handle %q on %s", pkt.Type, handle, conn.Addr)
			return nil
		}
		err := c.deliver(t, pkt)
		if t.IsTerminal() {
			conn.unbindHandle(handle)
		}
		return err

	case PtStatusRes, PtStatusResUnique:
		handle, _ := pkt.GetHandle()
		conn.resolveStatus(handle, pkt)
		return nil

	case PtOptionRes, PtEchoRes:
		conn.resolveControl(pkt)
		return nil

	case PtError:
		code, _ := pkt.GetErrCode()
		text, _ := pkt.GetErrText()
		cause := wrapError(ServerError, text, newError(ServerError, code))
		if conn.resolveControl(pkt) {
			return nil
		}
		if t := conn.resolveSubmitTask(); t != nil {
			t.fail(cause)
			c.taskDone(t)
			return nil
		}
		c.lastErr = cause
		return nil

	default:
		Log.Printf("unhandled packet type %v from %s", pkt.Type, conn.Addr)
		return nil
	}
}

// deliver applies an inbound packet to a Task's state machine and, if the
// invoked callback returned an error, puts the Client into the degraded
// state: further AddTask/AddReducerTask calls are refused, but Tasks
// already in flight are left to finish.
func (c *Client) deliver(t *Task, pkt *Packet) error {
	wasTerminal := t.IsTerminal()
	err := t.apply(pkt, c.exceptionsEnabled, c.unbufferedResult)
	if !wasTerminal && t.IsTerminal() {
		c.taskDone(t)
	}
	if err != nil {
		c.degraded = true
		c.state = ClientDegraded
		c.lastErr = err
	}
	return nil
}

func (c *Client) taskDone(t *Task) {
	c.runningTasks--
	if c.freeTasks {
		c.reclaim(t)
	}
}

func (c *Client) reclaim(t *Task) {
	if el, ok := c.elems[t]; ok {
		c.tasks.Remove(el)
		delete(c.elems, t)
		c.taskCount--
	}
	if c.taskContextFreeFn != nil {
		c.taskContextFreeFn(t.Context)
	}
}

func (c *Client) register(t *Task) {
	el := c.tasks.PushBack(t)
	c.elems[t] = el
	c.taskCount++
	c.newTasks++
	c.runningTasks++
	c.pending = append(c.pending, t)
}

// pickConnectedConnection returns a CONNECTED connection, dialing and
// pumping the event loop if necessary, for the single-shot request
// helpers below that cannot be deferred to RunTasks's batch assignment.
func (c *Client) pickConnectedConnection(ctx context.Context) (*Connection, error) {
	conn := c.pickConnection(ctx)
	if conn == nil {
		return nil, wrapError(CouldNotConnect, "no reachable server", nil)
	}
	if err := c.pump(ctx, func() bool {
		st := conn.State()
		return st == StateConnected || st == StateFailed
	}); err != nil {
		return nil, err
	}
	if conn.State() != StateConnected {
		return nil, wrapError(LostConnection, "connection failed before request could be sent", nil)
	}
	return conn, nil
}

// Echo sends an ECHO_REQ and returns the server's ECHO_RES payload,
// which must equal the request.
func (c *Client) Echo(ctx context.Context, payload []byte) ([]byte, error) {
	conn, err := c.pickConnectedConnection(ctx)
	if err != nil {
		return nil, err
	}

	pkt := NewPacket(PtEchoReq)
	if err := pkt.SetData(payload); err != nil {
		return nil, err
	}

	wait, err := conn.enqueueControl(pkt)
	if err != nil {
		return nil, err
	}

	var resp *Packet
	if err := c.pump(ctx, func() bool {
		select {
		case resp = <-wait:
			return true
		default:
			return false
		}
	}); err != nil {
		return nil, err
	}

	if resp.Type == PtError {
		code, _ := resp.GetErrCode()
		text, _ := resp.GetErrText()
		return nil, wrapError(ServerError, text, newError(ServerError, code))
	}
	return resp.GetData()
}

// NegotiateOption sends OPTION_REQ and, on success, records the option as
// active. The only option this engine currently acts on is "exceptions";
// other option names are sent and acknowledged but otherwise inert.
func (c *Client) NegotiateOption(ctx context.Context, name string) error {
	conn, err := c.pickConnectedConnection(ctx)
	if err != nil {
		return err
	}

	pkt := NewPacket(PtOptionReq)
	if err := pkt.SetConnOption(name); err != nil {
		return err
	}

	wait, err := conn.enqueueControl(pkt)
	if err != nil {
		return err
	}

	var resp *Packet
	if err := c.pump(ctx, func() bool {
		select {
		case resp = <-wait:
			return true
		default:
			return false
		}
	}); err != nil {
		return err
	}

	if resp.Type == PtError {
		code, _ := resp.GetErrCode()
		text, _ := resp.GetErrText()
		return wrapError(ServerError, text, newError(ServerError, code))
	}

	if name == "exceptions" {
		c.exceptionsEnabled = true
	}
	return nil
}

// TaskStatus issues a synchronous GET_STATUS for a Task that has already
// received its JOB_CREATED.
func (c *Client) TaskStatus(ctx context.Context, t *Task) (known, running bool, numerator, denominator uint32, err error) {
	if t.Handle == "" {
		err = newError(InvalidArgument, "task has no job handle yet")
		return
	}
	if t.conn == nil || t.conn.State() != StateConnected {
		err = wrapError(LostConnection, "task has no active connection", nil)
		return
	}

	pkt := NewPacket(PtGetStatus)
	if e := pkt.SetHandle(t.Handle); e != nil {
		err = e
		return
	}

	wait, e := t.conn.enqueueStatus(t.Handle, pkt)
	if e != nil {
		err = e
		return
	}

	var resp *Packet
	if e := c.pump(ctx, func() bool {
		select {
		case resp = <-wait:
			return true
		default:
			return false
		}
	}); e != nil {
		err = e
		return
	}

	known, _ = resp.GetStatusKnow()
	running, _ = resp.GetStatusRunning()
	numerator, _ = resp.GetPercentNumerator()
	denominator, _ = resp.GetPercentDenominator()
	return
}
