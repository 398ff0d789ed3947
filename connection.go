package redis

import (
	"bufio"
	"crypto/tls"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// connState is the four-state machine from spec.md §4.5: a plain
// connection toggles between open and pub/sub mode, and either state
// can be torn down through shuttingDown into closed.
type connState int32

const (
	stateOpen connState = iota
	statePubSub
	stateShuttingDown
	stateClosed
)

// Connection is a single long-lived duplex link to a Redis node: one
// TCP or TLS socket, RESP2 framing, a FIFO command correlator, and an
// optional pub/sub dispatch mode. There is no pool, no cluster
// awareness, and no automatic reconnection — a Connection that loses
// its transport or has Close called stays closed.
//
// All mutable state is owned by a single goroutine (the event loop)
// started by Dial. Every exported method that touches that state hops
// its work onto that goroutine instead of taking a lock, the same
// "single executor owns the state" discipline the teacher's
// Client.manage goroutine uses, generalized here to also own the
// pub/sub dispatcher's state. The lifecycle state and the
// allow-subscriptions flag are also stored atomically, so State,
// AllowSubscriptions and SetAllowSubscriptions access them directly.
type Connection struct {
	id  uuid.UUID
	cfg Config

	conn   net.Conn
	reader *bufio.Reader

	writeBuf  []byte
	autoFlush bool

	allowSubscriptions int32

	corr *correlator
	disp *dispatcher

	ops     chan func()
	inbound chan inboundFrame
	closed  chan struct{}

	state int32

	closeOnce sync.Once
	closeErrs []error

	metrics *Metrics
	logger  *zap.Logger
}

type inboundFrame struct {
	val Value
	err error
}

// Dial opens a Connection: TCP or TLS dial, optional AUTH/SELECT
// handshake, then starts the read loop and event loop goroutines.
func Dial(cfg Config) (*Connection, error) {
	if cfg.Addr == "" {
		return nil, newError(StartupFailed, "Config.Addr is required", nil)
	}

	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	var conn net.Conn
	var err error
	if cfg.TLS != nil {
		conn, err = tls.DialWithDialer(&dialer, "tcp", cfg.Addr, cfg.TLS)
	} else {
		conn, err = dialer.Dial("tcp", cfg.Addr)
	}
	if err != nil {
		return nil, newError(StartupFailed, "dial "+cfg.Addr, err)
	}

	c := &Connection{
		id:        uuid.New(),
		cfg:       cfg,
		conn:      conn,
		reader:    bufio.NewReader(conn),
		autoFlush: cfg.autoFlush(),
		corr:      newCorrelator(),
		ops:       make(chan func()),
		inbound:   make(chan inboundFrame, 64),
		closed:    make(chan struct{}),
		state:     int32(stateOpen),
		metrics:   cfg.metrics(),
		logger:    cfg.logger(),
	}
	if cfg.AllowSubscriptions {
		c.allowSubscriptions = 1
	}
	c.disp = newDispatcher(c)

	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}

	if metricsEnabled() {
		c.metrics.ConnectionsTotal.Inc()
		c.metrics.ConnectionsActive.Inc()
	}

	c.logger.Debug("connection established", zap.String("id", c.id.String()), zap.String("addr", cfg.Addr))

	go c.readLoop()
	go c.eventLoop()
	return c, nil
}

// ID is the connection's 128-bit identity, stable for its lifetime.
func (c *Connection) ID() uuid.UUID { return c.id }

func (c *Connection) handshake() error {
	if c.cfg.Password != "" {
		var cmd Command
		if c.cfg.Username != "" {
			cmd = NewCommand("AUTH", c.cfg.Username, c.cfg.Password)
		} else {
			cmd = NewCommand("AUTH", c.cfg.Password)
		}
		if err := c.handshakeCommand(cmd); err != nil {
			return newError(StartupFailed, "AUTH", err)
		}
	}
	if c.cfg.DB != 0 {
		cmd := NewCommand("SELECT", strconv.FormatInt(c.cfg.DB, 10))
		if err := c.handshakeCommand(cmd); err != nil {
			return newError(StartupFailed, "SELECT", err)
		}
	}
	return nil
}

// handshakeCommand writes and awaits a single reply synchronously,
// before the read/event loops exist — mirrors the teacher's connect()
// in client.go, which does the same AUTH/SELECT exchange inline.
func (c *Connection) handshakeCommand(cmd Command) error {
	buf := cmd.encode(nil)
	if _, err := c.conn.Write(buf); err != nil {
		return err
	}
	v, err := decodeValue(c.reader)
	if err != nil {
		return err
	}
	if v.Kind() == KindError {
		return ServerReplyError(v.ErrorString())
	}
	return nil
}

func (c *Connection) readLoop() {
	for {
		v, err := decodeValue(c.reader)
		select {
		case c.inbound <- inboundFrame{val: v, err: err}:
		case <-c.closed:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *Connection) eventLoop() {
	for {
		select {
		case op := <-c.ops:
			op()
		case frame := <-c.inbound:
			c.handleInbound(frame)
		}
		if c.getState() == stateClosed {
			return
		}
	}
}

func (c *Connection) getState() connState { return connState(atomic.LoadInt32(&c.state)) }

func (c *Connection) setState(s connState) { atomic.StoreInt32(&c.state, int32(s)) }

func (c *Connection) handleInbound(frame inboundFrame) {
	if frame.err != nil {
		c.fail(newError(TransportError, "connection lost", frame.err))
		return
	}

	// The dispatcher must also see frames while still stateOpen: an
	// UnsubscribeAll/PUnsubscribeAllPatterns call issued before any
	// Subscribe never flips the connection into statePubSub, but it
	// still queues acks the dispatcher — not the correlator — owns.
	if c.getState() == statePubSub || len(c.disp.ackQueue) > 0 {
		if c.disp.handle(frame.val) {
			return
		}
		// Frames that don't match a push-type shape (e.g. PING's
		// +PONG, QUIT's +OK) fall through to the ordinary correlator,
		// per spec.md's pub/sub classification table.
	}

	f, ok := c.corr.next()
	if !ok {
		c.logger.Warn("reply received with no pending request",
			zap.String("id", c.id.String()))
		return
	}
	c.completeFuture(f, frame.val)
}

func (c *Connection) completeFuture(f *future, v Value) {
	if metricsEnabled() {
		if v.Kind() == KindError {
			c.metrics.CommandFailureTotal.Inc()
		} else {
			c.metrics.CommandSuccessTotal.Inc()
		}
		c.metrics.CommandRoundTrip.Observe(time.Since(f.sentAt).Seconds())
	}
	f.resolve(v)
}

// fail tears the connection down after an unexpected transport or
// protocol failure. Idempotent. Only ever called from the event loop
// goroutine, so it needs no lock despite mutating shared state.
func (c *Connection) fail(err error) {
	if c.getState() == stateClosed {
		return
	}
	wasShuttingDown := c.getState() == stateShuttingDown
	c.setState(stateClosed)
	c.conn.Close()
	close(c.closed)
	closedErr := newError(ConnectionClosed, "connection lost", err)
	c.corr.drain(closedErr)
	c.disp.closeAll(closedErr)
	if metricsEnabled() {
		c.metrics.ConnectionsActive.Dec()
	}
	if !wasShuttingDown && c.cfg.OnUnexpectedClose != nil {
		go c.cfg.OnUnexpectedClose(err)
	}
}

// Send writes cmd and returns a Future for its reply. Returns
// ConnectionClosed if the connection is closed or closing, and
// InPubSubMode if the connection is currently dispatching pub/sub
// messages and cmd is anything other than PING or QUIT — ordinary
// commands are not allowed in that mode.
func (c *Connection) Send(cmd Command) (Future, error) {
	futs, err := c.SendBatch(cmd)
	if err != nil {
		return Future{}, err
	}
	return futs[0], nil
}

// SendBatch writes every command in cmds and returns one Future per
// command, in submission order — N commands enqueue N promises, per
// spec.md §4.3. All N are written before any flush decision is made,
// so pipelining a batch costs at most one flush regardless of
// auto-flush. An empty batch is a caller contract violation, not a
// connection-state error, and fails synchronously with
// AssertionFailure rather than hopping onto the event loop.
func (c *Connection) SendBatch(cmds ...Command) ([]Future, error) {
	if len(cmds) == 0 {
		return nil, newError(AssertionFailure, "Cannot send zero commands", nil)
	}

	result := make(chan []Future, 1)
	errc := make(chan error, 1)
	op := func() {
		switch c.getState() {
		case stateClosed, stateShuttingDown:
			errc <- newError(ConnectionClosed, "send after close", nil)
			return
		case statePubSub:
			for _, cmd := range cmds {
				if len(cmd.Args) == 0 || !(strings.EqualFold(cmd.Args[0], "PING") || strings.EqualFold(cmd.Args[0], "QUIT")) {
					errc <- newError(InPubSubMode, "send while in pub/sub mode", nil)
					return
				}
			}
		}
		futs := make([]Future, len(cmds))
		for i, cmd := range cmds {
			f := newFuture()
			c.corr.enqueue(f)
			c.writeBuf = cmd.encode(c.writeBuf)
			futs[i] = Future{f: f}
		}
		if c.autoFlush {
			c.flushNow()
		}
		result <- futs
	}
	select {
	case c.ops <- op:
	case <-c.closed:
		return nil, newError(ConnectionClosed, "send after close", nil)
	}
	select {
	case futs := <-result:
		return futs, nil
	case err := <-errc:
		return nil, err
	}
}

func (c *Connection) writeCommand(cmd Command) {
	c.writeBuf = cmd.encode(c.writeBuf)
	if c.autoFlush {
		c.flushNow()
	}
}

func (c *Connection) flushNow() {
	if len(c.writeBuf) == 0 {
		return
	}
	buf := c.writeBuf
	c.writeBuf = nil
	if _, err := c.conn.Write(buf); err != nil {
		c.fail(newError(TransportError, "flushing writes", err))
	}
}

// AllowSubscriptions reports whether Subscribe/PSubscribe may
// currently be called on this connection. Read atomically, per
// spec.md §3/§5, so it may be observed from any goroutine without
// hopping onto the event loop.
func (c *Connection) AllowSubscriptions() bool {
	return atomic.LoadInt32(&c.allowSubscriptions) != 0
}

// SetAllowSubscriptions atomically flips whether new
// Subscribe/PSubscribe calls are permitted. Flipping it to false
// while the connection is already in PubSub mode unsubscribes every
// active channel and pattern, per spec.md §3 and the literal testable
// property in §8. An in-flight Subscribe/PSubscribe call started
// before the flip is unaffected — its acks still drain the
// dispatcher's ack queue, and only later calls observe the new value
// (see SPEC_FULL.md §9's resolution of that Open Question).
func (c *Connection) SetAllowSubscriptions(enabled bool) error {
	if enabled {
		atomic.StoreInt32(&c.allowSubscriptions, 1)
		return nil
	}
	atomic.StoreInt32(&c.allowSubscriptions, 0)

	if c.getState() != statePubSub {
		return nil
	}
	var errs []error
	if err := c.UnsubscribeAll(); err != nil {
		errs = append(errs, err)
	}
	if err := c.PUnsubscribeAllPatterns(); err != nil {
		errs = append(errs, err)
	}
	return multierr.Combine(errs...)
}

// SetAutoFlush toggles whether Send flushes immediately. Flipping
// from false to true flushes any writes buffered while it was off, so
// toggling auto-flush back on is itself a flush point.
func (c *Connection) SetAutoFlush(enabled bool) error {
	done := make(chan struct{})
	var opErr error
	op := func() {
		defer close(done)
		if c.getState() == stateClosed || c.getState() == stateShuttingDown {
			opErr = newError(ConnectionClosed, "set auto-flush after close", nil)
			return
		}
		turningOn := !c.autoFlush && enabled
		c.autoFlush = enabled
		if turningOn {
			c.flushNow()
		}
	}
	select {
	case c.ops <- op:
		<-done
	case <-c.closed:
		return newError(ConnectionClosed, "set auto-flush after close", nil)
	}
	return opErr
}

// Flush writes any commands buffered by a disabled auto-flush.
func (c *Connection) Flush() error {
	done := make(chan struct{})
	var opErr error
	op := func() {
		defer close(done)
		if c.getState() == stateClosed || c.getState() == stateShuttingDown {
			opErr = newError(ConnectionClosed, "flush after close", nil)
			return
		}
		c.flushNow()
	}
	select {
	case c.ops <- op:
		<-done
	case <-c.closed:
		return newError(ConnectionClosed, "flush after close", nil)
	}
	return opErr
}

// Close gracefully shuts the connection down per spec.md §6's
// shutdown sequence: write QUIT, await its +OK, then close the
// transport, failing every outstanding Future and subscription with
// ConnectionClosed. Safe to call more than once and from more than
// one goroutine; only the first call does any work. Aggregates the
// QUIT round trip's error and the transport close error with
// multierr rather than silently dropping the weaker one.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		// Phase 1: enter shuttingDown and write QUIT as an ordinary
		// correlated command, so its reply resolves through the same
		// eventLoop/correlator path as any other Send — which is what
		// lets phase 2 simply wait for that Future instead of reading
		// the socket directly from this (non-eventLoop) goroutine.
		quitEnqueued := make(chan struct{})
		var quitFut *future
		op1 := func() {
			defer close(quitEnqueued)
			if c.getState() == stateClosed {
				return
			}
			c.setState(stateShuttingDown)
			f := newFuture()
			c.corr.enqueue(f)
			quitFut = f
			c.writeBuf = NewCommand("QUIT").encode(c.writeBuf)
			c.flushNow()
		}
		select {
		case c.ops <- op1:
			<-quitEnqueued
		case <-c.closed:
		}

		if quitFut != nil {
			select {
			case <-quitFut.done:
				if quitFut.err != nil {
					c.closeErrs = append(c.closeErrs, quitFut.err)
				} else if quitFut.val.Kind() == KindError {
					c.closeErrs = append(c.closeErrs, newError(TransportError, "QUIT rejected: "+quitFut.val.ErrorString(), nil))
				}
			case <-c.closed:
			}
		}

		// Phase 2: the QUIT reply (or a connection failure while
		// awaiting it) has been observed; close the transport and
		// drain anything left.
		closeDone := make(chan struct{})
		op2 := func() {
			defer close(closeDone)
			if c.getState() == stateClosed {
				return
			}
			if err := c.conn.Close(); err != nil {
				c.closeErrs = append(c.closeErrs, newError(TransportError, "closing transport", err))
			}
			c.setState(stateClosed)
			close(c.closed)
			closedErr := newError(ConnectionClosed, "connection closed", nil)
			c.corr.drain(closedErr)
			c.disp.closeAll(closedErr)
			if metricsEnabled() {
				c.metrics.ConnectionsActive.Dec()
			}
		}
		select {
		case c.ops <- op2:
			<-closeDone
		case <-c.closed:
		}
	})
	return multierr.Combine(c.closeErrs...)
}

// State reports the connection's current lifecycle state, primarily
// useful for tests and diagnostics.
func (c *Connection) State() string {
	switch c.getState() {
	case stateOpen:
		return "open"
	case statePubSub:
		return "pubsub"
	case stateShuttingDown:
		return "shuttingDown"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
