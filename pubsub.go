package redis

import "go.uber.org/zap"

// Message is a single pub/sub delivery. Pattern is empty unless the
// message arrived through a pattern subscription.
type Message struct {
	Channel string
	Pattern string
	Payload []byte
}

type pushKind int

const (
	pushSubscribe pushKind = iota
	pushUnsubscribe
	pushPSubscribe
	pushPUnsubscribe
	pushMessage
	pushPMessage
)

// classifyPush maps the first element of an inbound RESP array to one
// of the six push shapes spec.md's dispatcher recognizes. Any other
// first element means the array is an ordinary reply, not a push.
func classifyPush(first string) (pushKind, bool) {
	switch first {
	case "subscribe":
		return pushSubscribe, true
	case "unsubscribe":
		return pushUnsubscribe, true
	case "psubscribe":
		return pushPSubscribe, true
	case "punsubscribe":
		return pushPUnsubscribe, true
	case "message":
		return pushMessage, true
	case "pmessage":
		return pushPMessage, true
	default:
		return 0, false
	}
}

// ackWait tracks the K outstanding server acknowledgements for one
// subscribe/unsubscribe call — the "K-of-K" bookkeeping spec.md's
// dispatcher needs because a single SUBSCRIBE with N channels
// produces N separate ack frames. resultc is buffered so the event
// loop never blocks delivering it.
type ackWait struct {
	remaining  int
	onEachAck  func(name string)
	onComplete func()
	resultc    chan error
}

// pendingAck is one ackWait's queue slot, popped in the exact order
// the corresponding SUBSCRIBE/UNSUBSCRIBE arguments were written —
// guaranteed by TCP ordering plus Redis's synchronous per-connection
// processing.
type pendingAck struct {
	kind pushKind
	name string
	wait *ackWait
}

// dispatcher is the pub/sub half of a Connection's event loop state.
// Every field here is touched only from the event loop goroutine,
// grounded on the teacher's Listener (pubsub.go) generalized from a
// separate reconnecting type into a mode of the single Connection.
type dispatcher struct {
	conn *Connection

	channelReceivers map[string]chan Message
	patternReceivers map[string]chan Message
	ackQueue         []pendingAck
}

func newDispatcher(c *Connection) *dispatcher {
	return &dispatcher{
		conn:             c,
		channelReceivers: make(map[string]chan Message),
		patternReceivers: make(map[string]chan Message),
	}
}

// handle classifies an inbound Array value and, if it is one of the
// six recognized push shapes, dispatches it and reports true. Any
// other shape (including PING's +PONG and QUIT's +OK, which are not
// even arrays) returns false so the caller routes it to the ordinary
// correlator instead.
func (d *dispatcher) handle(v Value) bool {
	if v.Kind() != KindArray || v.IsNull() || len(v.Array()) == 0 {
		return false
	}
	head := v.Array()[0]
	if head.Kind() != KindBulkString || head.IsNull() {
		return false
	}
	kind, ok := classifyPush(string(head.Bulk()))
	if !ok {
		return false
	}
	switch kind {
	case pushMessage:
		d.handleMessage(v.Array())
	case pushPMessage:
		d.handlePMessage(v.Array())
	default:
		d.handleAck(v.Array())
	}
	return true
}

func (d *dispatcher) handleMessage(arr []Value) {
	if len(arr) < 3 {
		d.conn.logger.Warn("malformed message push", zap.Int("fields", len(arr)))
		return
	}
	channel := string(arr[1].Bulk())
	ch, ok := d.channelReceivers[channel]
	if !ok {
		return
	}
	d.deliver(ch, Message{Channel: channel, Payload: arr[2].Bulk()})
}

func (d *dispatcher) handlePMessage(arr []Value) {
	if len(arr) < 4 {
		d.conn.logger.Warn("malformed pmessage push", zap.Int("fields", len(arr)))
		return
	}
	pattern := string(arr[1].Bulk())
	ch, ok := d.patternReceivers[pattern]
	if !ok {
		return
	}
	d.deliver(ch, Message{
		Pattern: pattern,
		Channel: string(arr[2].Bulk()),
		Payload: arr[3].Bulk(),
	})
}

func (d *dispatcher) deliver(ch chan Message, msg Message) {
	if metricsEnabled() {
		d.conn.metrics.SubscriptionMessagesTotal.Inc()
	}
	select {
	case ch <- msg:
	default:
		d.conn.logger.Warn("dropping pub/sub message, receiver not keeping up",
			zap.String("channel", msg.Channel), zap.String("pattern", msg.Pattern))
	}
}

func (d *dispatcher) handleAck(arr []Value) {
	if len(d.ackQueue) == 0 {
		d.conn.logger.Warn("pub/sub ack received with no pending subscribe/unsubscribe call")
		return
	}
	pa := d.ackQueue[0]
	d.ackQueue = d.ackQueue[1:]

	name := pa.name
	if len(arr) >= 2 && arr[1].Kind() == KindBulkString && !arr[1].IsNull() {
		name = string(arr[1].Bulk())
	}

	pa.wait.remaining--
	if pa.wait.onEachAck != nil {
		pa.wait.onEachAck(name)
	}
	if pa.wait.remaining == 0 {
		if pa.wait.onComplete != nil {
			pa.wait.onComplete()
		}
		select {
		case pa.wait.resultc <- nil:
		default:
		}
	}
}

// closeAll fails every outstanding ackWait and closes every live
// subscription channel. Called once from fail()/Close() when the
// connection tears down with subscriptions still registered.
func (d *dispatcher) closeAll(err error) {
	for _, pa := range d.ackQueue {
		select {
		case pa.wait.resultc <- err:
		default:
		}
	}
	d.ackQueue = nil
	// One Subscription's channel is registered under each of its
	// names, so close each distinct channel only once.
	closed := make(map[chan Message]bool)
	for _, ch := range d.channelReceivers {
		if !closed[ch] {
			closed[ch] = true
			close(ch)
		}
	}
	for _, ch := range d.patternReceivers {
		if !closed[ch] {
			closed[ch] = true
			close(ch)
		}
	}
	d.channelReceivers = make(map[string]chan Message)
	d.patternReceivers = make(map[string]chan Message)
}

// Subscription is the caller's handle on one Subscribe/PSubscribe
// call: a channel of deliveries plus an Unsubscribe to tear it down.
type Subscription struct {
	conn     *Connection
	pattern  bool
	names    []string
	messages chan Message
}

// Messages returns the channel pub/sub deliveries for this
// subscription arrive on. It is closed after a successful Unsubscribe
// or when the underlying Connection closes.
func (s *Subscription) Messages() <-chan Message { return s.messages }

// Subscribe opens a channel subscription. The AllowSubscriptions gate
// is read once here: per the allowSubscriptions-flip-mid-request
// design note, an in-flight call is allowed to finish even if the
// flag changes before its acks arrive.
func (c *Connection) Subscribe(channels ...string) (*Subscription, error) {
	return c.subscribeInternal(channels, false)
}

// PSubscribe opens a pattern subscription.
func (c *Connection) PSubscribe(patterns ...string) (*Subscription, error) {
	return c.subscribeInternal(patterns, true)
}

func (c *Connection) subscribeInternal(names []string, pattern bool) (*Subscription, error) {
	if !c.AllowSubscriptions() {
		return nil, newError(PubSubNotAllowed, "subscriptions disabled for this connection", nil)
	}
	if len(names) == 0 {
		return nil, newError(AssertionFailure, "subscribe requires at least one channel or pattern", nil)
	}

	sub := &Subscription{
		conn:     c,
		pattern:  pattern,
		names:    append([]string(nil), names...),
		messages: make(chan Message, 64),
	}

	cmdName, kind := "SUBSCRIBE", pushSubscribe
	if pattern {
		cmdName, kind = "PSUBSCRIBE", pushPSubscribe
	}

	resultc := make(chan error, 1)
	op := func() {
		switch c.getState() {
		case stateClosed, stateShuttingDown:
			resultc <- newError(ConnectionClosed, "subscribe after close", nil)
			return
		}
		wait := &ackWait{
			remaining: len(names),
			resultc:   resultc,
			onEachAck: func(name string) {
				if pattern {
					c.disp.patternReceivers[name] = sub.messages
					if metricsEnabled() {
						c.metrics.PatternSubscriptionsActive.Inc()
					}
				} else {
					c.disp.channelReceivers[name] = sub.messages
					if metricsEnabled() {
						c.metrics.ChannelSubscriptionsActive.Inc()
					}
				}
			},
		}
		for _, n := range names {
			c.disp.ackQueue = append(c.disp.ackQueue, pendingAck{kind: kind, name: n, wait: wait})
		}
		c.setState(statePubSub)
		c.writeCommand(NewCommand(append([]string{cmdName}, names...)...))
	}
	select {
	case c.ops <- op:
	case <-c.closed:
		return nil, newError(ConnectionClosed, "subscribe after close", nil)
	}
	if err := <-resultc; err != nil {
		return nil, err
	}
	return sub, nil
}

// Unsubscribe tears down this subscription's channels/patterns. The
// Messages channel is closed once the server has acknowledged every
// name, or immediately if the connection closes first.
func (s *Subscription) Unsubscribe() error {
	c := s.conn
	cmdName, kind := "UNSUBSCRIBE", pushUnsubscribe
	if s.pattern {
		cmdName, kind = "PUNSUBSCRIBE", pushPUnsubscribe
	}

	resultc := make(chan error, 1)
	op := func() {
		switch c.getState() {
		case stateClosed, stateShuttingDown:
			resultc <- newError(ConnectionClosed, "unsubscribe after close", nil)
			return
		}
		wait := &ackWait{
			remaining: len(s.names),
			resultc:   resultc,
			onEachAck: func(name string) {
				if s.pattern {
					delete(c.disp.patternReceivers, name)
					if metricsEnabled() {
						c.metrics.PatternSubscriptionsActive.Dec()
					}
				} else {
					delete(c.disp.channelReceivers, name)
					if metricsEnabled() {
						c.metrics.ChannelSubscriptionsActive.Dec()
					}
				}
			},
			onComplete: func() {
				close(s.messages)
				c.maybeExitPubSub()
			},
		}
		for _, n := range s.names {
			c.disp.ackQueue = append(c.disp.ackQueue, pendingAck{kind: kind, name: n, wait: wait})
		}
		c.writeCommand(NewCommand(append([]string{cmdName}, s.names...)...))
	}
	select {
	case c.ops <- op:
	case <-c.closed:
		return newError(ConnectionClosed, "unsubscribe after close", nil)
	}
	return <-resultc
}

// UnsubscribeAll unsubscribes every active channel subscription on
// the connection in one round trip, matching plain Redis UNSUBSCRIBE
// with no arguments. Per the server's own behavior, when there are no
// active channel subscriptions it still sends exactly one
// acknowledgement carrying a null channel name — K is therefore
// max(active count, 1), not the active count itself.
func (c *Connection) UnsubscribeAll() error { return c.unsubscribeAllInternal(false) }

// PUnsubscribeAllPatterns unsubscribes every active pattern
// subscription; see UnsubscribeAll for the K=max(n,1) accounting.
func (c *Connection) PUnsubscribeAllPatterns() error { return c.unsubscribeAllInternal(true) }

func (c *Connection) unsubscribeAllInternal(pattern bool) error {
	cmdName, kind := "UNSUBSCRIBE", pushUnsubscribe
	if pattern {
		cmdName, kind = "PUNSUBSCRIBE", pushPUnsubscribe
	}

	resultc := make(chan error, 1)
	op := func() {
		switch c.getState() {
		case stateClosed, stateShuttingDown:
			resultc <- newError(ConnectionClosed, "unsubscribe after close", nil)
			return
		}
		registry := c.disp.channelReceivers
		if pattern {
			registry = c.disp.patternReceivers
		}
		names := make([]string, 0, len(registry))
		chans := make([]chan Message, 0, len(registry))
		seen := make(map[chan Message]bool)
		for n, ch := range registry {
			names = append(names, n)
			if !seen[ch] {
				seen[ch] = true
				chans = append(chans, ch)
			}
		}
		k := len(names)
		if k == 0 {
			k = 1
		}

		idx := 0
		wait := &ackWait{
			remaining: k,
			resultc:   resultc,
			onEachAck: func(name string) {
				if idx >= len(names) {
					return
				}
				delete(registry, names[idx])
				if metricsEnabled() {
					if pattern {
						c.metrics.PatternSubscriptionsActive.Dec()
					} else {
						c.metrics.ChannelSubscriptionsActive.Dec()
					}
				}
				idx++
			},
			onComplete: func() {
				for _, ch := range chans {
					close(ch)
				}
				c.maybeExitPubSub()
			},
		}
		for i := 0; i < k; i++ {
			c.disp.ackQueue = append(c.disp.ackQueue, pendingAck{kind: kind, wait: wait})
		}
		c.writeCommand(NewCommand(cmdName))
	}
	select {
	case c.ops <- op:
	case <-c.closed:
		return newError(ConnectionClosed, "unsubscribe after close", nil)
	}
	return <-resultc
}

// maybeExitPubSub drops the connection back to plain open mode once
// no subscriptions and no outstanding pub/sub acks remain — run only
// from the event loop goroutine, inside an ackWait.onComplete.
func (c *Connection) maybeExitPubSub() {
	if len(c.disp.channelReceivers) == 0 && len(c.disp.patternReceivers) == 0 && len(c.disp.ackQueue) == 0 {
		c.setState(stateOpen)
	}
}
