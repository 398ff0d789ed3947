package redis

// Signature is the minimal contract spec.md §6 describes for a typed
// command: a sequence of frames — a single signature may represent a
// pipeline of several commands, not just one — plus a decoder for the
// reply that matters. Full typed command wrappers (the teacher's
// command.go GET/SET/INCR/... family) are out of scope for this
// package; Signature exists so callers — and the handful of examples
// below — don't have to hand-decode Values for the commands they do
// use.
type Signature[T any] interface {
	// Frames returns the commands to send, in order. Most signatures
	// return exactly one; a pipelined signature (e.g. WATCH+MULTI+...+EXEC)
	// returns several, all written before any of their replies are read.
	Frames() []Command
	// Decode converts the reply to the last frame into T. Replies to
	// any earlier frames are still read off the wire (the correlator
	// always resolves one Future per frame) but are not passed here,
	// so only the terminal command's reply determines T.
	Decode(Value) (T, error)
}

// Ping is a minimal Signature[string] example: PING, decoding the
// +PONG simple string reply (or echoing a supplied message).
type Ping struct{ Message string }

func (p Ping) Frames() []Command {
	if p.Message == "" {
		return []Command{NewCommand("PING")}
	}
	return []Command{NewCommand("PING", p.Message)}
}

func (p Ping) Decode(v Value) (string, error) {
	switch v.Kind() {
	case KindSimpleString:
		return v.SimpleString(), nil
	case KindBulkString:
		return string(v.Bulk()), nil
	case KindError:
		return "", ServerReplyError(v.ErrorString())
	default:
		return "", newError(ProtocolError, "unexpected reply kind for PING", nil)
	}
}

// Get is a minimal Signature[[]byte] example: GET key, decoding the
// bulk string reply and reporting key absence as a nil slice.
type Get struct{ Key string }

func (g Get) Frames() []Command { return []Command{NewCommand("GET", g.Key)} }

func (g Get) Decode(v Value) ([]byte, error) {
	switch v.Kind() {
	case KindBulkString:
		if v.IsNull() {
			return nil, nil
		}
		return v.Bulk(), nil
	case KindError:
		return nil, ServerReplyError(v.ErrorString())
	default:
		return nil, newError(ProtocolError, "unexpected reply kind for GET", nil)
	}
}

// Set is a minimal Signature[bool] example: SET key value, decoding
// the +OK reply into true.
type Set struct {
	Key   string
	Value string
}

func (s Set) Frames() []Command { return []Command{NewCommand("SET", s.Key, s.Value)} }

func (s Set) Decode(v Value) (bool, error) {
	switch v.Kind() {
	case KindSimpleString:
		return v.SimpleString() == "OK", nil
	case KindError:
		return false, ServerReplyError(v.ErrorString())
	default:
		return false, newError(ProtocolError, "unexpected reply kind for SET", nil)
	}
}

// Incr is a minimal Signature[int64] example: INCR key.
type Incr struct{ Key string }

func (i Incr) Frames() []Command { return []Command{NewCommand("INCR", i.Key)} }

func (i Incr) Decode(v Value) (int64, error) {
	switch v.Kind() {
	case KindInteger:
		return v.Integer(), nil
	case KindError:
		return 0, ServerReplyError(v.ErrorString())
	default:
		return 0, newError(ProtocolError, "unexpected reply kind for INCR", nil)
	}
}

// Execute sends every frame of sig as a single pipelined batch over c
// and decodes the reply to the last one, blocking until every round
// trip completes. Replies to earlier frames (if sig represents more
// than one command) are still read off the wire in order, they're
// just not the value handed to Decode.
func Execute[T any](c *Connection, sig Signature[T]) (T, error) {
	var zero T
	futs, err := c.SendBatch(sig.Frames()...)
	if err != nil {
		return zero, err
	}
	var last Value
	for _, fut := range futs {
		v, err := fut.Wait()
		if err != nil {
			return zero, err
		}
		last = v
	}
	return sig.Decode(last)
}
