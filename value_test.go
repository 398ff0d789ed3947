package redis

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, wire string) Value {
	t.Helper()
	v, err := decodeValue(bufio.NewReader(bytes.NewBufferString(wire)))
	require.NoError(t, err)
	return v
}

func TestDecodeSimpleString(t *testing.T) {
	v := decode(t, "+OK\r\n")
	assert.Equal(t, KindSimpleString, v.Kind())
	assert.Equal(t, "OK", v.SimpleString())
}

func TestDecodeError(t *testing.T) {
	v := decode(t, "-WRONGTYPE Operation against a wrong kind of value\r\n")
	assert.Equal(t, KindError, v.Kind())
	assert.Equal(t, "WRONGTYPE Operation against a wrong kind of value", v.ErrorString())
}

func TestDecodeInteger(t *testing.T) {
	v := decode(t, ":42\r\n")
	assert.Equal(t, KindInteger, v.Kind())
	assert.Equal(t, int64(42), v.Integer())
}

func TestDecodeBulkString(t *testing.T) {
	v := decode(t, "$5\r\nhello\r\n")
	assert.Equal(t, KindBulkString, v.Kind())
	assert.False(t, v.IsNull())
	assert.Equal(t, "hello", string(v.Bulk()))
}

func TestDecodeNullBulkString(t *testing.T) {
	v := decode(t, "$-1\r\n")
	assert.Equal(t, KindBulkString, v.Kind())
	assert.True(t, v.IsNull())
}

func TestDecodeArray(t *testing.T) {
	v := decode(t, "*2\r\n$3\r\nfoo\r\n:7\r\n")
	require.Equal(t, KindArray, v.Kind())
	require.Len(t, v.Array(), 2)
	assert.Equal(t, "foo", string(v.Array()[0].Bulk()))
	assert.Equal(t, int64(7), v.Array()[1].Integer())
}

func TestDecodeNullArray(t *testing.T) {
	v := decode(t, "*-1\r\n")
	assert.Equal(t, KindArray, v.Kind())
	assert.True(t, v.IsNull())
}

func TestDecodeNestedArray(t *testing.T) {
	v := decode(t, "*1\r\n*2\r\n$1\r\na\r\n$1\r\nb\r\n")
	require.Len(t, v.Array(), 1)
	inner := v.Array()[0]
	require.Len(t, inner.Array(), 2)
	assert.Equal(t, "a", string(inner.Array()[0].Bulk()))
}

func TestDecodeUnrecognizedPrefix(t *testing.T) {
	_, err := decodeValue(bufio.NewReader(bytes.NewBufferString("?garbage\r\n")))
	require.Error(t, err)
	var redisErr *Error
	require.ErrorAs(t, err, &redisErr)
	assert.Equal(t, ProtocolError, redisErr.Kind)
}

func TestDecodeRejectsLoneLF(t *testing.T) {
	_, err := decodeValue(bufio.NewReader(bytes.NewBufferString("+OK\n")))
	require.Error(t, err)
	var redisErr *Error
	require.ErrorAs(t, err, &redisErr)
	assert.Equal(t, ProtocolError, redisErr.Kind)
}

func TestDecodeRejectsExcessiveArrayNesting(t *testing.T) {
	var wire bytes.Buffer
	for i := 0; i < maxNestingDepth+2; i++ {
		wire.WriteString("*1\r\n")
	}
	wire.WriteString("$2\r\nhi\r\n")

	_, err := decodeValue(bufio.NewReader(&wire))
	require.Error(t, err)
	var redisErr *Error
	require.ErrorAs(t, err, &redisErr)
	assert.Equal(t, ProtocolError, redisErr.Kind)
}

func TestCommandEncode(t *testing.T) {
	got := NewCommand("SET", "key", "value").encode(nil)
	assert.Equal(t, "*3\r\n$3\r\nSET\r\n$3\r\nkey\r\n$5\r\nvalue\r\n", string(got))
}

func TestCommandEncodeAppendsToExistingBuffer(t *testing.T) {
	buf := NewCommand("PING").encode(nil)
	buf = NewCommand("PING").encode(buf)
	assert.Equal(t, "*1\r\n$4\r\nPING\r\n*1\r\n$4\r\nPING\r\n", string(buf))
}
