package redis

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialTest(t *testing.T, configure func(*Config)) (*Connection, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := Config{Addr: mr.Addr()}
	if configure != nil {
		configure(&cfg)
	}
	conn, err := Dial(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, mr
}

func TestSendSetThenGetRoundTrip(t *testing.T) {
	conn, _ := dialTest(t, nil)

	fut, err := conn.Send(NewCommand("SET", "greeting", "hello"))
	require.NoError(t, err)
	v, err := fut.Wait()
	require.NoError(t, err)
	assert.Equal(t, "OK", v.SimpleString())

	fut, err = conn.Send(NewCommand("GET", "greeting"))
	require.NoError(t, err)
	v, err = fut.Wait()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(v.Bulk()))
}

func TestSendAgainstMissingKeyReturnsNullBulk(t *testing.T) {
	conn, _ := dialTest(t, nil)

	fut, err := conn.Send(NewCommand("GET", "absent"))
	require.NoError(t, err)
	v, err := fut.Wait()
	require.NoError(t, err)
	assert.True(t, v.IsNull())
}

func TestServerErrorReplyResolvesFutureWithoutError(t *testing.T) {
	conn, _ := dialTest(t, nil)

	_, err := conn.Send(NewCommand("SET", "listy", "x"))
	require.NoError(t, err)
	fut, err := conn.Send(NewCommand("LPUSH", "listy", "y"))
	require.NoError(t, err)
	v, err := fut.Wait()
	require.NoError(t, err)
	assert.Equal(t, KindError, v.Kind())
}

func TestAutoFlushOffBuffersUntilFlush(t *testing.T) {
	conn, _ := dialTest(t, func(cfg *Config) { cfg.AutoFlush = BoolPtr(false) })

	fut1, err := conn.Send(NewCommand("SET", "a", "1"))
	require.NoError(t, err)
	fut2, err := conn.Send(NewCommand("SET", "b", "2"))
	require.NoError(t, err)

	select {
	case <-fut1.f.done:
		t.Fatal("first command resolved before flush")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, conn.Flush())

	v1, err := fut1.Wait()
	require.NoError(t, err)
	assert.Equal(t, "OK", v1.SimpleString())
	v2, err := fut2.Wait()
	require.NoError(t, err)
	assert.Equal(t, "OK", v2.SimpleString())
}

func TestSetAutoFlushTrueFlushesBuffered(t *testing.T) {
	conn, _ := dialTest(t, func(cfg *Config) { cfg.AutoFlush = BoolPtr(false) })

	fut, err := conn.Send(NewCommand("SET", "c", "3"))
	require.NoError(t, err)

	require.NoError(t, conn.SetAutoFlush(true))

	v, err := fut.Wait()
	require.NoError(t, err)
	assert.Equal(t, "OK", v.SimpleString())
}

func TestClassifyPushRejectsEmptyHead(t *testing.T) {
	_, ok := classifyPush("")
	assert.False(t, ok)
}

func TestSendBatchRejectsEmptyBatch(t *testing.T) {
	conn, _ := dialTest(t, nil)

	_, err := conn.SendBatch()
	require.Error(t, err)
	var redisErr *Error
	require.ErrorAs(t, err, &redisErr)
	assert.Equal(t, AssertionFailure, redisErr.Kind)
}

func TestSendBatchPipelinesAndResolvesInOrder(t *testing.T) {
	conn, _ := dialTest(t, nil)

	futs, err := conn.SendBatch(
		NewCommand("SET", "1", "one"),
		NewCommand("SET", "2", "two"),
		NewCommand("GET", "1"),
	)
	require.NoError(t, err)
	require.Len(t, futs, 3)

	v0, err := futs[0].Wait()
	require.NoError(t, err)
	assert.Equal(t, "OK", v0.SimpleString())

	v1, err := futs[1].Wait()
	require.NoError(t, err)
	assert.Equal(t, "OK", v1.SimpleString())

	v2, err := futs[2].Wait()
	require.NoError(t, err)
	assert.Equal(t, "one", string(v2.Bulk()))
}

func TestCloseIsIdempotent(t *testing.T) {
	conn, _ := dialTest(t, nil)
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.Equal(t, "closed", conn.State())
}

func TestSendAfterCloseReturnsConnectionClosed(t *testing.T) {
	conn, _ := dialTest(t, nil)
	require.NoError(t, conn.Close())

	_, err := conn.Send(NewCommand("PING"))
	require.Error(t, err)
	var redisErr *Error
	require.ErrorAs(t, err, &redisErr)
	assert.Equal(t, ConnectionClosed, redisErr.Kind)
}

func TestUnexpectedClosureInvokesCallback(t *testing.T) {
	mr := miniredis.RunT(t)
	notified := make(chan error, 1)
	conn, err := Dial(Config{
		Addr:              mr.Addr(),
		OnUnexpectedClose: func(err error) { notified <- err },
	})
	require.NoError(t, err)

	mr.Close()

	select {
	case err := <-notified:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("OnUnexpectedClose was not invoked")
	}
	assert.Equal(t, "closed", conn.State())
}

func TestHandshakeAuthAndSelect(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.RequireAuth("secret")

	conn, err := Dial(Config{Addr: mr.Addr(), Password: "secret", DB: 3})
	require.NoError(t, err)
	defer conn.Close()

	fut, err := conn.Send(NewCommand("PING"))
	require.NoError(t, err)
	v, err := fut.Wait()
	require.NoError(t, err)
	assert.Equal(t, "PONG", v.SimpleString())
}
