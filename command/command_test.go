package command

import (
	"testing"
	"time"

	"github.com/parkcheolu/mini-redis/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ttl(d time.Duration) *time.Duration { return &d }

func TestRoundTrip(t *testing.T) {
	cases := []Command{
		{Kind: Get, Key: "foo"},
		{Kind: Set, Key: "foo", Value: []byte("bar")},
		{Kind: Set, Key: "foo", Value: []byte("bar"), TTL: ttl(50 * time.Millisecond)},
		{Kind: Publish, Channel: "news", Message: []byte("hi")},
		{Kind: Subscribe, Channels: []string{"a", "b"}},
		{Kind: Unsubscribe, Channels: []string{"a"}},
		{Kind: Unsubscribe},
	}
	for _, want := range cases {
		got, err := Parse(want.Frame())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestSetWithEXConvertsToMilliseconds(t *testing.T) {
	f := frame.Arr(
		frame.BulkString("SET"), frame.BulkString("k"), frame.BulkString("v"),
		frame.BulkString("EX"), frame.Int(2),
	)
	cmd, err := Parse(f)
	require.NoError(t, err)
	require.NotNil(t, cmd.TTL)
	assert.Equal(t, 2*time.Second, *cmd.TTL)

	enc := cmd.Frame()
	require.Len(t, enc.Array, 5)
	assert.Equal(t, "PX", string(enc.Array[3].Bulk))
	assert.Equal(t, uint64(2000), enc.Array[4].Int)
}

func TestSetRejectsUnitMismatch(t *testing.T) {
	f := frame.Arr(
		frame.BulkString("SET"), frame.BulkString("k"), frame.BulkString("v"),
		frame.BulkString("NOPE"), frame.Int(2),
	)
	_, err := Parse(f)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestSetRejectsExtraTokens(t *testing.T) {
	f := frame.Arr(
		frame.BulkString("SET"), frame.BulkString("k"), frame.BulkString("v"),
		frame.BulkString("PX"), frame.Int(2), frame.BulkString("extra"),
	)
	_, err := Parse(f)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestGetWrongArity(t *testing.T) {
	_, err := Parse(frame.Arr(frame.BulkString("GET")))
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestUnknownCommandDiscardsRemainingArgs(t *testing.T) {
	f := frame.Arr(frame.BulkString("FOO"), frame.BulkString("a"), frame.BulkString("b"))
	cmd, err := Parse(f)
	require.NoError(t, err)
	assert.Equal(t, Unknown, cmd.Kind)
	assert.Equal(t, "FOO", cmd.Name)
}

func TestUnsubscribeEmptyMeansAll(t *testing.T) {
	cmd, err := Parse(frame.Arr(frame.BulkString("UNSUBSCRIBE")))
	require.NoError(t, err)
	assert.Empty(t, cmd.Channels)
}

func TestNonUTF8KeyRejected(t *testing.T) {
	f := frame.Arr(frame.BulkString("GET"), frame.BulkBytes([]byte{0xff, 0xfe}))
	_, err := Parse(f)
	assert.ErrorIs(t, err, ErrProtocol)
}
