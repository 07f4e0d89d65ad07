package redis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenerUnsubscribeStopsDelivery(t *testing.T) {
	addr, stop := startServer(t)
	defer stop()

	c := NewClient(addr, 0, 0)
	defer c.Close()
	pub := NewClient(addr, 0, 0)
	defer pub.Close()

	l := c.NewListener()
	defer l.Close()

	messages, unsubscribe := l.SUBSCRIBE("gossip")
	time.Sleep(20 * time.Millisecond)

	n, err := pub.PUBLISH("gossip", []byte("first"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	select {
	case msg := <-messages:
		assert.Equal(t, "first", string(msg))
	case <-time.After(time.Second):
		t.Fatal("first message not delivered")
	}

	unsubscribe()
	time.Sleep(20 * time.Millisecond)

	n, err = pub.PUBLISH("gossip", []byte("second"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	select {
	case _, ok := <-messages:
		assert.False(t, ok, "messages channel should be closed after unsubscribe")
	case <-time.After(time.Second):
		t.Fatal("messages channel did not close after unsubscribe")
	}
}

func TestListenerMultipleChannelsAreIndependent(t *testing.T) {
	addr, stop := startServer(t)
	defer stop()

	c := NewClient(addr, 0, 0)
	defer c.Close()
	pub := NewClient(addr, 0, 0)
	defer pub.Close()

	l := c.NewListener()
	defer l.Close()

	sports, unsubSports := l.SUBSCRIBE("sports")
	defer unsubSports()
	weather, unsubWeather := l.SUBSCRIBE("weather")
	defer unsubWeather()
	time.Sleep(20 * time.Millisecond)

	_, err := pub.PUBLISH("weather", []byte("rain"))
	require.NoError(t, err)

	select {
	case msg := <-weather:
		assert.Equal(t, "rain", string(msg))
	case <-sports:
		t.Fatal("message for weather delivered on sports channel")
	case <-time.After(time.Second):
		t.Fatal("weather message not delivered")
	}
}

func TestListenerCloseClosesAllChannels(t *testing.T) {
	addr, stop := startServer(t)
	defer stop()

	c := NewClient(addr, 0, 0)
	defer c.Close()

	l := c.NewListener()
	messages, _ := l.SUBSCRIBE("doomed")
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, l.Close())

	select {
	case _, ok := <-messages:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("messages channel did not close after Listener.Close")
	}

	_, ok := <-l.Errs
	assert.False(t, ok, "Errs must close after Close")
}
