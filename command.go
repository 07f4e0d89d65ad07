package redis

import (
	"time"

	"github.com/parkcheolu/mini-redis/command"
)

// GET executes <https://redis.io/commands/get>. The return is nil if
// the key does not exist or has expired.
func (c *Client) GET(key string) ([]byte, error) {
	return c.commandBulk(command.Command{Kind: command.Get, Key: key})
}

// SET executes <https://redis.io/commands/set>. A nil ttl sets the key
// with no expiry.
func (c *Client) SET(key string, value []byte, ttl *time.Duration) error {
	return c.commandOK(command.Command{Kind: command.Set, Key: key, Value: value, TTL: ttl})
}

// PUBLISH executes <https://redis.io/commands/publish>. The return is
// the number of subscribers that received the message.
func (c *Client) PUBLISH(channel string, message []byte) (int64, error) {
	return c.commandInteger(command.Command{Kind: command.Publish, Channel: channel, Message: message})
}
