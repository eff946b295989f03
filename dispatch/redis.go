package dispatch

import (
	"encoding/json"

	"github.com/go-redis/redis"
	"github.com/sirupsen/logrus"
)

// RedisDispatcher publishes dispatch events to a redis pub/sub channel for
// worker processes to consume.
type RedisDispatcher struct {
	client  *redis.Client
	channel string
}

func NewRedisDispatcher(client *redis.Client, channel string) *RedisDispatcher {
	return &RedisDispatcher{
		client:  client,
		channel: channel,
	}
}

func (d *RedisDispatcher) Dispatch(shardId int, eventName string, data json.RawMessage, raw []byte) {
	encoded, err := json.Marshal(Event{
		ShardId:   shardId,
		EventType: eventName,
		Data:      data,
	})
	if err != nil {
		logrus.Warnf("shard %d: error marshalling event %s: %s", shardId, eventName, err.Error())
		return
	}

	if err := d.client.Publish(d.channel, encoded).Err(); err != nil {
		logrus.Warnf("shard %d: error forwarding event %s: %s", shardId, eventName, err.Error())
	}
}
