package dispatch

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// NatsDispatcher publishes dispatch events to a NATS subject.
type NatsDispatcher struct {
	conn    *nats.Conn
	subject string
}

func NewNatsDispatcher(conn *nats.Conn, subject string) *NatsDispatcher {
	return &NatsDispatcher{
		conn:    conn,
		subject: subject,
	}
}

func (d *NatsDispatcher) Dispatch(shardId int, eventName string, data json.RawMessage, raw []byte) {
	encoded, err := json.Marshal(Event{
		ShardId:   shardId,
		EventType: eventName,
		Data:      data,
	})
	if err != nil {
		logrus.Warnf("shard %d: error marshalling event %s: %s", shardId, eventName, err.Error())
		return
	}

	if err := d.conn.Publish(d.subject, encoded); err != nil {
		logrus.Warnf("shard %d: error forwarding event %s: %s", shardId, eventName, err.Error())
	}
}
