package gateway

import (
	"encoding/json"

	"github.com/sirupsen/logrus"
)

// tick runs once a second on the cluster's global ticker. It is the only
// consumer of the send queue, so everything it writes is serialized.
func (s *Shard) tick() {
	// Nothing runs until the websocket is up and READY/RESUMED was seen
	if !s.IsConnected() {
		return
	}

	now := currentTimeMillis()

	s.heartbeatLock.RLock()
	interval := int64(s.heartbeatInterval)
	lastAck := s.lastHeartbeatAck
	lastBeat := s.lastHeartbeat
	s.heartbeatLock.RUnlock()

	// Missing two ACKs means the connection is dead even if TCP still looks
	// healthy. Close the socket to force the read loop into reconnection.
	if interval > 0 && now-lastAck > interval*2 {
		logrus.Warnf("shard %d: missed heartbeat ACK, forcing reconnection to session %s", s.ShardId, s.SessionId())
		s.queue.Clear()
		s.closeTransport()
		return
	}

	// Rate limit outbound messages: 2 every odd second, 1 every even second
	budget := int(now/1000%2) + 1
	for i := 0; i < budget; i++ {
		message, ok := s.queue.PopFront()
		if !ok {
			break
		}

		if err := s.writeRaw([]byte(message)); err != nil {
			logrus.Warnf("shard %d: error whilst writing queued message: %s", s.ShardId, err.Error())
		}
	}

	// Heartbeats go out slightly early to tolerate latency jitter, and jump
	// the queue so saturation can't starve liveness.
	if interval > 0 && s.Sequence() > 0 && now > lastBeat+interval*3/4 {
		heartbeat, err := json.Marshal(Heartbeat{Opcode: OpHeartbeat, Data: s.Sequence()})
		if err != nil {
			return
		}

		s.queue.PushFront(string(heartbeat))

		s.heartbeatLock.Lock()
		s.lastHeartbeat = now
		s.heartbeatLock.Unlock()
	}
}
