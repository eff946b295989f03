package gateway

import (
	"encoding/json"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// VoiceClient is the voice session spawned once the gateway has delivered
// both halves of the voice handshake. Construction may block on a TLS
// handshake, so the shard always builds it off the driver goroutine.
type VoiceClient interface {
	Run()
	Close() error
}

// VoiceClientFactory builds the external voice client from the credentials
// assembled on a VoiceConn.
type VoiceClientFactory func(shard *Shard, guildId, channelId uint64, token, sessionId, endpoint string) (VoiceClient, error)

// VoiceConn tracks the two-event credential assembly for one guild's voice
// connection. The shard owns the map; the back reference never outlives it.
type VoiceConn struct {
	shard *Shard

	GuildId   uint64
	ChannelId uint64

	WebsocketHostname string
	SessionId         string
	Token             string

	spawning bool
	client   VoiceClient
}

// IsReady reports whether both gateway events have arrived and the voice
// websocket can be opened.
func (v *VoiceConn) IsReady() bool {
	return v.WebsocketHostname != "" && v.SessionId != "" && v.Token != ""
}

func (v *VoiceConn) IsActive() bool {
	return v.client != nil
}

func (v *VoiceConn) Client() VoiceClient {
	return v.client
}

// ConnectVoice begins joining a voice channel. Idempotent: a second call for
// the same guild while a connection is pending or active is a no-op.
//
// Once the op 4 is sent, the gateway responds with VOICE_SERVER_UPDATE and
// VOICE_STATE_UPDATE, in either order.
func (s *Shard) ConnectVoice(guildId, channelId uint64) {
	s.voiceLock.Lock()
	defer s.voiceLock.Unlock()

	if _, exists := s.voiceConns[guildId]; exists {
		return
	}

	s.voiceConns[guildId] = &VoiceConn{
		shard:     s,
		GuildId:   guildId,
		ChannelId: channelId,
	}

	encoded, err := json.Marshal(NewVoiceStateUpdate(guildId, &channelId, false, false))
	if err != nil {
		return
	}

	s.queue.PushFront(string(encoded))
}

// DisconnectVoice leaves the guild's voice channel and tears down the voice
// client, if one was spawned.
func (s *Shard) DisconnectVoice(guildId uint64) {
	s.voiceLock.Lock()
	conn, exists := s.voiceConns[guildId]
	if !exists {
		s.voiceLock.Unlock()
		return
	}
	delete(s.voiceConns, guildId)
	client := conn.client
	s.voiceLock.Unlock()

	encoded, err := json.Marshal(NewVoiceStateUpdate(guildId, nil, false, false))
	if err == nil {
		s.queue.PushFront(string(encoded))
	}

	if client != nil {
		// Closing the voice session can block on its own teardown
		go func() {
			if err := client.Close(); err != nil {
				logrus.Warnf("shard %d: error closing voice client for guild %d: %s", s.ShardId, guildId, err.Error())
			}
		}()
	}
}

func (s *Shard) GetVoice(guildId uint64) *VoiceConn {
	s.voiceLock.Lock()
	defer s.voiceLock.Unlock()
	return s.voiceConns[guildId]
}

func (s *Shard) onVoiceServerUpdate(event VoiceServerUpdateEvent) {
	s.voiceLock.Lock()
	conn, exists := s.voiceConns[event.GuildId]
	if !exists {
		s.voiceLock.Unlock()
		return
	}

	conn.WebsocketHostname = event.Endpoint
	conn.Token = event.Token
	spawn := conn.IsReady() && !conn.spawning && conn.client == nil
	if spawn {
		conn.spawning = true
	}
	s.voiceLock.Unlock()

	if spawn {
		s.spawnVoiceClient(conn)
	}
}

func (s *Shard) onVoiceStateUpdate(event VoiceStateUpdateEvent) {
	// Only our own voice state carries the session id for the handshake
	if event.UserId != atomic.LoadUint64(&s.selfId) {
		return
	}

	s.voiceLock.Lock()
	conn, exists := s.voiceConns[event.GuildId]
	if !exists {
		s.voiceLock.Unlock()
		return
	}

	conn.SessionId = event.SessionId
	spawn := conn.IsReady() && !conn.spawning && conn.client == nil
	if spawn {
		conn.spawning = true
	}
	s.voiceLock.Unlock()

	if spawn {
		s.spawnVoiceClient(conn)
	}
}

// spawnVoiceClient builds the voice client on a detached goroutine: its
// constructor performs a blocking TLS handshake and must not stall the
// shard driver.
func (s *Shard) spawnVoiceClient(conn *VoiceConn) {
	factory := s.Cluster.voiceFactory
	if factory == nil {
		return
	}

	go func() {
		client, err := factory(s, conn.GuildId, conn.ChannelId, conn.Token, conn.SessionId, conn.WebsocketHostname)
		if err != nil {
			logrus.Errorf("shard %d: can't connect to voice websocket (guild_id: %d, channel_id: %d): %s",
				s.ShardId, conn.GuildId, conn.ChannelId, err.Error())

			s.voiceLock.Lock()
			conn.spawning = false
			s.voiceLock.Unlock()
			return
		}

		s.voiceLock.Lock()
		conn.client = client
		s.voiceLock.Unlock()

		client.Run()
	}()
}

// shutdownVoice tears down every pending and active voice connection. Run on
// shard teardown only; ordinary reconnects keep the handoff map.
func (s *Shard) shutdownVoice() {
	s.voiceLock.Lock()
	conns := make([]*VoiceConn, 0, len(s.voiceConns))
	for _, conn := range s.voiceConns {
		conns = append(conns, conn)
	}
	s.voiceConns = make(map[uint64]*VoiceConn)
	s.voiceLock.Unlock()

	for _, conn := range conns {
		if conn.client != nil {
			if err := conn.client.Close(); err != nil {
				logrus.Warnf("shard %d: error closing voice client for guild %d: %s", s.ShardId, conn.GuildId, err.Error())
			}
		}
	}
}
