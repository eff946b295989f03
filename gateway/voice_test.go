package gateway

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVoiceClient struct {
	mu      sync.Mutex
	running bool
	closed  bool
}

func (c *fakeVoiceClient) Run() {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
}

func (c *fakeVoiceClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

type spawnedVoice struct {
	guildId   uint64
	channelId uint64
	token     string
	sessionId string
	endpoint  string
	client    *fakeVoiceClient
}

func installVoiceFactory(shard *Shard) chan spawnedVoice {
	spawned := make(chan spawnedVoice, 4)
	shard.Cluster.SetVoiceClientFactory(func(s *Shard, guildId, channelId uint64, token, sessionId, endpoint string) (VoiceClient, error) {
		client := &fakeVoiceClient{}
		spawned <- spawnedVoice{
			guildId:   guildId,
			channelId: channelId,
			token:     token,
			sessionId: sessionId,
			endpoint:  endpoint,
			client:    client,
		}
		return client, nil
	})
	return spawned
}

const (
	testGuildId   = uint64(123)
	testChannelId = uint64(456)
	testUserId    = uint64(999)
)

func voiceServerFrame() []byte {
	return []byte(`{"op":0,"s":10,"t":"VOICE_SERVER_UPDATE","d":{"token":"vtok","guild_id":"123","endpoint":"eu-west1.discord.media:443"}}`)
}

func voiceStateFrame() []byte {
	return []byte(`{"op":0,"s":11,"t":"VOICE_STATE_UPDATE","d":{"guild_id":"123","channel_id":"456","user_id":"999","session_id":"vsess"}}`)
}

func TestConnectVoiceQueuesJoinAtFront(t *testing.T) {
	shard, _ := newTestShard(t, ShardOptions{})

	shard.QueueMessage(`{"op":3}`, false)
	shard.ConnectVoice(testGuildId, testChannelId)

	message, ok := shard.queue.PopFront()
	require.True(t, ok)

	var update VoiceStateUpdate
	require.NoError(t, json.Unmarshal([]byte(message), &update))
	assert.Equal(t, OpVoiceStateUpdate, update.Opcode)
	assert.Equal(t, testGuildId, update.Data.GuildId)
	require.NotNil(t, update.Data.ChannelId)
	assert.Equal(t, testChannelId, *update.Data.ChannelId)
	assert.False(t, update.Data.SelfMute)
	assert.False(t, update.Data.SelfDeaf)

	conn := shard.GetVoice(testGuildId)
	require.NotNil(t, conn)
	assert.Equal(t, testChannelId, conn.ChannelId)
	assert.False(t, conn.IsReady())
}

func TestConnectVoiceIsIdempotent(t *testing.T) {
	shard, _ := newTestShard(t, ShardOptions{})

	shard.ConnectVoice(testGuildId, testChannelId)
	size := shard.QueueSize()

	shard.ConnectVoice(testGuildId, testChannelId)
	assert.Equal(t, size, shard.QueueSize())
}

func TestVoiceHandshakeServerThenState(t *testing.T) {
	shard, _ := newTestShard(t, ShardOptions{})
	spawned := installVoiceFactory(shard)
	shard.selfId = testUserId

	shard.ConnectVoice(testGuildId, testChannelId)

	require.NoError(t, shard.handleFrame(voiceServerFrame()))
	select {
	case <-spawned:
		t.Fatal("voice client spawned with only half the credentials")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, shard.handleFrame(voiceStateFrame()))

	select {
	case voice := <-spawned:
		assert.Equal(t, testGuildId, voice.guildId)
		assert.Equal(t, testChannelId, voice.channelId)
		assert.Equal(t, "vtok", voice.token)
		assert.Equal(t, "vsess", voice.sessionId)
		assert.Equal(t, "eu-west1.discord.media:443", voice.endpoint)
	case <-time.After(time.Second):
		t.Fatal("voice client was not spawned")
	}

	require.Eventually(t, func() bool {
		conn := shard.GetVoice(testGuildId)
		return conn != nil && conn.IsActive()
	}, time.Second, 10*time.Millisecond)
}

func TestVoiceHandshakeStateThenServer(t *testing.T) {
	shard, _ := newTestShard(t, ShardOptions{})
	spawned := installVoiceFactory(shard)
	shard.selfId = testUserId

	shard.ConnectVoice(testGuildId, testChannelId)

	require.NoError(t, shard.handleFrame(voiceStateFrame()))
	require.NoError(t, shard.handleFrame(voiceServerFrame()))

	select {
	case voice := <-spawned:
		assert.Equal(t, "vtok", voice.token)
		assert.Equal(t, "vsess", voice.sessionId)
	case <-time.After(time.Second):
		t.Fatal("voice client was not spawned")
	}
}

func TestVoiceStateForOtherUserIgnored(t *testing.T) {
	shard, _ := newTestShard(t, ShardOptions{})
	spawned := installVoiceFactory(shard)
	shard.selfId = testUserId

	shard.ConnectVoice(testGuildId, testChannelId)

	require.NoError(t, shard.handleFrame(voiceServerFrame()))

	other := `{"op":0,"s":12,"t":"VOICE_STATE_UPDATE","d":{"guild_id":"123","channel_id":"456","user_id":"1000","session_id":"not-ours"}}`
	require.NoError(t, shard.handleFrame([]byte(other)))

	select {
	case <-spawned:
		t.Fatal("voice client spawned from another user's session")
	case <-time.After(50 * time.Millisecond):
	}

	conn := shard.GetVoice(testGuildId)
	require.NotNil(t, conn)
	assert.Empty(t, conn.SessionId)
}

func TestDisconnectVoice(t *testing.T) {
	shard, _ := newTestShard(t, ShardOptions{})
	spawned := installVoiceFactory(shard)
	shard.selfId = testUserId

	shard.ConnectVoice(testGuildId, testChannelId)
	require.NoError(t, shard.handleFrame(voiceServerFrame()))
	require.NoError(t, shard.handleFrame(voiceStateFrame()))

	var client *fakeVoiceClient
	select {
	case voice := <-spawned:
		client = voice.client
	case <-time.After(time.Second):
		t.Fatal("voice client was not spawned")
	}

	require.Eventually(t, func() bool {
		conn := shard.GetVoice(testGuildId)
		return conn != nil && conn.IsActive()
	}, time.Second, 10*time.Millisecond)

	shard.ClearQueue()
	shard.DisconnectVoice(testGuildId)

	assert.Nil(t, shard.GetVoice(testGuildId))

	message, ok := shard.queue.PopFront()
	require.True(t, ok)
	assert.Contains(t, message, `"channel_id":null`)

	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.closed
	}, time.Second, 10*time.Millisecond)
}

func TestDisconnectVoiceWithoutConnectionIsNoop(t *testing.T) {
	shard, _ := newTestShard(t, ShardOptions{})

	shard.DisconnectVoice(testGuildId)
	assert.Equal(t, 0, shard.QueueSize())
}
