package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilbot/sharder/cache"
)

func TestCountsOnlyCoverOwnShard(t *testing.T) {
	shard, _ := newTestShard(t, ShardOptions{ShardCount: ShardCount{Total: 2, Lowest: 0, Highest: 1}})

	guilds := shard.Cluster.GuildCache()
	guilds.StoreGuild(cache.Guild{
		Id:      1,
		ShardId: 0,
		Members: map[uint64]cache.Member{10: {UserId: 10}, 11: {UserId: 11}},
		Channels: map[uint64]cache.Channel{
			100: {Id: 100, GuildId: 1},
			101: {Id: 101, GuildId: 1},
			102: {Id: 102, GuildId: 1},
		},
	})
	guilds.StoreGuild(cache.Guild{
		Id:       2,
		ShardId:  1,
		Members:  map[uint64]cache.Member{20: {UserId: 20}},
		Channels: map[uint64]cache.Channel{200: {Id: 200, GuildId: 2}},
	})

	assert.Equal(t, uint64(1), shard.GuildCount())
	assert.Equal(t, uint64(2), shard.MemberCount())
	assert.Equal(t, uint64(3), shard.ChannelCount())
}

func TestGuildCreateDispatchPopulatesCache(t *testing.T) {
	shard, _ := newTestShard(t, ShardOptions{})

	frame := `{"op":0,"s":2,"t":"GUILD_CREATE","d":{"id":"1","name":"alpha","members":[{"user":{"id":"10","username":"u"}}],"channels":[{"id":"100","name":"general","type":0}]}}`
	require.NoError(t, shard.handleFrame([]byte(frame)))

	assert.Equal(t, uint64(1), shard.GuildCount())
	assert.Equal(t, uint64(1), shard.MemberCount())
	assert.Equal(t, uint64(1), shard.ChannelCount())

	require.NoError(t, shard.handleFrame([]byte(`{"op":0,"s":3,"t":"GUILD_DELETE","d":{"id":"1"}}`)))
	assert.Equal(t, uint64(0), shard.GuildCount())
}
