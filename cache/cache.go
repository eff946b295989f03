package cache

// Guild is the cached view of a guild, holding just enough for routing and
// the per-shard count queries.
type Guild struct {
	Id          uint64
	ShardId     int
	Name        string
	Unavailable bool
	Members     map[uint64]Member
	Channels    map[uint64]Channel
}

type Member struct {
	UserId uint64
	Nick   string
}

type Channel struct {
	Id      uint64
	GuildId uint64
	Name    string
	Type    int
}

type VoiceState struct {
	GuildId   uint64
	ChannelId uint64
	UserId    uint64
	SessionId string
}

// Cache is the write surface the gateway's dispatch listeners maintain.
type Cache interface {
	StoreGuild(guild Guild)
	DeleteGuild(guildId uint64)
	StoreChannel(channel Channel)
	DeleteChannel(guildId, channelId uint64)
	StoreMember(guildId uint64, member Member)
	DeleteMember(guildId, userId uint64)
	StoreVoiceState(state VoiceState)
}
