package cache

import "sync"

// MemoryCache is the in-process guild container shared by every shard in the
// cluster. Count queries traverse the whole container, so the lock is held
// for the full iteration.
type MemoryCache struct {
	mu          sync.RWMutex
	guilds      map[uint64]*Guild
	voiceStates map[uint64]map[uint64]VoiceState // guild id -> user id
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		guilds:      make(map[uint64]*Guild),
		voiceStates: make(map[uint64]map[uint64]VoiceState),
	}
}

func (c *MemoryCache) StoreGuild(guild Guild) {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.guilds[guild.Id]
	if !ok {
		if guild.Members == nil {
			guild.Members = make(map[uint64]Member)
		}
		if guild.Channels == nil {
			guild.Channels = make(map[uint64]Channel)
		}
		c.guilds[guild.Id] = &guild
		return
	}

	existing.ShardId = guild.ShardId
	existing.Name = guild.Name
	existing.Unavailable = guild.Unavailable
	for id, member := range guild.Members {
		existing.Members[id] = member
	}
	for id, channel := range guild.Channels {
		existing.Channels[id] = channel
	}
}

func (c *MemoryCache) GetGuild(guildId uint64) (Guild, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	guild, ok := c.guilds[guildId]
	if !ok {
		return Guild{}, false
	}
	return *guild, true
}

func (c *MemoryCache) DeleteGuild(guildId uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.guilds, guildId)
}

func (c *MemoryCache) StoreChannel(channel Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if guild, ok := c.guilds[channel.GuildId]; ok {
		guild.Channels[channel.Id] = channel
	}
}

func (c *MemoryCache) DeleteChannel(guildId, channelId uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if guild, ok := c.guilds[guildId]; ok {
		delete(guild.Channels, channelId)
	}
}

func (c *MemoryCache) StoreMember(guildId uint64, member Member) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if guild, ok := c.guilds[guildId]; ok {
		guild.Members[member.UserId] = member
	}
}

func (c *MemoryCache) DeleteMember(guildId, userId uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if guild, ok := c.guilds[guildId]; ok {
		delete(guild.Members, userId)
	}
}

func (c *MemoryCache) StoreVoiceState(state VoiceState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	states, ok := c.voiceStates[state.GuildId]
	if !ok {
		states = make(map[uint64]VoiceState)
		c.voiceStates[state.GuildId] = states
	}
	if state.ChannelId == 0 {
		delete(states, state.UserId)
		return
	}
	states[state.UserId] = state
}

// ForEachGuild runs fn for every cached guild while holding the container
// lock. Callers must not re-enter the cache from fn.
func (c *MemoryCache) ForEachGuild(fn func(guild *Guild)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, guild := range c.guilds {
		fn(guild)
	}
}

// GarbageCollect drops state that no longer has an owning guild: voice
// states for guilds that were deleted, and guilds the gateway flagged
// unavailable during an outage. Returns the number of entries removed.
func (c *MemoryCache) GarbageCollect() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for guildId := range c.voiceStates {
		if _, ok := c.guilds[guildId]; !ok {
			removed += len(c.voiceStates[guildId])
			delete(c.voiceStates, guildId)
		}
	}
	for guildId, guild := range c.guilds {
		if guild.Unavailable {
			delete(c.guilds, guildId)
			removed++
		}
	}
	return removed
}
