package gateway

import (
	"encoding/json"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/vigilbot/sharder/cache"
)

// executeListeners applies a dispatch event to the shard's own state and the
// entity caches before the event is forwarded. Unknown events fall through
// untouched.
func (s *Shard) executeListeners(payload Payload) {
	switch payload.EventName {
	case EventReady:
		s.readyListener(payload.Data)
	case EventResumed:
		logrus.Infof("shard %d: received resumed", s.ShardId)
		s.setReady()
	case EventGuildCreate, EventGuildUpdate:
		s.guildListener(payload.Data)
	case EventGuildDelete:
		s.guildDeleteListener(payload.Data)
	case EventChannelCreate, EventChannelUpdate:
		s.channelListener(payload.Data)
	case EventChannelDelete:
		s.channelDeleteListener(payload.Data)
	case EventGuildMemberAdd, EventGuildMemberUpdate:
		s.memberListener(payload.Data)
	case EventGuildMemberRemove:
		s.memberRemoveListener(payload.Data)
	case EventGuildMembersChunk:
		s.membersChunkListener(payload.Data)
	case EventVoiceStateUpdate:
		s.voiceStateListener(payload.Data)
	case EventVoiceServerUpdate:
		s.voiceServerListener(payload.Data)
	}
}

func (s *Shard) readyListener(data json.RawMessage) {
	var event ReadyEvent
	if err := json.Unmarshal(data, &event); err != nil {
		logrus.Warnf("shard %d: error decoding ready: %s", s.ShardId, err.Error())
		return
	}

	logrus.Infof("shard %d: received ready, session %s", s.ShardId, event.SessionId)

	s.setSession(event.SessionId)
	atomic.StoreUint64(&s.selfId, event.User.Id)
	s.setReady()
}

func (s *Shard) guildListener(data json.RawMessage) {
	var event GuildEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return
	}

	guild := cache.Guild{
		Id:          event.Id,
		ShardId:     s.ShardId,
		Name:        event.Name,
		Unavailable: event.Unavailable,
		Members:     make(map[uint64]cache.Member),
		Channels:    make(map[uint64]cache.Channel),
	}
	for _, member := range event.Members {
		guild.Members[member.User.Id] = cache.Member{UserId: member.User.Id, Nick: member.Nick}
	}
	for _, channel := range event.Channels {
		guild.Channels[channel.Id] = cache.Channel{Id: channel.Id, GuildId: event.Id, Name: channel.Name, Type: channel.Type}
	}

	s.Cluster.guilds.StoreGuild(guild)
	if persistent := s.Cluster.persistent; persistent != nil {
		persistent.StoreGuild(guild)
	}
}

func (s *Shard) guildDeleteListener(data json.RawMessage) {
	var event GuildEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return
	}

	s.Cluster.guilds.DeleteGuild(event.Id)
	if persistent := s.Cluster.persistent; persistent != nil {
		persistent.DeleteGuild(event.Id)
	}
}

func (s *Shard) channelListener(data json.RawMessage) {
	var event ChannelEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return
	}

	channel := cache.Channel{Id: event.Id, GuildId: event.GuildId, Name: event.Name, Type: event.Type}
	s.Cluster.guilds.StoreChannel(channel)
	if persistent := s.Cluster.persistent; persistent != nil {
		persistent.StoreChannel(channel)
	}
}

func (s *Shard) channelDeleteListener(data json.RawMessage) {
	var event ChannelEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return
	}

	s.Cluster.guilds.DeleteChannel(event.GuildId, event.Id)
	if persistent := s.Cluster.persistent; persistent != nil {
		persistent.DeleteChannel(event.GuildId, event.Id)
	}
}

func (s *Shard) memberListener(data json.RawMessage) {
	var event MemberEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return
	}

	member := cache.Member{UserId: event.User.Id, Nick: event.Nick}
	s.Cluster.guilds.StoreMember(event.GuildId, member)
	if persistent := s.Cluster.persistent; persistent != nil {
		persistent.StoreMember(event.GuildId, member)
	}
}

func (s *Shard) memberRemoveListener(data json.RawMessage) {
	var event MemberEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return
	}

	s.Cluster.guilds.DeleteMember(event.GuildId, event.User.Id)
	if persistent := s.Cluster.persistent; persistent != nil {
		persistent.DeleteMember(event.GuildId, event.User.Id)
	}
}

func (s *Shard) membersChunkListener(data json.RawMessage) {
	var event GuildMembersChunkEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return
	}

	for _, member := range event.Members {
		cached := cache.Member{UserId: member.User.Id, Nick: member.Nick}
		s.Cluster.guilds.StoreMember(event.GuildId, cached)
		if persistent := s.Cluster.persistent; persistent != nil {
			persistent.StoreMember(event.GuildId, cached)
		}
	}
}

func (s *Shard) voiceStateListener(data json.RawMessage) {
	var event VoiceStateUpdateEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return
	}

	state := cache.VoiceState{
		GuildId:   event.GuildId,
		UserId:    event.UserId,
		SessionId: event.SessionId,
	}
	if event.ChannelId != nil {
		state.ChannelId = *event.ChannelId
	}

	s.Cluster.guilds.StoreVoiceState(state)
	if persistent := s.Cluster.persistent; persistent != nil {
		persistent.StoreVoiceState(state)
	}

	s.onVoiceStateUpdate(event)
}

func (s *Shard) voiceServerListener(data json.RawMessage) {
	var event VoiceServerUpdateEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return
	}

	s.onVoiceServerUpdate(event)
}
