package gateway

import (
	"encoding/json"
	"runtime"
)

// Gateway opcodes (v8).
const (
	OpDispatch            = 0
	OpHeartbeat           = 1
	OpIdentify            = 2
	OpPresenceUpdate      = 3
	OpVoiceStateUpdate    = 4
	OpResume              = 6
	OpReconnect           = 7
	OpRequestGuildMembers = 8
	OpInvalidSession      = 9
	OpHello               = 10
	OpHeartbeatAck        = 11
)

// Payload is the envelope every gateway message travels in.
type Payload struct {
	Opcode         int             `json:"op"`
	SequenceNumber *uint64         `json:"s,omitempty"`
	EventName      string          `json:"t,omitempty"`
	Data           json.RawMessage `json:"d,omitempty"`
}

func NewPayload(data []byte) (payload Payload, err error) {
	err = json.Unmarshal(data, &payload)
	return
}

type Hello struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
}

type Heartbeat struct {
	Opcode int    `json:"op"`
	Data   uint64 `json:"d"`
}

type Identify struct {
	Opcode int          `json:"op"`
	Data   IdentifyData `json:"d"`
}

type IdentifyData struct {
	Token      string             `json:"token"`
	Properties IdentifyProperties `json:"properties"`
	Shard      [2]int             `json:"shard"`
	// Compress here is per-payload compression, not the transport-level
	// zlib-stream negotiated on the URL.
	Compress       bool   `json:"compress"`
	LargeThreshold int    `json:"large_threshold"`
	Intents        uint32 `json:"intents,omitempty"`
}

type IdentifyProperties struct {
	Os      string `json:"$os"`
	Browser string `json:"$browser"`
	Device  string `json:"$device"`
}

func NewIdentify(shardId, shardTotal int, token string, intents uint32, largeThreshold int) Identify {
	return Identify{
		Opcode: OpIdentify,
		Data: IdentifyData{
			Token: token,
			Properties: IdentifyProperties{
				Os:      runtime.GOOS,
				Browser: "sharder",
				Device:  "sharder",
			},
			Shard:          [2]int{shardId, shardTotal},
			Compress:       false,
			LargeThreshold: largeThreshold,
			Intents:        intents,
		},
	}
}

type Resume struct {
	Opcode int        `json:"op"`
	Data   ResumeData `json:"d"`
}

type ResumeData struct {
	Token     string `json:"token"`
	SessionId string `json:"session_id"`
	Seq       uint64 `json:"seq"`
}

func NewResume(token, sessionId string, seq uint64) Resume {
	return Resume{
		Opcode: OpResume,
		Data: ResumeData{
			Token:     token,
			SessionId: sessionId,
			Seq:       seq,
		},
	}
}

type VoiceStateUpdate struct {
	Opcode int                  `json:"op"`
	Data   VoiceStateUpdateData `json:"d"`
}

type VoiceStateUpdateData struct {
	GuildId   uint64  `json:"guild_id,string"`
	ChannelId *uint64 `json:"channel_id,string"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

func NewVoiceStateUpdate(guildId uint64, channelId *uint64, selfMute, selfDeaf bool) VoiceStateUpdate {
	return VoiceStateUpdate{
		Opcode: OpVoiceStateUpdate,
		Data: VoiceStateUpdateData{
			GuildId:   guildId,
			ChannelId: channelId,
			SelfMute:  selfMute,
			SelfDeaf:  selfDeaf,
		},
	}
}

type PresenceUpdate struct {
	Opcode int          `json:"op"`
	Data   UpdateStatus `json:"d"`
}

type UpdateStatus struct {
	Since      *int       `json:"since"`
	Activities []Activity `json:"activities"`
	Status     string     `json:"status"`
	Afk        bool       `json:"afk"`
}

type Activity struct {
	Name string `json:"name"`
	Type int    `json:"type"`
}

func NewPresenceUpdate(status UpdateStatus) PresenceUpdate {
	return PresenceUpdate{
		Opcode: OpPresenceUpdate,
		Data:   status,
	}
}

type RequestGuildMembers struct {
	Opcode int                     `json:"op"`
	Data   RequestGuildMembersData `json:"d"`
}

type RequestGuildMembersData struct {
	GuildId uint64 `json:"guild_id,string"`
	Query   string `json:"query"`
	Limit   int    `json:"limit"`
}

func NewRequestGuildMembers(guildId uint64, query string, limit int) RequestGuildMembers {
	return RequestGuildMembers{
		Opcode: OpRequestGuildMembers,
		Data: RequestGuildMembersData{
			GuildId: guildId,
			Query:   query,
			Limit:   limit,
		},
	}
}
