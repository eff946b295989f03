package cache

import (
	"context"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/sirupsen/logrus"
)

// PgCache mirrors guild state into postgres so worker processes can query it
// without holding a gateway connection. Writes are best-effort: a failed
// mirror write is logged, never surfaced to the read loop.
type PgCache struct {
	pool *pgxpool.Pool
}

func NewPgCache(pool *pgxpool.Pool) *PgCache {
	return &PgCache{pool: pool}
}

// CreateSchema creates the mirror tables if they are missing.
func (c *PgCache) CreateSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS guilds(
			"guild_id" int8 NOT NULL UNIQUE,
			"shard_id" int4 NOT NULL,
			"name" varchar(100) NOT NULL,
			PRIMARY KEY("guild_id")
		);`,
		`CREATE TABLE IF NOT EXISTS channels(
			"channel_id" int8 NOT NULL UNIQUE,
			"guild_id" int8 NOT NULL,
			"name" varchar(100) NOT NULL,
			"type" int4 NOT NULL,
			PRIMARY KEY("channel_id")
		);`,
		`CREATE TABLE IF NOT EXISTS members(
			"guild_id" int8 NOT NULL,
			"user_id" int8 NOT NULL,
			"nick" varchar(32),
			PRIMARY KEY("guild_id", "user_id")
		);`,
		`CREATE TABLE IF NOT EXISTS voice_states(
			"guild_id" int8 NOT NULL,
			"user_id" int8 NOT NULL,
			"channel_id" int8 NOT NULL,
			"session_id" varchar(64) NOT NULL,
			PRIMARY KEY("guild_id", "user_id")
		);`,
	}

	for _, statement := range statements {
		if _, err := c.pool.Exec(ctx, statement); err != nil {
			return err
		}
	}
	return nil
}

func (c *PgCache) StoreGuild(guild Guild) {
	query := `INSERT INTO guilds("guild_id", "shard_id", "name") VALUES($1, $2, $3)
		ON CONFLICT("guild_id") DO UPDATE SET "shard_id" = $2, "name" = $3;`
	if _, err := c.pool.Exec(context.Background(), query, guild.Id, guild.ShardId, guild.Name); err != nil {
		logrus.Warnf("pgcache: error storing guild %d: %s", guild.Id, err.Error())
	}
}

func (c *PgCache) DeleteGuild(guildId uint64) {
	if _, err := c.pool.Exec(context.Background(), `DELETE FROM guilds WHERE "guild_id" = $1;`, guildId); err != nil {
		logrus.Warnf("pgcache: error deleting guild %d: %s", guildId, err.Error())
	}
}

func (c *PgCache) StoreChannel(channel Channel) {
	query := `INSERT INTO channels("channel_id", "guild_id", "name", "type") VALUES($1, $2, $3, $4)
		ON CONFLICT("channel_id") DO UPDATE SET "guild_id" = $2, "name" = $3, "type" = $4;`
	if _, err := c.pool.Exec(context.Background(), query, channel.Id, channel.GuildId, channel.Name, channel.Type); err != nil {
		logrus.Warnf("pgcache: error storing channel %d: %s", channel.Id, err.Error())
	}
}

func (c *PgCache) DeleteChannel(guildId, channelId uint64) {
	if _, err := c.pool.Exec(context.Background(), `DELETE FROM channels WHERE "channel_id" = $1;`, channelId); err != nil {
		logrus.Warnf("pgcache: error deleting channel %d: %s", channelId, err.Error())
	}
}

func (c *PgCache) StoreMember(guildId uint64, member Member) {
	query := `INSERT INTO members("guild_id", "user_id", "nick") VALUES($1, $2, $3)
		ON CONFLICT("guild_id", "user_id") DO UPDATE SET "nick" = $3;`
	if _, err := c.pool.Exec(context.Background(), query, guildId, member.UserId, member.Nick); err != nil {
		logrus.Warnf("pgcache: error storing member %d in guild %d: %s", member.UserId, guildId, err.Error())
	}
}

func (c *PgCache) DeleteMember(guildId, userId uint64) {
	if _, err := c.pool.Exec(context.Background(), `DELETE FROM members WHERE "guild_id" = $1 AND "user_id" = $2;`, guildId, userId); err != nil {
		logrus.Warnf("pgcache: error deleting member %d in guild %d: %s", userId, guildId, err.Error())
	}
}

func (c *PgCache) StoreVoiceState(state VoiceState) {
	if state.ChannelId == 0 {
		if _, err := c.pool.Exec(context.Background(), `DELETE FROM voice_states WHERE "guild_id" = $1 AND "user_id" = $2;`, state.GuildId, state.UserId); err != nil {
			logrus.Warnf("pgcache: error deleting voice state for %d: %s", state.UserId, err.Error())
		}
		return
	}

	query := `INSERT INTO voice_states("guild_id", "user_id", "channel_id", "session_id") VALUES($1, $2, $3, $4)
		ON CONFLICT("guild_id", "user_id") DO UPDATE SET "channel_id" = $3, "session_id" = $4;`
	if _, err := c.pool.Exec(context.Background(), query, state.GuildId, state.UserId, state.ChannelId, state.SessionId); err != nil {
		logrus.Warnf("pgcache: error storing voice state for %d: %s", state.UserId, err.Error())
	}
}
