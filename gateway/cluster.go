package gateway

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/vigilbot/sharder/cache"
	"github.com/vigilbot/sharder/dispatch"
	"github.com/vigilbot/sharder/ratelimit"
)

// maintenanceInterval is the cadence of the cache garbage-collection pass.
// Deliberately independent of heartbeat timing.
const maintenanceInterval = 60 * time.Second

// Cluster owns the shards of one token plus everything they share: the
// identify throttle, the guild cache, the event dispatcher and the global
// one-second ticker.
type Cluster struct {
	Token   string
	Options ShardOptions

	limiter    *ratelimit.IdentifyLimiter
	dispatcher dispatch.Dispatcher
	guilds     *cache.MemoryCache
	persistent cache.Cache

	voiceFactory VoiceClientFactory

	// OnFatalError is invoked when a shard hits an unrecoverable close code
	// (bad token, bad intents) and stops its driver.
	OnFatalError func(shardId int, err error)

	shards     map[int]*Shard
	shardsLock sync.RWMutex

	stopTicker chan struct{}
	stopOnce   sync.Once
}

func NewCluster(token string, options ShardOptions, limiter *ratelimit.IdentifyLimiter, dispatcher dispatch.Dispatcher) *Cluster {
	cluster := &Cluster{
		Token:      token,
		Options:    options,
		limiter:    limiter,
		dispatcher: dispatcher,
		guilds:     cache.NewMemoryCache(),
		shards:     make(map[int]*Shard),
		stopTicker: make(chan struct{}),
	}

	for i := options.ShardCount.Lowest; i < options.ShardCount.Highest; i++ {
		shard := NewShard(cluster, token, i, options)
		cluster.shards[i] = &shard
	}

	return cluster
}

// SetPersistentCache attaches a write-through mirror (e.g. cache.PgCache)
// behind the in-memory guild container.
func (c *Cluster) SetPersistentCache(persistent cache.Cache) {
	c.persistent = persistent
}

// SetVoiceClientFactory installs the constructor for external voice clients.
func (c *Cluster) SetVoiceClientFactory(factory VoiceClientFactory) {
	c.voiceFactory = factory
}

// Connect starts every shard's driver and the shared tickers.
func (c *Cluster) Connect() {
	c.shardsLock.RLock()
	for _, shard := range c.shards {
		shard.Run()
	}
	c.shardsLock.RUnlock()

	go c.runTickers()
}

func (c *Cluster) runTickers() {
	ticker := time.NewTicker(time.Second)
	maintenance := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	defer maintenance.Stop()

	for {
		select {
		case <-ticker.C:
			c.shardsLock.RLock()
			for _, shard := range c.shards {
				shard.tick()
			}
			c.shardsLock.RUnlock()
		case <-maintenance.C:
			if removed := c.guilds.GarbageCollect(); removed > 0 {
				logrus.Debugf("cache maintenance removed %d entries", removed)
			}
		case <-c.stopTicker:
			return
		}
	}
}

// Stop shuts down the tickers and every shard.
func (c *Cluster) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopTicker)
	})

	c.shardsLock.RLock()
	defer c.shardsLock.RUnlock()
	for _, shard := range c.shards {
		shard.Stop()
	}
}

func (c *Cluster) Shard(shardId int) *Shard {
	c.shardsLock.RLock()
	defer c.shardsLock.RUnlock()
	return c.shards[shardId]
}

// ShardForGuild returns the shard owning a guild: the guild id shifted right
// by 22 bits (its snowflake timestamp), mod the shard count.
func (c *Cluster) ShardForGuild(guildId uint64) *Shard {
	if c.Options.ShardCount.Total == 0 {
		return nil
	}
	return c.Shard(int((guildId >> 22) % uint64(c.Options.ShardCount.Total)))
}

// GuildCache exposes the shared in-memory guild container.
func (c *Cluster) GuildCache() *cache.MemoryCache {
	return c.guilds
}

func (c *Cluster) onFatalError(shardId int, err error) {
	c.shardsLock.RLock()
	shard := c.shards[shardId]
	c.shardsLock.RUnlock()
	if shard != nil {
		shard.Stop()
	}

	if c.OnFatalError != nil {
		c.OnFatalError(shardId, err)
	}
}

// NewClusterFromEnv wires a cluster the way the deployment expects: token and
// shard range from the environment, redis for the identify throttle and
// event forwarding, optionally postgres for the cache mirror.
func NewClusterFromEnv() (*Cluster, error) {
	token := os.Getenv("SHARDER_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("SHARDER_TOKEN is not set")
	}

	options, err := optionsFromEnv()
	if err != nil {
		return nil, err
	}

	redisClient, err := buildRedisClient()
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.NewIdentifyLimiter(ratelimit.NewRedisStore(redisClient, "sharder:identify"))
	dispatcher := dispatch.NewRedisDispatcher(redisClient, "sharder:events")

	cluster := NewCluster(token, options, limiter, dispatcher)

	if connString := cacheConnString(); connString != "" {
		pool, err := pgxpool.Connect(context.Background(), connString)
		if err != nil {
			return nil, err
		}

		pgCache := cache.NewPgCache(pool)
		if err := pgCache.CreateSchema(context.Background()); err != nil {
			return nil, err
		}

		cluster.SetPersistentCache(pgCache)
	}

	return cluster, nil
}

func optionsFromEnv() (options ShardOptions, err error) {
	options.ShardCount.Total, err = strconv.Atoi(os.Getenv("SHARDER_COUNT_TOTAL"))
	if err != nil {
		return
	}

	options.ShardCount.Lowest, err = strconv.Atoi(os.Getenv("SHARDER_COUNT_LOWEST"))
	if err != nil {
		return
	}

	options.ShardCount.Highest, err = strconv.Atoi(os.Getenv("SHARDER_COUNT_HIGHEST"))
	if err != nil {
		return
	}

	if raw := os.Getenv("SHARDER_INTENTS"); raw != "" {
		var intents uint64
		intents, err = strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return
		}
		options.Intents = uint32(intents)
	}

	options.Compressed = os.Getenv("SHARDER_COMPRESSED") != "false"

	return
}

func buildRedisClient() (*redis.Client, error) {
	threads, err := strconv.Atoi(os.Getenv("SHARDER_REDIS_THREADS"))
	if err != nil {
		return nil, err
	}

	options := &redis.Options{
		Network:      "tcp",
		Addr:         os.Getenv("SHARDER_REDIS_ADDR"),
		Password:     os.Getenv("SHARDER_REDIS_PASSWD"),
		PoolSize:     threads,
		MinIdleConns: threads,
	}

	client := redis.NewClient(options)

	// test conn
	return client, client.Ping().Err()
}

func cacheConnString() string {
	if os.Getenv("CACHE_HOST") == "" {
		return ""
	}

	threads, err := strconv.Atoi(os.Getenv("CACHE_THREADS"))
	if err != nil {
		threads = 1
	}

	return fmt.Sprintf(
		"postgres://%s:%s@%s/%s?pool_max_conns=%d",
		os.Getenv("CACHE_USER"),
		os.Getenv("CACHE_PASSWORD"),
		os.Getenv("CACHE_HOST"),
		os.Getenv("CACHE_NAME"),
		threads,
	)
}
