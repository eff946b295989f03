package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vigilbot/sharder/cache"
	"nhooyr.io/websocket"
)

type Shard struct {
	Cluster *Cluster
	Options ShardOptions
	Token   string
	ShardId int

	state     State
	ready     bool
	stateLock sync.RWMutex

	transport     transport
	transportLock sync.Mutex
	context       context.Context

	inflator *inflateContext
	readLock sync.Mutex

	queue messageQueue

	sequenceNumber uint64
	sequenceLock   sync.RWMutex

	sessionId   string
	sessionLock sync.RWMutex

	heartbeatInterval int   // Millis
	lastHeartbeat     int64 // Millis
	lastHeartbeatAck  int64 // Millis
	heartbeatLock     sync.RWMutex

	connectTime int64 // Millis

	voiceConns map[uint64]*VoiceConn
	voiceLock  sync.Mutex

	selfId uint64

	reconnects        uint64
	resumes           uint64
	decompressedTotal uint64

	stopped  chan struct{}
	stopOnce sync.Once
}

func NewShard(cluster *Cluster, token string, shardId int, options ShardOptions) Shard {
	return Shard{
		Cluster:          cluster,
		Options:          options,
		Token:            token,
		ShardId:          shardId,
		state:            DEAD,
		context:          context.Background(),
		lastHeartbeat:    currentTimeMillis(),
		lastHeartbeatAck: currentTimeMillis(),
		voiceConns:       make(map[uint64]*VoiceConn),
		stopped:          make(chan struct{}),
	}
}

// Run starts the driver goroutine: an endless connect / read / teardown
// loop. The shard only leaves the loop on Stop or an unrecoverable close
// code.
func (s *Shard) Run() {
	go s.run()
}

func (s *Shard) run() {
	for {
		select {
		case <-s.stopped:
			return
		default:
		}

		if err := s.connect(); err != nil {
			logrus.Warnf("shard %d: error whilst connecting: %s", s.ShardId, err.Error())

			if isShardFatal(err) {
				s.shutdown(err)
				return
			}

			time.Sleep(500 * time.Millisecond)
			continue
		}

		err := s.readLoop()
		s.teardown()

		if err == nil {
			continue
		}

		select {
		case <-s.stopped:
			return
		default:
		}

		if code := int(websocket.CloseStatus(err)); code > 0 {
			if text, ok := ErrorText[code]; ok {
				logrus.Warnf("shard %d: gateway closed connection: %d %s", s.ShardId, code, text)
			} else {
				logrus.Warnf("shard %d: gateway closed connection with code %d", s.ShardId, code)
			}

			if sessionFatalCodes[code] {
				s.clearSession()
			}

			if gatewayError, found := Errors[code]; found && isShardFatal(gatewayError) {
				s.shutdown(gatewayError)
				return
			}
		} else {
			logrus.Warnf("shard %d: error whilst reading payload: %s", s.ShardId, err.Error())
		}
	}
}

func (s *Shard) connect() error {
	logrus.Infof("shard %d: Starting", s.ShardId)

	s.setState(CONNECTING)

	if s.Options.Compressed {
		inflator, err := newInflateContext()
		if err != nil {
			s.setState(DEAD)
			return err
		}
		s.inflator = inflator
	}

	conn, err := dialGateway(s.context, gatewayUrl(s.Options.GatewayUrl, s.Options.Compressed))
	if err != nil {
		s.setState(DEAD)
		return err
	}

	s.transportLock.Lock()
	s.transport = conn
	s.transportLock.Unlock()

	s.setState(AWAITING_HELLO)
	logrus.Infof("shard %d: Connected, awaiting hello", s.ShardId)

	return nil
}

// readLoop blocks on the transport until it dies. All protocol handling
// happens on this goroutine.
func (s *Shard) readLoop() error {
	defer func() {
		if r := recover(); r != nil {
			logrus.Warnf("shard %d: recovered panic while reading: %v", s.ShardId, r)
			s.closeTransport()
		}
	}()

	for {
		data, err := s.readData()
		if err != nil {
			return err
		}

		if err := s.handleFrame(data); err != nil {
			return err
		}
	}
}

func (s *Shard) readData() ([]byte, error) {
	s.readLock.Lock()
	defer s.readLock.Unlock()

	s.transportLock.Lock()
	conn := s.transport
	s.transportLock.Unlock()

	if conn == nil {
		return nil, errors.New("websocket is nil")
	}

	return conn.Read(s.context)
}

// handleFrame decodes one transport frame and runs the opcode state machine
// over the logical payload it completes, if any.
func (s *Shard) handleFrame(frame []byte) error {
	data := frame

	if s.Options.Compressed {
		payload, err := s.inflator.HandleCompressed(frame)
		if err != nil {
			code := ErrorCode(err)
			logrus.Errorf("shard %d: error from zlib stream: %d %s", s.ShardId, code, ErrorText[code])
			s.closeTransport()
			return err
		}
		if payload == nil {
			// Logical payload still incomplete
			return nil
		}

		data = payload
		atomic.AddUint64(&s.decompressedTotal, uint64(len(payload)))
		decompressedBytes.WithLabelValues(shardLabel(s.ShardId)).Add(float64(len(payload)))
	}

	logrus.Tracef("shard %d: R: %s", s.ShardId, data)

	payload, err := NewPayload(data)
	if err != nil {
		// Malformed frame: drop it, keep the connection
		logrus.Errorf("shard %d: error whilst decoding payload: %s [%s]", s.ShardId, err.Error(), data)
		return nil
	}

	// Sequence updates before dispatch, so a RESUME always carries the
	// latest seq we have seen.
	if payload.SequenceNumber != nil {
		s.sequenceLock.Lock()
		s.sequenceNumber = *payload.SequenceNumber
		s.sequenceLock.Unlock()
	}

	switch payload.Opcode {
	case OpDispatch:
		s.handleDispatch(payload, data)
	case OpReconnect:
		logrus.Infof("shard %d: received reconnect payload from discord", s.ShardId)
		s.queue.Clear()
		s.closeTransport()
	case OpInvalidSession:
		logrus.Infof("shard %d: failed to resume session %s, will reidentify", s.ShardId, s.SessionId())
		s.clearSession()
		return s.handleHello(payload)
	case OpHello:
		return s.handleHello(payload)
	case OpHeartbeatAck:
		s.heartbeatLock.Lock()
		s.lastHeartbeatAck = currentTimeMillis()
		s.heartbeatLock.Unlock()
	}

	return nil
}

// handleHello is shared by op 10 and the op 9 fallthrough: record the
// heartbeat interval if the payload carries one, then start a session by
// whichever path the stored state allows.
func (s *Shard) handleHello(payload Payload) error {
	var hello Hello
	if len(payload.Data) > 0 {
		if err := json.Unmarshal(payload.Data, &hello); err == nil && hello.HeartbeatInterval > 0 {
			s.heartbeatLock.Lock()
			s.heartbeatInterval = hello.HeartbeatInterval
			s.heartbeatLock.Unlock()
		}
	}

	var err error
	if s.Sequence() > 0 && s.SessionId() != "" {
		err = s.resume()
	} else {
		err = s.identify()
	}

	s.heartbeatLock.Lock()
	s.lastHeartbeatAck = currentTimeMillis()
	s.heartbeatLock.Unlock()

	return err
}

func (s *Shard) identify() error {
	s.setState(IDENTIFYING)

	identify := NewIdentify(s.ShardId, s.Options.ShardCount.Total, s.Token, s.Options.Intents, s.Options.largeThreshold())

	// One identify per five seconds across sibling shards
	if err := s.Cluster.limiter.Wait(s.ShardId); err != nil {
		logrus.Warnf("shard %d: error whilst waiting on identify ratelimit: %s", s.ShardId, err.Error())
	}

	logrus.Infof("shard %d: Identifying", s.ShardId)

	if err := s.write(identify); err != nil {
		logrus.Warnf("shard %d: error whilst sending Identify: %s", s.ShardId, err.Error())
		return err
	}

	s.stateLock.Lock()
	s.connectTime = currentTimeMillis()
	s.stateLock.Unlock()

	atomic.AddUint64(&s.reconnects, 1)
	reconnectsTotal.WithLabelValues(shardLabel(s.ShardId)).Inc()

	s.setState(CONNECTED)

	if s.Options.Presence != nil {
		s.UpdateStatus(*s.Options.Presence)
	}

	return nil
}

func (s *Shard) resume() error {
	s.setState(RESUMING)

	sessionId := s.SessionId()
	seq := s.Sequence()
	resume := NewResume(s.Token, sessionId, seq)

	logrus.Infof("shard %d: Resuming session %s with seq=%d", s.ShardId, sessionId, seq)

	if err := s.write(resume); err != nil {
		logrus.Warnf("shard %d: error whilst sending Resume: %s", s.ShardId, err.Error())
		return err
	}

	atomic.AddUint64(&s.resumes, 1)
	resumesTotal.WithLabelValues(shardLabel(s.ShardId)).Inc()

	s.setState(CONNECTED)

	return nil
}

func (s *Shard) handleDispatch(payload Payload, raw []byte) {
	s.executeListeners(payload)

	if dispatcher := s.Cluster.dispatcher; dispatcher != nil {
		eventName := payload.EventName
		data := payload.Data
		forwarded := make([]byte, len(raw))
		copy(forwarded, raw)

		go dispatcher.Dispatch(s.ShardId, eventName, data, forwarded)
	}
}

func (s *Shard) write(payload interface{}) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return s.writeRaw(encoded)
}

func (s *Shard) writeRaw(data []byte) error {
	s.transportLock.Lock()
	conn := s.transport
	s.transportLock.Unlock()

	if conn == nil {
		msg := fmt.Sprintf("shard %d: WS is closed", s.ShardId)
		logrus.Warn(msg)
		return errors.New(msg)
	}

	logrus.Tracef("shard %d: W: %s", s.ShardId, data)

	return conn.Write(s.context, data)
}

// closeTransport tears the socket down so the blocked read loop falls into
// the reconnect path. Safe to call from any goroutine.
func (s *Shard) closeTransport() {
	s.transportLock.Lock()
	conn := s.transport
	s.transport = nil
	s.transportLock.Unlock()

	if conn != nil {
		if err := conn.Close(websocket.StatusCode(4000), "unknown"); err != nil {
			logrus.Debugf("shard %d: error closing websocket: %s", s.ShardId, err.Error())
		}
	}
}

// teardown runs between read loop exit and the next connect attempt.
func (s *Shard) teardown() {
	s.stateLock.Lock()
	s.ready = false
	s.state = DISCONNECTING
	s.stateLock.Unlock()

	s.queue.Clear()

	if s.inflator != nil {
		if err := s.inflator.Close(); err != nil {
			logrus.Warnf("shard %d: error closing zlib: %s", s.ShardId, err.Error())
		}
		s.inflator = nil
	}

	s.closeTransport()

	s.setState(DEAD)
}

func (s *Shard) shutdown(err error) {
	logrus.Errorf("shard %d: unrecoverable gateway error, stopping: %s", s.ShardId, err.Error())
	s.shutdownVoice()
	s.Cluster.onFatalError(s.ShardId, err)
}

// Stop closes the transport and ends the driver loop.
func (s *Shard) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
	})
	s.shutdownVoice()
	s.closeTransport()
}

func (s *Shard) setState(state State) {
	s.stateLock.Lock()
	s.state = state
	s.stateLock.Unlock()
}

func (s *Shard) setReady() {
	s.stateLock.Lock()
	s.ready = true
	s.stateLock.Unlock()
}

// IsConnected reports whether the websocket handshake completed and READY or
// RESUMED has been observed.
func (s *Shard) IsConnected() bool {
	s.stateLock.RLock()
	defer s.stateLock.RUnlock()
	return s.state == CONNECTED && s.ready
}

func (s *Shard) State() State {
	s.stateLock.RLock()
	defer s.stateLock.RUnlock()
	return s.state
}

// Uptime is the time since the last successful IDENTIFY.
func (s *Shard) Uptime() time.Duration {
	s.stateLock.RLock()
	connectTime := s.connectTime
	s.stateLock.RUnlock()

	if connectTime == 0 {
		return 0
	}
	return time.Duration(currentTimeMillis()-connectTime) * time.Millisecond
}

func (s *Shard) Sequence() uint64 {
	s.sequenceLock.RLock()
	defer s.sequenceLock.RUnlock()
	return s.sequenceNumber
}

func (s *Shard) SessionId() string {
	s.sessionLock.RLock()
	defer s.sessionLock.RUnlock()
	return s.sessionId
}

func (s *Shard) setSession(sessionId string) {
	s.sessionLock.Lock()
	s.sessionId = sessionId
	s.sessionLock.Unlock()
}

func (s *Shard) clearSession() {
	s.sessionLock.Lock()
	s.sessionId = ""
	s.sessionLock.Unlock()

	s.sequenceLock.Lock()
	s.sequenceNumber = 0
	s.sequenceLock.Unlock()
}

// QueueMessage enqueues an already-encoded payload for the rate-limited
// drain. Front insertion is reserved for priority traffic.
func (s *Shard) QueueMessage(message string, front bool) {
	if front {
		s.queue.PushFront(message)
	} else {
		s.queue.PushBack(message)
	}
}

func (s *Shard) ClearQueue() {
	s.queue.Clear()
}

func (s *Shard) QueueSize() int {
	return s.queue.Size()
}

// UpdateStatus queues a presence update.
func (s *Shard) UpdateStatus(status UpdateStatus) error {
	encoded, err := json.Marshal(NewPresenceUpdate(status))
	if err != nil {
		return err
	}

	s.queue.PushBack(string(encoded))
	return nil
}

// RequestGuildMembers queues an op-8 member chunk request for a guild.
func (s *Shard) RequestGuildMembers(guildId uint64) error {
	encoded, err := json.Marshal(NewRequestGuildMembers(guildId, "", 0))
	if err != nil {
		return err
	}

	s.queue.PushBack(string(encoded))
	return nil
}

func (s *Shard) Reconnects() uint64 {
	return atomic.LoadUint64(&s.reconnects)
}

func (s *Shard) Resumes() uint64 {
	return atomic.LoadUint64(&s.resumes)
}

// DecompressedBytesIn is the total output of the zlib-stream inflater over
// the shard's lifetime, across reconnects.
func (s *Shard) DecompressedBytesIn() uint64 {
	return atomic.LoadUint64(&s.decompressedTotal)
}

// GuildCount counts cached guilds owned by this shard. O(guilds); the cache
// lock is held for the full traversal.
func (s *Shard) GuildCount() (total uint64) {
	s.Cluster.guilds.ForEachGuild(func(guild *cache.Guild) {
		if guild.ShardId == s.ShardId {
			total++
		}
	})
	return
}

func (s *Shard) MemberCount() (total uint64) {
	s.Cluster.guilds.ForEachGuild(func(guild *cache.Guild) {
		if guild.ShardId == s.ShardId {
			total += uint64(len(guild.Members))
		}
	})
	return
}

func (s *Shard) ChannelCount() (total uint64) {
	s.Cluster.guilds.ForEachGuild(func(guild *cache.Guild) {
		if guild.ShardId == s.ShardId {
			total += uint64(len(guild.Channels))
		}
	})
	return
}

func currentTimeMillis() int64 {
	return time.Now().UnixMilli()
}
