package datasync

import (
	"context"
	"strings"
	"time"

	"github.com/coocood/freecache"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	uuid "github.com/satori/go.uuid"
)

const localCacheInvalidateChannel = "corestate:datasync:invalidate"

// localCache is the optional L1 tier in front of the Redis-backed cache:
// a freecache instance kept coherent across processes by publishing key
// invalidations over a Redis Pub/Sub channel, collapsed into a single run
// loop with a best-effort buffered fan-out rather than batched publishes.
//
// Both the subscription and each publish are obtained from conn on demand
// (not captured once), so a connection manager reconnect after a health
// check failure does not leave this tier permanently deaf or mute; only
// the run goroutine touches sub, so resubscribing needs no extra lock.
type localCache struct {
	mem        *freecache.Cache
	instanceID string
	conn       ConnProvider

	sub *redis.PubSub

	toPublish chan string
	stop      chan struct{}
	done      chan struct{}
}

func newLocalCache(sizeBytes int, conn ConnProvider) (*localCache, error) {
	lc := &localCache{
		mem:        freecache.NewCache(sizeBytes),
		instanceID: uuid.NewV4().String(),
		conn:       conn,
		toPublish:  make(chan string, 256),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	sub, err := lc.subscribe()
	if err != nil {
		return nil, err
	}
	lc.sub = sub
	go lc.run()
	return lc, nil
}

func (lc *localCache) subscribe() (*redis.PubSub, error) {
	client, err := lc.conn(context.Background())
	if err != nil {
		return nil, err
	}
	return client.Subscribe(context.Background(), localCacheInvalidateChannel), nil
}

func (lc *localCache) run() {
	defer close(lc.done)
	defer func() {
		if lc.sub != nil {
			_ = lc.sub.Close()
		}
	}()

	remote := lc.sub.Channel()
	for {
		select {
		case <-lc.stop:
			return
		case key, ok := <-lc.toPublish:
			if !ok {
				continue
			}
			client, err := lc.conn(context.Background())
			if err != nil {
				log.Warn().Err(err).Msg("datasync: local cache invalidation broadcast unavailable")
				continue
			}
			if err := client.Publish(context.Background(), localCacheInvalidateChannel, lc.instanceID+"|"+key).Err(); err != nil {
				log.Warn().Err(err).Msg("datasync: local cache invalidation broadcast failed")
			}
		case msg, ok := <-remote:
			if !ok {
				// the subscription's underlying connection died, most
				// likely the connection manager invalidating it after a
				// failed health check; resubscribe so cross-process
				// invalidation survives the reconnect.
				sub, err := lc.subscribe()
				if err != nil {
					log.Warn().Err(err).Msg("datasync: local cache resubscribe failed")
					select {
					case <-lc.stop:
						return
					case <-time.After(time.Second):
					}
					continue
				}
				lc.sub = sub
				remote = sub.Channel()
				continue
			}
			lc.applyRemoteInvalidate(msg.Payload)
		}
	}
}

func (lc *localCache) applyRemoteInvalidate(payload string) {
	origin, key, found := strings.Cut(payload, "|")
	if !found || origin == lc.instanceID {
		return
	}
	lc.mem.Del([]byte(key))
}

// Get returns the cached bytes for key, or ok=false on miss or expiry.
func (lc *localCache) Get(key string) (value []byte, ok bool) {
	v, err := lc.mem.Get([]byte(key))
	if err != nil {
		return nil, false
	}
	return v, true
}

// Set stores value for key with ttl. Sub-second TTLs are rounded up to one
// second, and a non-positive ttl is a no-op (freecache has no notion of
// "forever" distinct from "don't cache").
func (lc *localCache) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	secs := int(ttl.Seconds())
	if secs <= 0 {
		secs = 1
	}
	if err := lc.mem.Set([]byte(key), value, secs); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("datasync: local cache set failed")
	}
}

// Invalidate removes key locally and best-effort broadcasts the removal to
// other processes. A dropped broadcast only affects other processes' L1
// freshness; Redis remains authoritative so correctness is unaffected.
func (lc *localCache) Invalidate(key string) {
	lc.mem.Del([]byte(key))
	select {
	case lc.toPublish <- key:
	default:
	}
}

func (lc *localCache) Close() error {
	close(lc.stop)
	<-lc.done
	return nil
}
