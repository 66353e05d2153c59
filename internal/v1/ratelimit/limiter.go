// Package ratelimit implements rate limiting logic using Redis or local memory.
package ratelimit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/hphmeet/relay/internal/v1/logging"
	"github.com/hphmeet/relay/internal/v1/metrics"
)

// Limiter holds the per-concern rate limiter instances. fileMeta caps
// file_meta frames per user on the control plane; udpPackets caps media
// datagrams per source user.
type Limiter struct {
	fileMeta    *limiter.Limiter
	udpPackets  *limiter.Limiter
	store       limiter.Store
	redisClient *redis.Client
}

// New creates a Limiter from the formatted rates ("5-M", "100-S"). With a
// nil redisClient the store is in-process memory.
func New(fileRate, udpRate string, redisClient *redis.Client) (*Limiter, error) {
	fileMetaRate, err := limiter.NewRateFromFormatted(fileRate)
	if err != nil {
		return nil, fmt.Errorf("invalid file rate: %w", err)
	}

	udpPacketsRate, err := limiter.NewRateFromFormatted(udpRate)
	if err != nil {
		return nil, fmt.Errorf("invalid UDP rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "relay:limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "✅ Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "⚠️  Rate limiter using Memory store (Redis disabled or unavailable)")
	}

	return &Limiter{
		fileMeta:    limiter.New(store, fileMetaRate),
		udpPackets:  limiter.New(store, udpPacketsRate),
		store:       store,
		redisClient: redisClient,
	}, nil
}

// AllowFileMeta reports whether username may announce another file transfer.
// Store failures fail open; losing a rate check beats losing the relay.
func (l *Limiter) AllowFileMeta(ctx context.Context, username string) bool {
	lctx, err := l.fileMeta.Get(ctx, "file:"+username)
	if err != nil {
		logging.Error(ctx, "Rate limiter store failed (file)", zap.Error(err))
		return true
	}
	if lctx.Reached {
		metrics.RateLimitRejections.WithLabelValues("file_meta").Inc()
		return false
	}
	return true
}

// AllowUDP reports whether a media packet from username fits its sliding
// window. Excess packets are dropped silently by the caller.
func (l *Limiter) AllowUDP(ctx context.Context, username string) bool {
	lctx, err := l.udpPackets.Get(ctx, "udp:"+username)
	if err != nil {
		logging.Error(ctx, "Rate limiter store failed (udp)", zap.Error(err))
		return true
	}
	if lctx.Reached {
		metrics.RateLimitRejections.WithLabelValues("udp").Inc()
		return false
	}
	return true
}
