package sessionstore

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

type expirer interface {
	evictExpiredOnce(now time.Time) int
}

func startEvictionLoop(ctx context.Context, interval time.Duration, e expirer) {
	if ctx == nil {
		panic("sessionstore: StartEvictionLoop requires non-nil ctx")
	}
	if interval <= 0 || e == nil {
		return
	}
	go runEvictionLoop(ctx, interval, e)
}

func runEvictionLoop(ctx context.Context, interval time.Duration, e expirer) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := e.evictExpiredOnce(now); n > 0 {
				log.Debug().Int("evicted", n).Msg("evicted expired interview sessions")
			}
		}
	}
}
