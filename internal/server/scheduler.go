package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/deskhand/deskhand/internal/embedcache"
)

// Scheduler runs periodic cache maintenance sweeps. With Redis configured,
// a distributed lock keeps multiple replicas from sweeping at once.
type Scheduler struct {
	Cache  embedcache.Cache
	Rdb    *redis.Client
	Spec   string // cron expression, @hourly or @daily
	Stop   chan struct{}
	Logger *log.Logger

	lastSweep *time.Time
}

func (s *Scheduler) Start() {
	if s.Logger == nil {
		s.Logger = log.New(log.Writer(), "[SWEEP] ", log.LstdFlags)
	}
	ticker := time.NewTicker(time.Minute)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) tick() {
	if !isDue(s.Spec, s.lastSweep) {
		return
	}
	ctx := context.Background()
	if s.Rdb != nil {
		ok, err := s.Rdb.SetNX(ctx, "deskhand:sweep:lock", "1", 2*time.Minute).Result()
		if err != nil {
			s.Logger.Printf("sweep lock: %v", err)
			return
		}
		if !ok {
			return
		}
		defer s.Rdb.Del(ctx, "deskhand:sweep:lock")
	}
	now := time.Now()
	s.lastSweep = &now
	removed, err := s.Cache.Sweep(ctx)
	if err != nil {
		s.Logger.Printf("cache sweep failed: %v", err)
		return
	}
	if removed > 0 {
		s.Logger.Printf("cache sweep removed %d stale entries (%d live)", removed, s.Cache.Len())
	}
}

// isDue determines whether a sweep should run now given the last run time.
// Supports "@daily", "@hourly", and standard cron expressions.
func isDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			// Invalid spec degrades to hourly.
			if last == nil {
				return true
			}
			return now.Sub(*last) >= time.Hour
		}
		if last == nil {
			return true
		}
		next := expr.Next(*last)
		return !next.After(now)
	}
}
