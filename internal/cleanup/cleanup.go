// Package cleanup schedules the background maintenance the rest of the
// server depends on: partition pre-creation, refresh-token purging, session
// and cache sweeps, and retention-driven deletes. Jobs swallow errors with
// logging and run again next tick — they never crash the process.
package cleanup

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/markjsapp/Haven-sub000/internal/cache"
	"github.com/markjsapp/Haven-sub000/internal/config"
	"github.com/markjsapp/Haven-sub000/internal/db"
	"github.com/markjsapp/Haven-sub000/internal/gateway"
)

type Scheduler struct {
	cron *cron.Cron
}

// Start wires every scheduled job and begins the cron loop. Stop() drains it.
func Start(cfg *config.Config, store *db.DB, c *cache.Cache, pow *cache.PoWChallenges, hub *gateway.Hub) *Scheduler {
	cr := cron.New()

	// monthly message partitions, pre-created three months out
	cr.AddFunc("@daily", func() {
		ctx, cancel := timeout()
		defer cancel()
		if err := store.EnsureMessagePartitions(ctx); err != nil {
			log.Printf("[CLEANUP] partition pre-creation failed: %v", err)
		}
	})

	// expired refresh tokens, every 5 minutes
	cr.AddFunc("@every 5m", func() {
		ctx, cancel := timeout()
		defer cancel()
		if n, err := store.PurgeExpiredRefreshTokens(ctx); err != nil {
			log.Printf("[CLEANUP] refresh token purge failed: %v", err)
		} else if n > 0 {
			log.Printf("[CLEANUP] purged %d expired refresh tokens", n)
		}
	})

	// ephemeral-store sweep and detached-session expiry, every minute
	cr.AddFunc("@every 1m", func() {
		c.Sweep()
		pow.Sweep()
		hub.SweepSessions()
	})

	// retention purges, daily
	cr.AddFunc("@daily", func() {
		ctx, cancel := timeout()
		defer cancel()
		if cfg.AuditLogRetentionDays > 0 {
			if n, err := store.PurgeOldAuditLog(ctx, cfg.AuditLogRetentionDays); err != nil {
				log.Printf("[CLEANUP] audit log purge failed: %v", err)
			} else if n > 0 {
				log.Printf("[CLEANUP] purged %d audit log rows", n)
			}
		}
		if cfg.ResolvedReportRetentionDays > 0 {
			if n, err := store.PurgeResolvedReports(ctx, cfg.ResolvedReportRetentionDays); err != nil {
				log.Printf("[CLEANUP] resolved report purge failed: %v", err)
			} else if n > 0 {
				log.Printf("[CLEANUP] purged %d resolved reports", n)
			}
		}
		if cfg.ExpiredInviteCleanup {
			if n, err := store.PurgeExpiredInvites(ctx); err != nil {
				log.Printf("[CLEANUP] invite cleanup failed: %v", err)
			} else if n > 0 {
				log.Printf("[CLEANUP] deactivated %d expired invites", n)
			}
		}
	})

	cr.Start()
	log.Println("[CLEANUP] background schedule started")
	return &Scheduler{cron: cr}
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func timeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Minute)
}
