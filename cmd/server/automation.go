package main

import (
	"context"
	"log"
	"time"

	"github.com/danielsht11/riley/internal/logutil"
	"github.com/danielsht11/riley/internal/store"
)

type purger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (store.PurgeResult, error)
}

type automationOptions struct {
	Store     purger
	Interval  time.Duration
	Retention time.Duration
	Now       func() time.Time
}

func startAutomation(ctx context.Context, opts automationOptions) {
	if opts.Store == nil || opts.Interval <= 0 || opts.Retention <= 0 {
		return
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log.Printf("Starting automation loop: interval=%s retention=%s", opts.Interval, opts.Retention)
	ticker := time.NewTicker(opts.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runAutomationSweep(ctx, opts)
			}
		}
	}()
}

func runAutomationSweep(ctx context.Context, opts automationOptions) store.PurgeResult {
	cutoff := opts.Now().UTC().Add(-opts.Retention)
	res, err := opts.Store.PurgeBefore(ctx, cutoff)
	if err != nil {
		logutil.Error("automation_purge_failed", err, map[string]interface{}{"cutoff": cutoff.Format(time.RFC3339)})
		return res
	}
	if res.Calls > 0 || res.Snapshots > 0 || res.Deliveries > 0 {
		log.Printf("automation: purged %d calls, %d snapshots, %d deliveries", res.Calls, res.Snapshots, res.Deliveries)
	}
	return res
}
