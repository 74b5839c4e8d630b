package mixcoordinator

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/obscuranet/mixcore/internal/mixtypes"
)

// BackgroundConfig controls how often Coordinator submits its own recurring
// operations — CONSOLIDATION/REBALANCE per currency and one global CLEANUP
// sweep — rather than relying on an external caller to schedule them.
type BackgroundConfig struct {
	ConsolidationInterval time.Duration
	RebalanceInterval     time.Duration
	CleanupInterval       time.Duration
}

func (b BackgroundConfig) consolidation() time.Duration {
	if b.ConsolidationInterval > 0 {
		return b.ConsolidationInterval
	}
	return 15 * time.Minute
}

func (b BackgroundConfig) rebalance() time.Duration {
	if b.RebalanceInterval > 0 {
		return b.RebalanceInterval
	}
	return 10 * time.Minute
}

func (b BackgroundConfig) cleanup() time.Duration {
	if b.CleanupInterval > 0 {
		return b.CleanupInterval
	}
	return 5 * time.Minute
}

// StartBackgroundJobs submits the recurring CONSOLIDATION, REBALANCE, and
// CLEANUP operations on their own cron schedule, one health-check operation
// per configured currency for the first two. Call once after
// RegisterHandlers. Submit only enqueues, so operations submitted before
// scheduler.Start wait until its loops run.
func (c *Coordinator) StartBackgroundJobs(bg BackgroundConfig) (*cron.Cron, error) {
	ring := cron.New(cron.WithSeconds())

	if _, err := ring.AddFunc(fmt.Sprintf("@every %s", bg.consolidation()), func() {
		c.submitPerCurrency(mixtypes.OperationConsolidation, 0)
	}); err != nil {
		return nil, err
	}
	if _, err := ring.AddFunc(fmt.Sprintf("@every %s", bg.rebalance()), func() {
		c.submitPerCurrency(mixtypes.OperationRebalance, 0)
	}); err != nil {
		return nil, err
	}
	if _, err := ring.AddFunc(fmt.Sprintf("@every %s", bg.cleanup()), func() {
		op := &mixtypes.ScheduledOperation{
			ID:          "cleanup-" + time.Now().UTC().Format("20060102T150405.000000000"),
			Type:        mixtypes.OperationCleanup,
			ScheduledAt: time.Now(),
		}
		if err := c.scheduler.Submit(op); err != nil {
			c.log.Warn("submit cleanup sweep failed: " + err.Error())
		}
	}); err != nil {
		return nil, err
	}

	ring.Start()
	return ring, nil
}

func (c *Coordinator) submitPerCurrency(opType mixtypes.OperationType, priority int) {
	for code := range c.cfg.Currencies {
		op := &mixtypes.ScheduledOperation{
			ID:          fmt.Sprintf("%s-%s-%s", opType, code, time.Now().UTC().Format("20060102T150405.000000000")),
			Type:        opType,
			Priority:    priority,
			ScheduledAt: time.Now(),
			Payload:     code,
		}
		if err := c.scheduler.Submit(op); err != nil {
			c.log.WithField("currency", string(code)).Warn("submit " + string(opType) + " failed: " + err.Error())
		}
	}
}

// StopBackgroundJobs halts the recurring cron ring started by
// StartBackgroundJobs.
func StopBackgroundJobs(ring *cron.Cron) {
	if ring == nil {
		return
	}
	stopCtx := ring.Stop()
	<-stopCtx.Done()
}
