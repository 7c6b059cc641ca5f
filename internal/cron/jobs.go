package cron

import (
	"context"
	"time"

	"github.com/basket/stockdesk/internal/kv"
	"github.com/basket/stockdesk/internal/otel"
	"github.com/basket/stockdesk/internal/persistence"
	"github.com/basket/stockdesk/internal/queue"
)

// Maintenance job names.
const (
	JobRequeue   = "requeue_expired"
	JobZombies   = "zombie_tasks"
	JobRetention = "retention"
	JobKVPurge   = "kv_purge"
)

// MaintenanceConfig sets the schedules and thresholds for the built-in jobs.
type MaintenanceConfig struct {
	RequeueSpec   string
	ZombieSpec    string
	RetentionSpec string
	KVPurgeSpec   string
	MaxRunning    time.Duration
	RetentionDays int // 0 disables the retention job
}

// DefaultMaintenanceConfig returns the production schedules.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		RequeueSpec:   "@every 30s",
		ZombieSpec:    "@every 10m",
		RetentionSpec: "@daily",
		KVPurgeSpec:   "@every 5m",
		MaxRunning:    2 * time.Hour,
		RetentionDays: 30,
	}
}

// MaintenanceDeps are the stores the jobs sweep.
type MaintenanceDeps struct {
	Store   *persistence.Store
	KV      *kv.Store
	Queue   *queue.Controller
	Metrics *otel.Metrics
}

// MaintenanceJobs builds the job set for cfg.
func MaintenanceJobs(deps MaintenanceDeps, cfg MaintenanceConfig) []Job {
	def := DefaultMaintenanceConfig()
	if cfg.RequeueSpec == "" {
		cfg.RequeueSpec = def.RequeueSpec
	}
	if cfg.ZombieSpec == "" {
		cfg.ZombieSpec = def.ZombieSpec
	}
	if cfg.RetentionSpec == "" {
		cfg.RetentionSpec = def.RetentionSpec
	}
	if cfg.KVPurgeSpec == "" {
		cfg.KVPurgeSpec = def.KVPurgeSpec
	}
	if cfg.MaxRunning <= 0 {
		cfg.MaxRunning = def.MaxRunning
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = otel.NoopMetrics()
	}

	jobs := []Job{
		{
			Name: JobRequeue,
			Spec: cfg.RequeueSpec,
			Run: func(ctx context.Context) (int, error) {
				n, err := deps.Queue.RequeueExpired(ctx)
				if n > 0 {
					metrics.Requeued.Add(ctx, int64(n))
				}
				return n, err
			},
		},
		{
			Name: JobZombies,
			Spec: cfg.ZombieSpec,
			Run: func(ctx context.Context) (int, error) {
				n, err := deps.Store.CleanupZombieTasks(ctx, cfg.MaxRunning)
				if n > 0 {
					metrics.ZombiesReaped.Add(ctx, int64(n))
				}
				return n, err
			},
		},
		{
			Name: JobKVPurge,
			Spec: cfg.KVPurgeSpec,
			Run: func(ctx context.Context) (int, error) {
				n, err := deps.KV.PurgeExpired(ctx)
				return int(n), err
			},
		},
	}
	if cfg.RetentionDays > 0 {
		jobs = append(jobs, Job{
			Name: JobRetention,
			Spec: cfg.RetentionSpec,
			Run: func(ctx context.Context) (int, error) {
				res, err := deps.Store.RunRetention(ctx, cfg.RetentionDays)
				return int(res.PurgedTasks), err
			},
		})
	}
	return jobs
}
