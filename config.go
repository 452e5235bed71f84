package turnstile

import (
	"time"

	"go.uber.org/zap"
)

type (
	Config struct {
		Ledger     LedgerConfig
		Scheduler  SchedulerConfig
		Dispatch   DispatchConfig
		Reconcile  ReconcileConfig
		MaxRetries int
		CacheSize  int
		Clock      func() time.Time
		Logger     *zap.Logger
	}

	LedgerConfig struct {
		Addr      string
		Password  string
		Prefix    string
		DB        int
		ScanBatch int
	}

	SchedulerConfig struct {
		Path          string
		SweepInterval time.Duration
	}

	DispatchConfig struct {
		Workers          int
		RedeliveryWindow time.Duration
	}

	ReconcileConfig struct {
		EventInterval  time.Duration
		EscrowInterval time.Duration
		Lookback       time.Duration
		Escrow         EscrowGateway
	}
)

const (
	DefaultRedisEndpoint = "localhost:6379"
	DefaultRedisPrefix   = "turnstile"
	DefaultRedisDB    = 0
	DefaultScanBatch  = 256
	DefaultMaxRetries = 16

	DefaultSchedulerPath = "turnstile-transitions.db"
	DefaultSweepInterval = time.Minute

	DefaultDispatchWorkers  = 4
	DefaultRedeliveryWindow = 30 * time.Second

	DefaultEventReconcileInterval  = 30 * time.Minute
	DefaultEscrowReconcileInterval = time.Hour
	DefaultReconcileLookback       = 30 * 24 * time.Hour
)

func DefaultConfig() Config {
	return Config{
		Ledger:     DefaultLedgerConfig(),
		Scheduler:  DefaultSchedulerConfig(),
		Dispatch:   DefaultDispatchConfig(),
		Reconcile:  DefaultReconcileConfig(),
		MaxRetries: DefaultMaxRetries,
		CacheSize:  DefaultCacheSize,
	}
}

func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		Addr:      DefaultRedisEndpoint,
		Password:  "",
		DB:        DefaultRedisDB,
		Prefix:    DefaultRedisPrefix,
		ScanBatch: DefaultScanBatch,
	}
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Path:          DefaultSchedulerPath,
		SweepInterval: DefaultSweepInterval,
	}
}

func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		Workers:          DefaultDispatchWorkers,
		RedeliveryWindow: DefaultRedeliveryWindow,
	}
}

func DefaultReconcileConfig() ReconcileConfig {
	return ReconcileConfig{
		EventInterval:  DefaultEventReconcileInterval,
		EscrowInterval: DefaultEscrowReconcileInterval,
		Lookback:       DefaultReconcileLookback,
	}
}
