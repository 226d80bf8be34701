package settings

import (
	"net/url"
	"time"
)

type Settings struct {
	DataFolder          string
	LogLevel            string
	PrettyLogs          bool
	HealthListenAddress string
	PrometheusEndpoint  string
	Tracker             TrackerSettings
	Directory           DirectorySettings
	Node                NodeSettings
	Indexer             IndexerSettings
	Monitor             MonitorSettings
	Supervisor          SupervisorSettings
}

type TrackerSettings struct {
	ListenAddress string
	// Hostname is the address this tracker tells probed makers to reach it on.
	Hostname      string
	SocksAddress  string
	SocksUsername string
	SocksPassword string
	MaxFrameSize  int
	ConnRateLimit float64
	ConnRateBurst int
}

type DirectorySettings struct {
	StoreURL             *url.URL
	MailboxSize          int
	DBTimeout            time.Duration
	PostgresMaxIdleConns int
	PostgresMaxOpenConns int
}

type NodeSettings struct {
	RPCURL *url.URL
	UseSSL bool
}

type IndexerSettings struct {
	PollInterval time.Duration
	StartHeight  int
	RequireOnion bool
	SeenCacheTTL time.Duration
}

type MonitorSettings struct {
	Cooldown      time.Duration
	Attempts      int
	Backoff       time.Duration
	SweepInterval time.Duration
	ReadTimeout   time.Duration
	// Concurrency caps the probes in flight during one sweep.
	Concurrency int
}

type SupervisorSettings struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	// MaxRestarts within RestartWindow before a subsystem is given up on. 0 means unlimited.
	MaxRestarts   int
	RestartWindow time.Duration
}
