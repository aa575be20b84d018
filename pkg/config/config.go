package config

import "time"

// SDK identification sent with every request
const (
	SDKName    = "tinycount-go"
	SDKVersion = "0.9.0"
)

// Delivery timeouts and limits
const (
	ConnectTimeout         = 30 * time.Second
	ReadTimeout            = 30 * time.Second
	MergeGracePeriod       = 10 * time.Second
	RemoteConfigMergeDelay = 10 * time.Second
	MaxGETLength           = 2048
	MaxCrashPayloadSize    = 10000
)

// Client defaults
const (
	DefaultHeartbeatInterval   = 5 * time.Second
	DefaultEventQueueThreshold = 10
	DefaultCrawlerName         = "Calypso AppCrawler"
	DefaultServerURL           = "http://localhost:8080"
	MaxBreadcrumbs             = 100
	StorageGCInterval          = 5 * time.Minute
)

// Identity re-resolution pacing
const (
	ResolveBackoffMin = 1 * time.Second
	ResolveBackoffMax = 5 * time.Minute
)

// Endpoint paths on the collection server
const (
	IngestPath = "/i"
	SDKPath    = "/o/sdk"
)

// Collector server defaults
const (
	DefaultCollectorPort  = "8080"
	CollectorReadTimeout  = 10 * time.Second
	CollectorWriteTimeout = 10 * time.Second
	ShutdownTimeout       = 30 * time.Second
	MaxRecordedRequests   = 10000
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)
