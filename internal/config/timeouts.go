package config

import "time"

// Connection racing
const (
	// ProbeTimeout bounds a single reachability check
	ProbeTimeout = 4 * time.Second

	// RaceDeadline bounds a whole race across all candidates
	RaceDeadline = 12 * time.Second

	// DefaultMaxParallelProbes caps concurrent probes within one race
	DefaultMaxParallelProbes = 6

	// ConnectionFreshness is how long a raced URL is served from cache
	ConnectionFreshness = 10 * time.Minute

	// FailedServerCooldown suppresses repeated doomed races
	FailedServerCooldown = 2 * time.Minute
)

// Remote requests
const (
	// RequestTimeout bounds library, search and children requests
	RequestTimeout = 30 * time.Second

	// HTTPIdleConnTimeout is the idle connection timeout for HTTP transports
	HTTPIdleConnTimeout = 90 * time.Second

	// MaxIdleConns is the maximum number of idle HTTP connections
	MaxIdleConns = 20

	// MaxIdleConnsPerHost is the maximum idle connections per host
	MaxIdleConnsPerHost = 5

	// DefaultRequestRate is the per-server request rate limit per second
	DefaultRequestRate = 8.0

	// MaxResponseBytes caps a decoded response body
	MaxResponseBytes = 32 << 20
)

// Paging and caching
const (
	// DefaultPageSize is the number of rows fetched per page
	DefaultPageSize = 50

	// DefaultImageCacheSize is the number of memoized image URLs
	DefaultImageCacheSize = 512

	// DefaultSearchLimit caps local search results
	DefaultSearchLimit = 25
)

// Shutdown
const (
	// ShutdownTimeout is the total time allowed for coordinated shutdown
	ShutdownTimeout = 15 * time.Second

	// ShutdownHandlerTimeout is the default per-handler timeout
	ShutdownHandlerTimeout = 5 * time.Second
)

// Event Bus Buffer Sizes
const (
	// EventChannelBufferSize is the buffer size for individual event subscriptions
	EventChannelBufferSize = 100
)
