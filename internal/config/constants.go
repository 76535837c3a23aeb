package config

import "time"

// Chainstate / reorg retry budgets (spec.md §4.C, §4.D).
const (
	ChainstateCASRetries = 20
	ReorgEntryRetries    = 4
)

// Deposit validation.
const (
	// DepositLocktimeBlockBuffer is the minimum number of blocks a deposit's
	// reclaim script lock-time must still have remaining at sweep time.
	DepositLocktimeBlockBuffer = 6
)

// HTTP server.
const (
	ServerReadTimeout    = 15 * time.Second
	ServerWriteTimeout   = 30 * time.Second
	ServerIdleTimeout    = 60 * time.Second
	ServerMaxHeaderBytes = 1 << 20
	ShutdownTimeout      = 10 * time.Second
)

// Logging.
const (
	LogFilePattern = "signer-%s-%s.log" // date (YYYY-MM-DD), then level
	LogMaxAgeDays  = 30
)

// Database.
const (
	DBBusyTimeoutMillis = 5000
)

// Bitcoin esplora-style providers (mainnet/testnet Blockstream and mempool.space).
const (
	BlockstreamMainnetURL = "https://blockstream.info/api"
	BlockstreamTestnetURL = "https://blockstream.info/testnet/api"
	MempoolMainnetURL     = "https://mempool.space/api"
	MempoolTestnetURL     = "https://mempool.space/testnet/api"

	MempoolFeeEstimatePath = "/v1/fees/recommended"

	BTCDefaultFeeRate = 10 // sat/vB, used when fee estimation is unavailable
	BTCMinFeeRate      = 1

	RateLimitBlockstream = 4 // requests per second
	RateLimitMempool     = 4

	FeeEstimateTimeout = 10 * time.Second
	BitcoinCallTimeout = 15 * time.Second
)

// Circuit breaker tuning for the Bitcoin client (spec.md §9 "capability
// traits with a single operational implementation").
const (
	CircuitBreakerFailureThreshold = 5
	CircuitBreakerCooldown         = 30 * time.Second
	CircuitBreakerHalfOpenMax      = 1
)

const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)
