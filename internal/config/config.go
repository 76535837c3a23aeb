// Package config loads and validates the signer's process-wide settings.
// TOML loading, a proper CLI, and hot-reload are out of scope for the core
// (see spec.md §1); this package only covers what the core itself needs to
// run standalone for development and for its own test suite.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/sbtc-signer/signer/internal/apperr"
)

// Config holds all signer configuration loaded from environment variables.
// Field names mirror the dotted paths in spec.md §6 with "__" substituted
// for "." per the double-underscore nested override convention.
type Config struct {
	DBPath   string `envconfig:"SIGNER_DB_PATH" default:"./data/signer.sqlite"`
	Port     int    `envconfig:"SIGNER_PORT" default:"8801"`
	LogLevel string `envconfig:"SIGNER_LOG_LEVEL" default:"info"`
	LogDir   string `envconfig:"SIGNER_LOG_DIR" default:"./logs"`
	Network  string `envconfig:"SIGNER_NETWORK" default:"testnet"`

	// TrustedContract is the QualifiedContractIdentifier print events are
	// accepted from; anything else is silently dropped by the ingestor.
	TrustedContract string `envconfig:"SIGNER_TRUSTED_CONTRACT" required:"true"`

	// AcceptThreshold and NumSigners define the package reject-capacity
	// (§4.F): R = NumSigners - AcceptThreshold.
	NumSigners      int `envconfig:"SIGNER_NUM_SIGNERS" default:"3"`
	AcceptThreshold int `envconfig:"SIGNER_ACCEPT_THRESHOLD" default:"2"`

	// WebhookAllowedHosts restricts POST /new_block to requests whose Host
	// header matches one of these values; empty disables the check (local
	// development against a node on an unpredictable docker IP).
	WebhookAllowedHosts []string `envconfig:"SIGNER__WEBHOOK__ALLOWED_HOSTS"`

	StacksAccount StacksAccountConfig
	P2P           P2PConfig
	Blocklist     BlocklistClientConfig
	BlockNotifier BlockNotifierConfig
	Registry      RegistryClientConfig
	SignerGroup   SignerGroupConfig
}

// SignerGroupConfig lists the full signer set's compressed public keys, in
// the fixed order used to derive the aggregate taproot key the signer
// group's UTXO is locked to (spec.md §4.F, §9 "signing key management").
// FROST/WSTS key generation is out of scope here (spec.md §1): this core
// combines the group's individual public keys with keys.Combine the same
// way a completed WSTS round would yield a single group key, without
// performing the distributed key generation itself.
type SignerGroupConfig struct {
	PublicKeys []string `envconfig:"SIGNER__GROUP__PUBLIC_KEYS" required:"true"`
}

// RegistryClientConfig points at the external request registry service the
// signer reports deposit/withdrawal/chainstate updates to (spec.md §6).
type RegistryClientConfig struct {
	BaseURL string        `envconfig:"SIGNER__REGISTRY__BASE_URL" default:"http://localhost:8080"`
	Timeout time.Duration `envconfig:"SIGNER__REGISTRY__TIMEOUT" default:"10s"`
}

// StacksAccountConfig is the operator's Stacks signing identity.
type StacksAccountConfig struct {
	PrivateKey   string `envconfig:"SIGNER__STACKS_ACCOUNT__PRIVATE_KEY"`
	PublicKey    string `envconfig:"SIGNER__STACKS_ACCOUNT__PUBLIC_KEY"`
	Address      string `envconfig:"SIGNER__STACKS_ACCOUNT__ADDRESS"`
	MnemonicFile string `envconfig:"SIGNER__STACKS_ACCOUNT__MNEMONIC_FILE"`
}

// P2PConfig describes the peering endpoints. The MessageTransfer contract
// is the only part of peering in scope here (spec.md §1); seeds and
// endpoints are validated but never dialed by this core.
type P2PConfig struct {
	Seeds           []string `envconfig:"SIGNER__P2P__SEEDS"`
	ListenOn        []string `envconfig:"SIGNER__P2P__LISTEN_ON"`
	PublicEndpoints []string `envconfig:"SIGNER__P2P__PUBLIC_ENDPOINTS"`
}

// BlocklistClientConfig points at the external OFAC/sanctions screening
// service; it is an external collaborator per spec.md §1.
type BlocklistClientConfig struct {
	Host string `envconfig:"BLOCKLIST_CLIENT_HOST" default:"localhost"`
	Port int    `envconfig:"BLOCKLIST_CLIENT_PORT" default:"8331"`
}

// BlockNotifierConfig configures the webhook-delivering upstream node.
type BlockNotifierConfig struct {
	Server            string        `envconfig:"BLOCK_NOTIFIER_SERVER"`
	RetryInterval     time.Duration `envconfig:"BLOCK_NOTIFIER_RETRY_INTERVAL" default:"1s"`
	MaxRetryAttempts  int           `envconfig:"BLOCK_NOTIFIER_MAX_RETRY_ATTEMPTS" default:"10"`
	PingInterval      time.Duration `envconfig:"BLOCK_NOTIFIER_PING_INTERVAL" default:"30s"`
	SubscribeInterval time.Duration `envconfig:"BLOCK_NOTIFIER_SUBSCRIBE_INTERVAL" default:"10s"`
}

// allowedP2PSchemes restricts signer.p2p.* URIs to the two transports the
// peering layer actually supports.
var allowedP2PSchemes = map[string]bool{"tcp": true, "quic-v1": true}

// Load reads configuration from a .env file (if present) then from the
// environment. Real environment variables take precedence over .env values,
// since godotenv.Load does not override variables already set.
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			slog.Warn("failed to load .env file", "error", err)
		} else {
			slog.Info("loaded .env file")
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("%w: %s", apperr.ErrSignerConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks configuration values for correctness. It is also called
// directly by tests that construct a Config without going through Load.
func (c *Config) Validate() error {
	if c.Network != "mainnet" && c.Network != "testnet" && c.Network != "regtest" {
		return fmt.Errorf("%w: network must be mainnet, testnet, or regtest, got %q", apperr.ErrSignerConfig, c.Network)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port must be 1-65535, got %d", apperr.ErrSignerConfig, c.Port)
	}
	if c.TrustedContract == "" {
		return fmt.Errorf("%w: trusted contract identifier must be set", apperr.ErrSignerConfig)
	}
	if c.AcceptThreshold <= 0 || c.AcceptThreshold > c.NumSigners {
		return fmt.Errorf("%w: accept threshold %d must be in (0, %d]", apperr.ErrSignerConfig, c.AcceptThreshold, c.NumSigners)
	}
	if err := c.P2P.Validate(); err != nil {
		return err
	}
	return nil
}

// Validate checks that every configured endpoint uses an allowed scheme and
// carries no path component, per spec.md §6.
func (p *P2PConfig) Validate() error {
	all := make([]string, 0, len(p.Seeds)+len(p.ListenOn)+len(p.PublicEndpoints))
	all = append(all, p.Seeds...)
	all = append(all, p.ListenOn...)
	all = append(all, p.PublicEndpoints...)

	for _, uri := range all {
		scheme, rest, ok := strings.Cut(uri, "://")
		if !ok {
			return fmt.Errorf("%w: p2p endpoint %q has no scheme", apperr.ErrSignerConfig, uri)
		}
		if !allowedP2PSchemes[scheme] {
			return fmt.Errorf("%w: p2p endpoint %q uses unsupported scheme %q", apperr.ErrSignerConfig, uri, scheme)
		}
		if idx := strings.IndexByte(rest, '/'); idx != -1 && idx != len(rest)-1 {
			return fmt.Errorf("%w: p2p endpoint %q must not carry a path", apperr.ErrSignerConfig, uri)
		}
	}
	return nil
}

// RejectCapacity returns R = NumSigners - AcceptThreshold, the maximum sum
// of negative votes a sweep package may carry (spec.md §4.F).
func (c *Config) RejectCapacity() int {
	return c.NumSigners - c.AcceptThreshold
}
