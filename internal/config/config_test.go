package config

import "testing"

func validConfig() *Config {
	return &Config{
		Network:         "testnet",
		Port:            8080,
		TrustedContract: "SP000000000000000000002Q6VF78.sbtc-registry",
		NumSigners:      3,
		AcceptThreshold: 2,
	}
}

func TestValidate_ValidNetworks(t *testing.T) {
	for _, network := range []string{"mainnet", "testnet", "regtest"} {
		cfg := validConfig()
		cfg.Network = network
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() error = %v for network=%q, want nil", err, network)
		}
	}
}

func TestValidate_InvalidNetwork(t *testing.T) {
	tests := []string{"", "foobar", "Mainnet", "devnet"}
	for _, network := range tests {
		cfg := validConfig()
		cfg.Network = network
		if err := cfg.Validate(); err == nil {
			t.Errorf("Validate() expected error for network=%q, got nil", network)
		}
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	tests := []int{0, -1, 65536, 100000}
	for _, port := range tests {
		cfg := validConfig()
		cfg.Port = port
		if err := cfg.Validate(); err == nil {
			t.Errorf("Validate() expected error for port=%d, got nil", port)
		}
	}
}

func TestValidate_ValidPortBoundaries(t *testing.T) {
	for _, port := range []int{1, 65535, 3000} {
		cfg := validConfig()
		cfg.Port = port
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() error = %v for port=%d, want nil", err, port)
		}
	}
}

func TestValidate_MissingTrustedContract(t *testing.T) {
	cfg := validConfig()
	cfg.TrustedContract = ""
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() expected error for empty trusted contract, got nil")
	}
}

func TestValidate_AcceptThresholdOutOfRange(t *testing.T) {
	tests := []struct {
		name      string
		threshold int
		signers   int
	}{
		{"zero", 0, 3},
		{"negative", -1, 3},
		{"exceeds signers", 4, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.AcceptThreshold = tt.threshold
			cfg.NumSigners = tt.signers
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate() expected error for threshold=%d signers=%d, got nil", tt.threshold, tt.signers)
			}
		})
	}
}

func TestConfig_RejectCapacity(t *testing.T) {
	cfg := validConfig()
	cfg.NumSigners = 5
	cfg.AcceptThreshold = 3
	if got := cfg.RejectCapacity(); got != 2 {
		t.Errorf("RejectCapacity() = %d, want 2", got)
	}
}

func TestP2PConfig_Validate_AllowedSchemes(t *testing.T) {
	p := P2PConfig{
		Seeds:    []string{"tcp://10.0.0.1:4122", "quic-v1://10.0.0.2:4122"},
		ListenOn: []string{"tcp://0.0.0.0:4122"},
	}
	if err := p.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}
}

func TestP2PConfig_Validate_RejectsDisallowedScheme(t *testing.T) {
	p := P2PConfig{Seeds: []string{"http://10.0.0.1:4122"}}
	if err := p.Validate(); err == nil {
		t.Error("Validate() expected error for http scheme, got nil")
	}
}

func TestP2PConfig_Validate_RejectsPath(t *testing.T) {
	p := P2PConfig{Seeds: []string{"tcp://10.0.0.1:4122/peer"}}
	if err := p.Validate(); err == nil {
		t.Error("Validate() expected error for endpoint with path, got nil")
	}
}

func TestP2PConfig_Validate_RejectsMissingScheme(t *testing.T) {
	p := P2PConfig{Seeds: []string{"10.0.0.1:4122"}}
	if err := p.Validate(); err == nil {
		t.Error("Validate() expected error for endpoint with no scheme, got nil")
	}
}
