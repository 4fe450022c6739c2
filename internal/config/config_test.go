package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

func resetRuntimeConfig(t *testing.T) {
	t.Helper()
	reset := func() {
		runtimeConfigOnce = sync.Once{}
		runtimeConfigErr = nil
		runtimeConfigValues = nil
		runtimeConfigLoaded = false
		runtimeConfigPath = ""
		runtimeConfigPhase = ""
	}
	reset()
	t.Cleanup(reset)
}

func TestLoadNodeConfigDefaults(t *testing.T) {
	resetRuntimeConfig(t)
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("CONFIG_PHASE", "unit-test-none")

	cfg, err := LoadNodeConfig()
	if err != nil {
		t.Fatalf("LoadNodeConfig: %v", err)
	}
	if cfg.ListenAddr != ":8899" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.Store != StorePebble {
		t.Errorf("Store = %q, want pebble", cfg.Store)
	}
	if !cfg.SwapProgramID.Equals(DefaultSwapProgramID) {
		t.Errorf("SwapProgramID = %s", cfg.SwapProgramID)
	}
	if cfg.SlotInterval != 400*time.Millisecond {
		t.Errorf("SlotInterval = %s", cfg.SlotInterval)
	}
	if cfg.Log.FilePath != filepath.Join(".docker", "ledger-node", "ledger-node.log") {
		t.Errorf("Log.FilePath = %q", cfg.Log.FilePath)
	}
}

func TestEnvOverridesYAML(t *testing.T) {
	resetRuntimeConfig(t)
	programID := solana.NewWallet().PublicKey()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "indexer:\n  poll_interval: 5s\n  kafka:\n    brokers:\n      - kafka-1:9092\n      - kafka-2:9092\n" +
		"swap_program_id: " + programID.String() + "\nsolana:\n  commitment: finalized\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("INDEXER_POLL_INTERVAL", "750ms")

	cfg, err := LoadIndexerConfig()
	if err != nil {
		t.Fatalf("LoadIndexerConfig: %v", err)
	}
	if cfg.PollInterval != 750*time.Millisecond {
		t.Errorf("PollInterval = %s, want env value", cfg.PollInterval)
	}
	if got := strings.Join(cfg.KafkaBrokers, ","); got != "kafka-1:9092,kafka-2:9092" {
		t.Errorf("KafkaBrokers = %q", got)
	}
	if !cfg.SwapProgramID.Equals(programID) {
		t.Errorf("SwapProgramID = %s, want %s", cfg.SwapProgramID, programID)
	}
	if cfg.Commitment != rpc.CommitmentFinalized {
		t.Errorf("Commitment = %s", cfg.Commitment)
	}

	source, err := CurrentConfigSource()
	if err != nil {
		t.Fatalf("CurrentConfigSource: %v", err)
	}
	if !source.Loaded || source.Path == "" {
		t.Errorf("source = %+v, want loaded", source)
	}
}

func TestMissingExplicitConfigFile(t *testing.T) {
	resetRuntimeConfig(t)
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))

	if _, err := LoadAPIServerConfig(); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		load func() error
	}{
		{"node store", "NODE_STORE", "sqlite", func() error { _, err := LoadNodeConfig(); return err }},
		{"negative duration", "INDEXER_POLL_INTERVAL", "-1s", func() error { _, err := LoadIndexerConfig(); return err }},
		{"retry window", "INDEXER_RPC_RETRY_MAX_DELAY", "1ms", func() error { _, err := LoadIndexerConfig(); return err }},
		{"commitment", "SOLANA_COMMITMENT", "eventual", func() error { _, err := LoadKeeperConfig(); return err }},
		{"program id", "SWAP_PROGRAM_ID", "not-a-key", func() error { _, err := LoadKeeperConfig(); return err }},
		{"harvest json", "KEEPER_HARVEST_MINTS_JSON", "{", func() error { _, err := LoadKeeperConfig(); return err }},
		{"bool", "KEEPER_SKIP_PREFLIGHT", "maybe", func() error { _, err := LoadKeeperConfig(); return err }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resetRuntimeConfig(t)
			t.Setenv("CONFIG_FILE", "")
			t.Setenv("CONFIG_PHASE", "unit-test-none")
			t.Setenv(tc.key, tc.val)

			err := tc.load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.key) {
				t.Errorf("err = %v, want mention of %s", err, tc.key)
			}
		})
	}
}

func TestParseHarvestTargets(t *testing.T) {
	mintA := solana.NewWallet().PublicKey()
	mintB := solana.NewWallet().PublicKey()
	raw := `{"` + mintA.String() + `": {"min_amount": 500}, "` + mintB.String() + `": {"min_amount": 1, "token_program": "token-2022"}}`

	targets, err := parseHarvestTargets(raw)
	if err != nil {
		t.Fatalf("parseHarvestTargets: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("len = %d, want 2", len(targets))
	}
	byMint := map[solana.PublicKey]HarvestTarget{}
	for _, target := range targets {
		byMint[target.Mint] = target
	}
	if got := byMint[mintA]; got.MinAmount != 500 || !got.TokenProgram.Equals(solana.TokenProgramID) {
		t.Errorf("mint A target = %+v", got)
	}
	if got := byMint[mintB]; got.MinAmount != 1 || !got.TokenProgram.Equals(solana.Token2022ProgramID) {
		t.Errorf("mint B target = %+v", got)
	}
	if targets[0].Mint.String() > targets[1].Mint.String() {
		t.Error("targets not sorted by mint")
	}

	if _, err := parseHarvestTargets(`{"` + mintA.String() + `": {"token_program": "` + mintB.String() + `"}}`); err == nil {
		t.Error("expected error for a non-token program")
	}
}

func TestNormalizeKeySegment(t *testing.T) {
	tests := map[string]string{
		"poll_interval": "POLL_INTERVAL",
		"api-server":    "API_SERVER",
		"  Kafka.Topic": "KAFKA_TOPIC",
		"__":            "",
	}
	for in, want := range tests {
		if got := normalizeKeySegment(in); got != want {
			t.Errorf("normalizeKeySegment(%q) = %q, want %q", in, got, want)
		}
	}
}
