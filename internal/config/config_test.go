package config

import "testing"

func TestParseDefaults(t *testing.T) {
	raw := []byte(`{
		"accounts": [
			{"id": "a", "authFile": "/auth/a.json"},
			{"id": "b", "authFile": "/auth/b.json", "port": 9200}
		]
	}`)

	cfg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Router.Host != DefaultHost {
		t.Errorf("host = %q, want %q", cfg.Router.Host, DefaultHost)
	}
	if cfg.Router.Strategy != StrategyRoundRobin {
		t.Errorf("strategy = %q, want %q", cfg.Router.Strategy, StrategyRoundRobin)
	}
	if cfg.Accounts[0].Weight != DefaultWeight {
		t.Errorf("weight = %d, want %d", cfg.Accounts[0].Weight, DefaultWeight)
	}
	if cfg.Accounts[0].Port == 0 {
		t.Errorf("expected a default port to be assigned")
	}
	if cfg.Accounts[1].Port != 9200 {
		t.Errorf("port = %d, want 9200", cfg.Accounts[1].Port)
	}
	if !*cfg.Accounts[0].Enabled {
		t.Errorf("expected account to default to enabled")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	raw := []byte(`{
		"accounts": [{"id": "a", "authFile": "/auth/a.json"}],
		"bogus": true
	}`)

	if _, err := Parse(raw); err == nil {
		t.Fatal("expected error for unknown top-level field")
	}
}

func TestParseRejectsBadStrategy(t *testing.T) {
	raw := []byte(`{
		"accounts": [{"id": "a", "authFile": "/auth/a.json"}],
		"router": {"strategy": "bogus"}
	}`)

	if _, err := Parse(raw); err == nil {
		t.Fatal("expected error for invalid strategy")
	}
}

func TestParseRejectsEmptyAccounts(t *testing.T) {
	raw := []byte(`{"accounts": []}`)

	if _, err := Parse(raw); err == nil {
		t.Fatal("expected error for empty accounts")
	}
}

func TestParseRejectsDuplicatePorts(t *testing.T) {
	raw := []byte(`{
		"accounts": [
			{"id": "a", "authFile": "/auth/a.json", "port": 9100},
			{"id": "b", "authFile": "/auth/b.json", "port": 9100}
		]
	}`)

	if _, err := Parse(raw); err == nil {
		t.Fatal("expected error for duplicate ports across enabled accounts")
	}
}

func TestParseAllowsDuplicatePortsWhenOneDisabled(t *testing.T) {
	raw := []byte(`{
		"accounts": [
			{"id": "a", "authFile": "/auth/a.json", "port": 9100},
			{"id": "b", "authFile": "/auth/b.json", "port": 9100, "enabled": false}
		]
	}`)

	if _, err := Parse(raw); err != nil {
		t.Fatalf("Parse: %v", err)
	}
}
