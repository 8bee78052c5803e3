package main

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestParseReplicaOf(t *testing.T) {
	tests := []struct {
		in       string
		host     string
		port     int
		hasError bool
	}{
		{"localhost 6379", "localhost", 6379, false},
		{"10.0.0.5   6380", "10.0.0.5", 6380, false},
		{"localhost:6379", "localhost", 6379, false},
		{"[::1]:6379", "::1", 6379, false},
		{"localhost", "", 0, true},
		{"localhost abc", "", 0, true},
		{"localhost 0", "", 0, true},
		{"localhost 70000", "", 0, true},
		{"a b c", "", 0, true},
	}

	for _, tt := range tests {
		host, port, err := parseReplicaOf(tt.in)
		if tt.hasError {
			if err == nil {
				t.Errorf("%q: expected error, got %s:%d", tt.in, host, port)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error: %v", tt.in, err)
			continue
		}
		if host != tt.host || port != tt.port {
			t.Errorf("%q: expected %s:%d, got %s:%d", tt.in, tt.host, tt.port, host, port)
		}
	}
}

func TestMaxClientsFlagDefaultsToUnlimited(t *testing.T) {
	f := rootCmd.Flags().Lookup("maxclients")
	if f == nil {
		t.Fatal("maxclients flag not registered")
	}
	if f.DefValue != "0" {
		t.Errorf("expected maxclients default 0, got %s", f.DefValue)
	}
}

func newViper(overrides map[string]any) *viper.Viper {
	v := viper.New()
	v.SetDefault("port", 6379)
	v.SetDefault("maxclients", 0)
	v.SetDefault("dir", ".")
	v.SetDefault("dbfilename", "dump.rdb")
	v.SetDefault("repl-backlog-size", 1<<20)
	v.SetDefault("repl-ping-replica-period", 10)
	for k, val := range overrides {
		v.Set(k, val)
	}
	return v
}

func TestLoadOptions_Primary(t *testing.T) {
	o, err := loadOptions(newViper(map[string]any{
		"port":    7000,
		"timeout": 30,
		"dir":     "/tmp/rkv",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.server.Port != 7000 || o.server.IdleTimeout != 30*time.Second || o.server.MaxConnections != 0 {
		t.Errorf("unexpected server config: %+v", o.server)
	}
	if o.persist.Dir != "/tmp/rkv" || o.persist.DBFilename != "dump.rdb" {
		t.Errorf("unexpected persistence config: %+v", o.persist)
	}
	if o.replicaOf != "" || o.masterHost != "" {
		t.Errorf("expected primary, got replicaof %q", o.replicaOf)
	}
	if o.pingPeriod != 10*time.Second {
		t.Errorf("expected 10s ping period, got %v", o.pingPeriod)
	}
}

func TestLoadOptions_Replica(t *testing.T) {
	o, err := loadOptions(newViper(map[string]any{
		"port":      6380,
		"replicaof": " localhost 6379 ",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.masterHost != "localhost" || o.masterPort != 6379 {
		t.Errorf("expected localhost:6379, got %s:%d", o.masterHost, o.masterPort)
	}
}

func TestLoadOptions_Invalid(t *testing.T) {
	for name, overrides := range map[string]map[string]any{
		"port":      {"port": 70000},
		"backlog":   {"repl-backlog-size": 0},
		"replicaof": {"replicaof": "nowhere"},
	} {
		if _, err := loadOptions(newViper(overrides)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
