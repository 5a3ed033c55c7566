package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestReadFromEnvironment(t *testing.T) {
	t.Setenv(EnvDispenserAddress, "C4:F3:12:0A:9B:01")
	t.Setenv(EnvDispenserBtAdapter, "hci1")

	config, err := NewConfig(FlagAll)
	if err != nil {
		t.Fatal(err)
	}
	config.ReadFromEnvironment()

	if config.Address != "C4:F3:12:0A:9B:01" {
		t.Errorf("address not read from environment: %q", config.Address)
	}
	if config.AdapterID != "hci1" {
		t.Errorf("adapter not read from environment: %q", config.AdapterID)
	}
}

func TestEnvironmentDoesNotOverrideFlags(t *testing.T) {
	t.Setenv(EnvDispenserAddress, "C4:F3:12:0A:9B:01")

	config, err := NewConfig(FlagAll)
	if err != nil {
		t.Fatal(err)
	}
	config.Address = "AA:AA:AA:AA:AA:AA"
	config.ReadFromEnvironment()

	if config.Address != "AA:AA:AA:AA:AA:AA" {
		t.Errorf("environment overrode explicit address: %q", config.Address)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `
address = "C4:F3:12:0A:9B:01"
adapter = "hci1"

[binding]
file = "/var/lib/dispenser/binding.json"

[radio]
command_timeout = "15s"
max_reconnect_attempts = 8
`
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatal(err)
	}

	config, err := NewConfig(FlagAll)
	if err != nil {
		t.Fatal(err)
	}
	config.ConfigFilename = path
	if err := config.LoadConfigFile(); err != nil {
		t.Fatal(err)
	}

	if config.Address != "C4:F3:12:0A:9B:01" {
		t.Errorf("address not read from file: %q", config.Address)
	}
	if config.AdapterID != "hci1" {
		t.Errorf("adapter not read from file: %q", config.AdapterID)
	}
	if config.BindingFilename != "/var/lib/dispenser/binding.json" {
		t.Errorf("binding file not read from file: %q", config.BindingFilename)
	}
	if config.Radio.CommandTimeout != 15*time.Second {
		t.Errorf("command timeout not read from file: %s", config.Radio.CommandTimeout)
	}
	if config.Radio.MaxReconnectAttempts != 8 {
		t.Errorf("reconnect cap not read from file: %d", config.Radio.MaxReconnectAttempts)
	}
}

func TestLoadConfigFileRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `
[radio]
command_timeout = "soon"
`
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatal(err)
	}
	config, err := NewConfig(FlagAll)
	if err != nil {
		t.Fatal(err)
	}
	config.ConfigFilename = path
	if err := config.LoadConfigFile(); err == nil {
		t.Error("expected error for unparseable duration")
	}
}

func TestConfigFileDoesNotOverrideFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(`address = "C4:F3:12:0A:9B:01"`), 0600); err != nil {
		t.Fatal(err)
	}

	config, err := NewConfig(FlagAll)
	if err != nil {
		t.Fatal(err)
	}
	config.ConfigFilename = path
	config.Address = "AA:AA:AA:AA:AA:AA"
	if err := config.LoadConfigFile(); err != nil {
		t.Fatal(err)
	}

	if config.Address != "AA:AA:AA:AA:AA:AA" {
		t.Errorf("config file overrode explicit address: %q", config.Address)
	}
}

func TestBackendTypeRejectsUnknown(t *testing.T) {
	config, err := NewConfig(FlagBinding)
	if err != nil {
		t.Fatal(err)
	}
	if err := config.BackendType.Set("not-a-real-keyring"); err == nil {
		t.Error("expected error for unknown keyring type")
	}
	if err := config.BackendType.Set(""); err != nil {
		t.Errorf("empty keyring type should be a no-op: %s", err)
	}
}

func TestStoreDefaultsToFile(t *testing.T) {
	config, err := NewConfig(FlagBinding)
	if err != nil {
		t.Fatal(err)
	}
	config.BindingFilename = filepath.Join(t.TempDir(), "binding.json")
	store, err := config.Store()
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Save("C4:F3:12:0A:9B:01"); err != nil {
		t.Fatal(err)
	}
	address, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if address != "C4:F3:12:0A:9B:01" {
		t.Errorf("unexpected address: %q", address)
	}
}
