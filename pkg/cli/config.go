/*
Package cli facilitates building command-line applications that control pill
dispensers. It defines a [Config] type that can be used to register common
command-line flags (using the Golang flag package), environment variable
equivalents, and an optional TOML configuration file.

The package uses [keyring]'s platform-agnostic interface when the device
binding should live in an OS-dependent credential store rather than a plain
file.

# Examples

	import flag

	config, err := cli.NewConfig(cli.FlagAll)
	if err != nil {
		panic(err)
	}
	config.RegisterCommandLineFlags() // Adds flags for the device address, adapter, etc.
	flag.Parse()
	config.ReadFromEnvironment() // Fills in missing fields using environment variables
	if err := config.LoadConfigFile(); err != nil {
		panic(err)
	}

	device, err := config.Connect(ctx)
	if err != nil {
		panic(err)
	}
	defer device.Stop()

Precedence is command-line flags, then environment variables, then the
configuration file. Note that config.Flags must be set before calling
[flag.Parse] or [Config.ReadFromEnvironment].
*/
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/99designs/keyring"
	"github.com/BurntSushi/toml"

	"github.com/pillcrate/dispenser-command/internal/log"
	"github.com/pillcrate/dispenser-command/pkg/binding"
	"github.com/pillcrate/dispenser-command/pkg/dispenser"
)

// Environment variable names used by [Config.ReadFromEnvironment] to set
// common parameters.
const (
	EnvDispenserAddress     = "DISPENSER_ADDRESS"
	EnvDispenserBtAdapter   = "DISPENSER_BT_ADAPTER"
	EnvDispenserConfigFile  = "DISPENSER_CONFIG_FILE"
	EnvDispenserBindingFile = "DISPENSER_BINDING_FILE"
	EnvKeyringType          = "DISPENSER_KEYRING_TYPE"
	EnvKeyringPass          = "DISPENSER_KEYRING_PASSWORD"
	EnvKeyringPath          = "DISPENSER_KEYRING_PATH"
	EnvKeyringDebug         = "DISPENSER_KEYRING_DEBUG"
)

const (
	defaultBindingFile = "~/.dispenser/binding.json"
	defaultConfigFile  = "~/.dispenser/config.toml"
)

// Flag controls what options should be scanned from the command line and/or
// environment variables.
type Flag int

func (f Flag) isSet(other Flag) bool {
	return (f & other) == other
}

const (
	FlagAddress Flag = 1 // Enable device-address option.
	FlagAdapter Flag = 2 // Enable Bluetooth adapter options.
	FlagBinding Flag = 4 // Enable binding-store options.
	FlagAll     Flag = FlagAddress | FlagAdapter | FlagBinding
)

var ErrNoDevice = errors.New("no dispenser address provided and no device bound")

// Config fields determine how a client finds its dispenser and where it keeps
// the device binding.
type Config struct {
	Flags Flag // Controls which set of environment variables/CLI flags to use.

	// Address of the dispenser to connect to. When empty, the bound device
	// from the binding store is used.
	Address string

	// AdapterID selects the local Bluetooth adapter (e.g. "hci0" on Linux).
	// Empty means the platform default.
	AdapterID string

	// ConfigFilename is an optional TOML file read by LoadConfigFile.
	ConfigFilename string

	// BindingFilename locates the file-backed binding store. Ignored when a
	// keyring backend is selected.
	BindingFilename string

	Backend     keyring.Config
	BackendType backendType
	Debug       bool // Enable keyring debug messages

	// Radio holds link tuning read from the config file's [radio] table.
	Radio dispenser.Config

	password *string
}

func NewConfig(flags Flag) (*Config, error) {
	c := Config{
		Flags: flags,
		Backend: keyring.Config{
			ServiceName:              keyringServiceName,
			KeychainTrustApplication: true,
			KeyCtlScope:              "user",
		},
	}
	c.BackendType = backendType{&c}
	c.Backend.KeychainPasswordFunc = c.getPassword
	c.Backend.FilePasswordFunc = c.getPassword
	return &c, nil
}

func (c *Config) RegisterCommandLineFlags() {
	if c.Flags.isSet(FlagAddress) {
		flag.StringVar(&c.Address, "address", "", "Dispenser BLE `address`. Defaults to $DISPENSER_ADDRESS, then the bound device.")
	}
	if c.Flags.isSet(FlagAdapter) {
		flag.StringVar(&c.AdapterID, "bt-adapter", "", "`ID` of the Bluetooth adapter to use. Defaults to the platform default.")
	}
	flag.StringVar(&c.ConfigFilename, "config", "", "Read settings from TOML `file`. Defaults to $DISPENSER_CONFIG_FILE.")
	if c.Flags.isSet(FlagBinding) {
		flag.StringVar(&c.BindingFilename, "binding-file", "", "Keep the device binding in `file`. Defaults to "+defaultBindingFile+".")
		var names []string
		for _, name := range keyring.AvailableBackends() {
			names = append(names, string(name))
		}
		sort.Strings(names)
		flag.Var(&c.BackendType, "keyring-type", "Keep the device binding in a system keyring of `type` ("+strings.Join(names, "|")+"). Defaults to $DISPENSER_KEYRING_TYPE.")
		flag.StringVar(&c.Backend.FileDir, "keyring-file-dir", keyringDirectory, "keyring `directory` for file-backed keyring types")
		flag.BoolVar(&c.Debug, "keyring-debug", false, "Enable keyring debug logging")
	}
}

// ReadFromEnvironment populates c using environment variables. Values that
// are already populated are not overwritten.
//
// Calling ReadFromEnvironment after flag.Parse() (or other initialization
// method) will prevent the environment from overriding explicit command-line
// parameters.
func (c *Config) ReadFromEnvironment() {
	if c.Flags.isSet(FlagAddress) && c.Address == "" {
		c.Address = os.Getenv(EnvDispenserAddress)
		log.Debug("Set address to '%s'", c.Address)
	}
	if c.Flags.isSet(FlagAdapter) && c.AdapterID == "" {
		c.AdapterID = os.Getenv(EnvDispenserBtAdapter)
		log.Debug("Set Bluetooth adapter to '%s'", c.AdapterID)
	}
	if c.ConfigFilename == "" {
		c.ConfigFilename = os.Getenv(EnvDispenserConfigFile)
		log.Debug("Set config file to '%s'", c.ConfigFilename)
	}
	if c.Flags.isSet(FlagBinding) {
		if c.BindingFilename == "" {
			c.BindingFilename = os.Getenv(EnvDispenserBindingFile)
			log.Debug("Set binding file to '%s'", c.BindingFilename)
		}
		if c.BackendType.String() == string(keyring.InvalidBackend) {
			if err := c.BackendType.Set(os.Getenv(EnvKeyringType)); err == nil {
				log.Debug("Set keyring type to '%s'", c.BackendType)
			}
		}
		if c.password == nil {
			password := os.Getenv(EnvKeyringPass)
			c.password = &password
			if len(password) > 0 {
				log.Debug("Set keyring password from environment")
			}
		}
		if c.Backend.FileDir == "" {
			c.Backend.FileDir = os.Getenv(EnvKeyringPath)
			log.Debug("Set keyring file path to '%s'", c.Backend.FileDir)
		}
		if !c.Debug {
			_, c.Debug = os.LookupEnv(EnvKeyringDebug)
		}
	}
}

// configFile mirrors the TOML configuration file schema:
//
//	address = "C4:F3:12:0A:9B:01"
//	adapter = "hci1"
//
//	[binding]
//	backend = "file"
//	file = "~/.dispenser/binding.json"
//
// The optional [radio] table tunes the BLE link; durations use Go syntax
// ("10s", "500ms"):
//
//	[radio]
//	command_timeout = "10s"
//	reconnect_interval = "5s"
//	max_reconnect_attempts = 5
type configFile struct {
	Address string `toml:"address"`
	Adapter string `toml:"adapter"`
	Binding struct {
		Backend string `toml:"backend"`
		File    string `toml:"file"`
		Dir     string `toml:"dir"`
	} `toml:"binding"`
	Radio struct {
		ServiceUUID          string `toml:"service_uuid"`
		CharacteristicUUID   string `toml:"characteristic_uuid"`
		ConnectTimeout       string `toml:"connect_timeout"`
		CommandTimeout       string `toml:"command_timeout"`
		ReconnectInterval    string `toml:"reconnect_interval"`
		MaxReconnectAttempts int    `toml:"max_reconnect_attempts"`
		MaxAttempts          int    `toml:"max_attempts"`
	} `toml:"radio"`
}

// LoadConfigFile reads c.ConfigFilename and fills in fields that are still
// unpopulated. When no filename is configured, the well-known location
// ~/.dispenser/config.toml is read if it exists.
func (c *Config) LoadConfigFile() error {
	if c.ConfigFilename == "" {
		if !statDefaultConfig(defaultConfigFile) {
			return nil
		}
		c.ConfigFilename = defaultConfigFile
	}
	var file configFile
	if _, err := toml.DecodeFile(expandHome(c.ConfigFilename), &file); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if c.Address == "" {
		c.Address = file.Address
	}
	if c.AdapterID == "" {
		c.AdapterID = file.Adapter
	}
	if c.BindingFilename == "" {
		c.BindingFilename = file.Binding.File
	}
	if file.Binding.Backend != "" && file.Binding.Backend != "file" &&
		c.BackendType.String() == string(keyring.InvalidBackend) {
		if err := c.BackendType.Set(file.Binding.Backend); err != nil {
			return fmt.Errorf("config file: %w", err)
		}
	}
	if c.Backend.FileDir == "" {
		c.Backend.FileDir = file.Binding.Dir
	}

	c.Radio.ServiceUUID = file.Radio.ServiceUUID
	c.Radio.CharacteristicUUID = file.Radio.CharacteristicUUID
	c.Radio.MaxReconnectAttempts = file.Radio.MaxReconnectAttempts
	c.Radio.MaxAttempts = file.Radio.MaxAttempts
	for _, d := range []struct {
		value string
		field *time.Duration
	}{
		{file.Radio.ConnectTimeout, &c.Radio.ConnectTimeout},
		{file.Radio.CommandTimeout, &c.Radio.CommandTimeout},
		{file.Radio.ReconnectInterval, &c.Radio.ReconnectInterval},
	} {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("config file: invalid duration %q: %w", d.value, err)
		}
		*d.field = parsed
	}
	return nil
}

// Store returns the binding store selected by c: a system keyring when a
// keyring type is configured, otherwise a JSON file.
func (c *Config) Store() (binding.Store, error) {
	if c.BackendType.String() != string(keyring.InvalidBackend) {
		return binding.NewKeyringStore(c.Backend)
	}
	path := c.BindingFilename
	if path == "" {
		path = defaultBindingFile
	}
	return binding.NewFileStore(expandHome(path)), nil
}

// Connect opens the Bluetooth adapter, starts a dispenser client, and
// connects to the configured device: c.Address if set, otherwise the bound
// device from the binding store. With neither, the returned client is
// started but not connected, which suffices for discovery.
func (c *Config) Connect(ctx context.Context) (*dispenser.Dispenser, error) {
	store, err := c.Store()
	if err != nil {
		return nil, err
	}
	adapter, err := NewAdapter(c.AdapterID)
	if err != nil {
		return nil, err
	}
	device, err := dispenser.NewWithConfig(adapter, store, c.Radio)
	if err != nil {
		adapter.Close()
		return nil, err
	}
	if err := device.Start(ctx); err != nil {
		adapter.Close()
		return nil, err
	}

	address := c.Address
	if address == "" {
		address, err = store.Load()
		if errors.Is(err, binding.ErrNotBound) {
			return device, nil
		}
		if err != nil {
			device.Stop()
			return nil, err
		}
	}
	log.Info("Connecting to %s...", address)
	if err := device.Connect(ctx, address); err != nil {
		device.Stop()
		return nil, err
	}
	return device, nil
}

// ConnectRequired behaves like Connect but fails with ErrNoDevice instead of
// returning an unconnected client.
func (c *Config) ConnectRequired(ctx context.Context) (*dispenser.Dispenser, error) {
	device, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	if device.Status().BoundAddress == "" {
		device.Stop()
		return nil, ErrNoDevice
	}
	return device, nil
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// statDefaultConfig reports whether the well-known config file exists.
func statDefaultConfig(path string) bool {
	_, err := os.Stat(expandHome(path))
	return !errors.Is(err, fs.ErrNotExist)
}
