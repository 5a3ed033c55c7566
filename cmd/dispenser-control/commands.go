package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pillcrate/dispenser-command/internal/link"
	"github.com/pillcrate/dispenser-command/pkg/dispenser"
	"github.com/pillcrate/dispenser-command/pkg/protocol"
)

var (
	ErrCommandLineArgs    = errors.New("invalid command line arguments")
	ErrUnknownCommand     = errors.New("unrecognized command")
	ErrRequiresConnection = errors.New("command requires a connected dispenser")
)

type Argument struct {
	name string
	help string
}

type Handler func(ctx context.Context, device *dispenser.Dispenser, args map[string]string) error

type Command struct {
	help               string
	requiresConnection bool // True if the command operates the dispenser over the link
	args               []Argument
	optional           []Argument
	handler            Handler
}

// GetCompartment parses a compartment number from the command line.
func GetCompartment(str string) (int, error) {
	compartment, err := strconv.Atoi(str)
	if err != nil {
		return 0, fmt.Errorf("%w: compartment must be a number", ErrCommandLineArgs)
	}
	if compartment < 1 || compartment > protocol.MaxCompartment {
		return 0, fmt.Errorf("%w: compartment must be in the range [1, %d]", ErrCommandLineArgs, protocol.MaxCompartment)
	}
	return compartment, nil
}

// GetCount parses a pill count from the command line. Empty means one pill.
func GetCount(str string) (int, error) {
	if str == "" {
		return 1, nil
	}
	count, err := strconv.Atoi(str)
	if err != nil {
		return 0, fmt.Errorf("%w: count must be a number", ErrCommandLineArgs)
	}
	if count < 1 {
		return 0, fmt.Errorf("%w: count must be positive", ErrCommandLineArgs)
	}
	return count, nil
}

// GetSeconds parses an optional duration argument given in whole seconds.
func GetSeconds(str string, fallback time.Duration) (time.Duration, error) {
	if str == "" {
		return fallback, nil
	}
	seconds, err := strconv.Atoi(str)
	if err != nil || seconds < 1 {
		return 0, fmt.Errorf("%w: SECONDS must be a positive number", ErrCommandLineArgs)
	}
	return time.Duration(seconds) * time.Second, nil
}

func checkReadiness(commandName string, connected bool) (*Command, error) {
	info, ok := commands[commandName]
	if !ok {
		return nil, ErrUnknownCommand
	}
	if info.requiresConnection && !connected {
		return nil, ErrRequiresConnection
	}
	return info, nil
}

func execute(ctx context.Context, device *dispenser.Dispenser, args []string) error {
	if len(args) == 0 {
		return errors.New("missing COMMAND")
	}

	connected := device.Status().State == link.StateReady
	info, err := checkReadiness(args[0], connected)
	if err != nil {
		return err
	}

	if len(args)-1 < len(info.args) || len(args)-1 > len(info.args)+len(info.optional) {
		writeErr("Invalid number of command line arguments: %d (%d required, %d optional).", len(args), len(info.args), len(info.optional))
		err = ErrCommandLineArgs
	} else {
		keywords := make(map[string]string)
		for i, argInfo := range info.args {
			keywords[argInfo.name] = args[i+1]
		}
		index := len(info.args) + 1
		for _, argInfo := range info.optional {
			if index >= len(args) {
				break
			}
			keywords[argInfo.name] = args[index]
			index++
		}
		err = info.handler(ctx, device, keywords)
	}

	// Print command-specific help
	if errors.Is(err, ErrCommandLineArgs) {
		info.Usage(args[0])
	}
	return err
}

func (c *Command) Usage(name string) {
	fmt.Printf("Usage: %s", name)
	maxLength := 0
	for _, arg := range c.args {
		fmt.Printf(" %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Printf(" [")
	}
	for _, arg := range c.optional {
		fmt.Printf(" %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Printf(" ]")
	}
	fmt.Printf("\n%s\n", c.help)
	maxLength++
	for _, arg := range c.args {
		fmt.Printf("    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
	for _, arg := range c.optional {
		fmt.Printf("    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
}

var commands = map[string]*Command{
	"dispense": &Command{
		help:               "Dispense pills from a compartment",
		requiresConnection: true,
		args: []Argument{
			Argument{name: "COMPARTMENT", help: fmt.Sprintf("Compartment number (1-%d)", protocol.MaxCompartment)},
		},
		optional: []Argument{
			Argument{name: "COUNT", help: "Number of pills (default 1)"},
		},
		handler: func(ctx context.Context, device *dispenser.Dispenser, args map[string]string) error {
			compartment, err := GetCompartment(args["COMPARTMENT"])
			if err != nil {
				return err
			}
			count, err := GetCount(args["COUNT"])
			if err != nil {
				return err
			}
			if err := device.Dispense(ctx, compartment, count); err != nil {
				return err
			}
			fmt.Printf("%s\n", device.Status().LastNotification)
			return nil
		},
	},
	"status": &Command{
		help:               "Ask the dispenser to report its state",
		requiresConnection: true,
		handler: func(ctx context.Context, device *dispenser.Dispenser, args map[string]string) error {
			if err := device.RequestStatus(ctx); err != nil {
				return err
			}
			fmt.Printf("%s\n", device.Status().LastNotification)
			return nil
		},
	},
	"reset": &Command{
		help:               "Clear the dispenser's dispense counters",
		requiresConnection: true,
		handler: func(ctx context.Context, device *dispenser.Dispenser, args map[string]string) error {
			return device.ResetStatistics(ctx)
		},
	},
	"send": &Command{
		help:               "Send a raw command frame (diagnostics)",
		requiresConnection: true,
		args: []Argument{
			Argument{name: "FRAME", help: "Raw command text, e.g. 'CALIBRATE:3'"},
		},
		handler: func(ctx context.Context, device *dispenser.Dispenser, args map[string]string) error {
			if err := device.Send(ctx, args["FRAME"]); err != nil {
				return err
			}
			fmt.Printf("%s\n", device.Status().LastNotification)
			return nil
		},
	},
	"scan": &Command{
		help: "Scan for nearby dispensers",
		optional: []Argument{
			Argument{name: "SECONDS", help: "How long to scan (default 10)"},
		},
		handler: func(ctx context.Context, device *dispenser.Dispenser, args map[string]string) error {
			duration, err := GetSeconds(args["SECONDS"], 10*time.Second)
			if err != nil {
				return err
			}
			if err := device.StartDiscovery(ctx); err != nil {
				return err
			}
			select {
			case <-time.After(duration):
			case <-ctx.Done():
			}
			peripherals, err := device.Peripherals(ctx)
			if err != nil {
				return err
			}
			if err := device.StopDiscovery(ctx); err != nil {
				return err
			}
			if len(peripherals) == 0 {
				fmt.Println("No dispensers found")
				return nil
			}
			for _, p := range peripherals {
				name := p.LocalName
				if name == "" {
					name = "(unnamed)"
				}
				fmt.Printf("%s  %4d dBm  %s\n", p.Address, p.RSSI, name)
			}
			return nil
		},
	},
	"connect": &Command{
		help: "Connect to the dispenser at ADDRESS and bind to it",
		args: []Argument{
			Argument{name: "ADDRESS", help: "BLE address from 'scan' output"},
		},
		handler: func(ctx context.Context, device *dispenser.Dispenser, args map[string]string) error {
			if err := device.Connect(ctx, args["ADDRESS"]); err != nil {
				return err
			}
			fmt.Printf("Connected to %s\n", args["ADDRESS"])
			return nil
		},
	},
	"disconnect": &Command{
		help: "Disconnect and forget the bound dispenser",
		handler: func(ctx context.Context, device *dispenser.Dispenser, args map[string]string) error {
			return device.Disconnect(ctx)
		},
	},
	"state": &Command{
		help: "Print the link state without contacting the dispenser",
		handler: func(ctx context.Context, device *dispenser.Dispenser, args map[string]string) error {
			status := device.Status()
			fmt.Printf("State:    %s\n", status.State)
			fmt.Printf("Status:   %s\n", status.StatusText)
			if status.BoundAddress != "" {
				fmt.Printf("Bound to: %s\n", status.BoundAddress)
			}
			if status.LastNotification != "" {
				fmt.Printf("Last reply: %s\n", status.LastNotification)
			}
			if status.LastError != nil {
				fmt.Printf("Last error: %s\n", status.LastError)
			}
			return nil
		},
	},
	"watch": &Command{
		help: "Print link status updates as they happen",
		optional: []Argument{
			Argument{name: "SECONDS", help: "How long to watch (default 30)"},
		},
		handler: func(ctx context.Context, device *dispenser.Dispenser, args map[string]string) error {
			duration, err := GetSeconds(args["SECONDS"], 30*time.Second)
			if err != nil {
				return err
			}
			updates := device.Updates()
			defer device.StopUpdates(updates)
			deadline := time.After(duration)
			for {
				select {
				case status := <-updates:
					fmt.Printf("[%s] %s\n", status.State, status.StatusText)
				case <-deadline:
					return nil
				case <-ctx.Done():
					return nil
				}
			}
		},
	},
}
