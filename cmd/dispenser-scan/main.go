// dispenser-scan lists nearby dispensers without touching the device binding.
// Useful for checking that the local Bluetooth adapter works at all.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pillcrate/dispenser-command/internal/log"
	"github.com/pillcrate/dispenser-command/pkg/cli"
	"github.com/pillcrate/dispenser-command/pkg/transport"
)

var (
	btAdapter = flag.String("bt-adapter", "", "Optional ID of Bluetooth adapter to use (Linux only)")
	verbose   = flag.Bool("debug", false, "Enable verbose debugging messages")
)

func main() {
	flag.Parse()
	if *verbose {
		log.SetLevel(log.LevelDebug)
	}

	if *btAdapter != "" {
		log.Info("Trying to use BLE adapter: %s", *btAdapter)
	} else {
		log.Info("Using default BLE adapter")
	}
	adapter, err := cli.NewAdapter(*btAdapter)
	if err != nil {
		if strings.Contains(err.Error(), "failed to find a BLE device") {
			log.Error("No BLE device found")
		} else {
			log.Error("Failed to initialize BLE device: %s", err)
		}
		os.Exit(1)
	}
	defer adapter.Close()

	log.Info("BLE adapter initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	doneChan := make(chan struct{})
	seen := make(map[string]bool)
	go func() {
		err := adapter.Scan(ctx, func(p transport.Peripheral) {
			if seen[p.Address] {
				return
			}
			seen[p.Address] = true
			name := p.LocalName
			if name == "" {
				name = "(unnamed)"
			}
			fmt.Printf("%s  %4d dBm  %s\n", p.Address, p.RSSI, name)
		})
		if err != nil && ctx.Err() == nil {
			log.Error("Scan failed: %s", err)
		}
		close(doneChan)
	}()
	log.Info("Scanning for BLE devices until interrupted")

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)
	<-signalChan
	log.Info("Stopping scan")
	if err := adapter.StopScan(); err != nil {
		log.Error("Failed to stop scan: %s", err)
	}
	cancel()
	<-doneChan
}
