// Command ciptargetd runs a simulated EtherNet/IP CIP target: a
// configurable object/attribute registry served over the encapsulation
// protocol, republished to MQTT/Kafka/Valkey, and monitored over a JSON
// event stream and a small HTTP API.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ciptargetd/config"
	"ciptargetd/eip"
	"ciptargetd/eventstream"
	"ciptargetd/kafka"
	"ciptargetd/logging"
	"ciptargetd/mqtt"
	"ciptargetd/publish"
	"ciptargetd/server"
	"ciptargetd/valkey"
	"ciptargetd/web"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	logDebug    = flag.String("log-debug", "", "Enable debug logging to debug.log, limited to a comma-separated list of subsystems (e.g. eip,cip,logix)")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("ciptargetd %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	if *logDebug != "" {
		dbg, err := logging.NewDebugLogger("debug.log")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening debug log: %v\n", err)
			os.Exit(1)
		}
		dbg.SetFilter(*logDebug)
		logging.SetGlobalDebugLogger(dbg)
		defer dbg.Close()
	}

	registry, symbols, err := cfg.Simulator.BuildRegistry()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building simulator registry: %v\n", err)
		os.Exit(1)
	}

	target := server.New(registry, symbols, eip.Identity{
		EncapsulationVersion: 1,
		VendorID:             0x0001,
		ProductCode:          1,
		ProductName:          "ciptargetd simulated target",
		State:                3,
	})

	mqttMgr := mqtt.NewManager()
	mqttMgr.LoadFromConfig(cfg.MQTT, cfg.Namespace)

	valkeyMgr := valkey.NewManager()
	valkeyMgr.LoadFromConfig(cfg.Valkey, cfg.Namespace)

	kafkaMgr := kafka.NewManager()
	kafkaMgr.LoadFromConfigs(cfg.Kafka, cfg.Namespace)

	bridge := publish.NewBridge(registry, symbols).
		SetMQTT(mqttMgr).
		SetKafka(kafkaMgr).
		SetValkey(valkeyMgr)
	bridge.AttachTo()
	if err := bridge.Wire(); err != nil {
		fmt.Fprintf(os.Stderr, "Error wiring tag publishing: %v\n", err)
		os.Exit(1)
	}

	mqttMgr.StartAll()
	valkeyMgr.StartAll()
	kafkaMgr.ConnectEnabled()
	bridge.PublishAll()

	var events *eventstream.Server
	if cfg.EventStream.Enabled {
		events = eventstream.NewServer(registry, symbols)
		events.SetNamespace(cfg.Namespace)
		events.SetLogFunc(func(format string, args ...interface{}) { logging.DebugLog("eventstream", format, args...) })
		if err := events.Start(cfg.EventStream.Listen, cfg.EventStream.BufferSize); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting eventstream server: %v\n", err)
			os.Exit(1)
		}
		defer events.Stop()
	}

	var webServer *web.Server
	if cfg.Web.Enabled {
		webServer = web.NewServer(cfg, registry, target)
		if err := webServer.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting web server: %v\n", err)
			os.Exit(1)
		}
		defer webServer.Stop()
	}

	if err := target.Start(cfg.Listen.Addr()); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting EtherNet/IP server: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("ciptargetd listening on %s\n", cfg.Listen.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("shutting down...")
	target.Stop()
	mqttMgr.StopAll()
	valkeyMgr.StopAll()
	kafkaMgr.StopAll()
}
