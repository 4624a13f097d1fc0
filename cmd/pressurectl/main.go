package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arnisz/UniversalPressureController/internal/bus"
	"github.com/arnisz/UniversalPressureController/internal/console"
	"github.com/arnisz/UniversalPressureController/internal/control"
	"github.com/arnisz/UniversalPressureController/internal/events"
	"github.com/arnisz/UniversalPressureController/internal/instrument"
	"github.com/arnisz/UniversalPressureController/internal/logger"
	"github.com/arnisz/UniversalPressureController/internal/mqtt"
	"github.com/arnisz/UniversalPressureController/internal/server"
	"github.com/arnisz/UniversalPressureController/web"
)

func main() {
	configPath := flag.String("config", server.DefaultConfigPath, "Path to config file")
	demo := flag.Bool("demo", false, "Run against the simulated instrument")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	interactive := flag.Bool("console", false, "Start the interactive operator console")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] pressurectl starting")

	// Load config
	cfg := server.LoadConfig(*configPath)

	if *demo {
		cfg.SetAddress("sim://")
		cfg.Bus.AutoConnect = true
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *interactive {
		cfg.Console.Enabled = true
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	hub := events.NewHub(0)

	busOpts := cfg.BusOptions()
	inst := instrument.New(func(address string) (bus.Session, error) {
		return bus.Open(address, busOpts)
	}, hub)

	ctrl := control.New(inst, hub, cfg.ControlConfig(), cfg.BuildChannels())
	defer ctrl.Close()
	go ctrl.Run(ctx)

	// Event log
	evLog := logger.New(logger.Config{
		Enabled:       cfg.Logging.Enabled,
		Path:          cfg.Logging.Path,
		Communication: cfg.Logging.Communication,
		MaxRows:       cfg.Logging.MaxRows,
	})
	go evLog.Run(ctx, hub)

	// MQTT bridge (optional)
	if cfg.MQTT.Enabled {
		bridge, err := mqtt.Connect(mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         byte(cfg.MQTT.QoS),
		}, ctrl)
		if err != nil {
			log.Printf("[main] mqtt disabled: %v", err)
		} else {
			go bridge.Run(ctx, hub)
		}
	}

	// Try connecting with exponential backoff (non-blocking, the server starts regardless)
	if cfg.Bus.AutoConnect {
		go connectWithRetry(ctx, "bus", ctrl, cfg.Address, 10)
	}

	// Operator console
	if cfg.Console.Enabled {
		con, err := console.New(ctrl, console.Options{
			Address: cfg.Address,
			Save: func() error {
				cfg.StoreSetpoints(ctrl.Channels())
				return cfg.Save()
			},
			Hub:      hub,
			Recorder: evLog,
		})
		if err != nil {
			log.Printf("[main] console disabled: %v", err)
		} else {
			log.SetOutput(con.Stdout())
			go con.Run(ctx, cancel)
		}
	}

	// Start server, works immediately even if the instrument is still connecting
	srv := server.New(cfg, ctrl, hub, web.FS)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
	ctrl.Disconnect()
}

type connectable interface {
	Connect(ctx context.Context, address string) bool
	IsConnected() bool
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, name string, c connectable, address func() string, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// connected meanwhile from the UI or console
		if c.IsConnected() {
			return
		}

		addr := address()
		if !c.Connect(ctx, addr) {
			attempt++
			if attempt <= maxAttempts {
				log.Printf("[%s] connect attempt %d/%d to %s failed (retry in %v)",
					name, attempt, maxAttempts, addr, delay)
			} else {
				log.Printf("[%s] connect attempt %d to %s failed (retry in %v)",
					name, attempt, addr, delay)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		} else {
			log.Printf("[%s] connected successfully (attempt %d)", name, attempt+1)
			return
		}
	}
}
