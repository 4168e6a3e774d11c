package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cortex-x/go-nfc-motor-bridge/internal/api"
	"github.com/cortex-x/go-nfc-motor-bridge/internal/config"
	"github.com/cortex-x/go-nfc-motor-bridge/internal/infra/device"
	"github.com/cortex-x/go-nfc-motor-bridge/internal/infra/motor"
	"github.com/cortex-x/go-nfc-motor-bridge/internal/infra/smartcard"
	"github.com/cortex-x/go-nfc-motor-bridge/internal/infra/websocket"
	"github.com/cortex-x/go-nfc-motor-bridge/internal/journal"
	"github.com/cortex-x/go-nfc-motor-bridge/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Set up logging
	if cfg.Log.Level == "debug" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	} else {
		log.SetFlags(log.LstdFlags)
	}

	j := journal.New(cfg.Journal.MaxLines)
	registry := device.NewRegistry()
	hub := websocket.NewHub()
	relayCtx, stopRelays := context.WithCancel(context.Background())
	defer stopRelays()

	factory := smartcard.PCSCFactory{}
	engine := smartcard.NewEngine(factory, registry, j)
	defer engine.Close()

	watch := service.NewCardWatch(func() service.Monitor {
		m := smartcard.NewMonitor(factory, engine, registry, j)
		m.PollInterval = cfg.Card.PollInterval
		return m
	}, j)
	cardEvents, cancelCardEvents := watch.Subscribe()
	defer cancelCardEvents()
	go hub.RelayCardEvents(relayCtx, cardEvents)

	motors := service.NewMotorControl(func(port string) service.MotorEngine {
		return motor.NewEngine(motor.Config{
			PortName:    port,
			BaudRate:    cfg.Motor.Baud,
			Timeout:     cfg.Motor.Timeout,
			ReadTimeout: cfg.Motor.ReadTimeout,
		}, motor.OpenSerial, registry, j)
	}, j)
	responses, cancelResponses := motors.Subscribe()
	defer cancelResponses()
	go hub.RelayMotorResponses(relayCtx, responses)

	if cfg.Motor.StopOnCard {
		inserted, cancelInserted := watch.Subscribe()
		defer cancelInserted()
		go service.StopMotorOnInsert(relayCtx, inserted, motors, j)
	}

	// Initialize card monitoring
	reader := cfg.Card.Reader
	if reader == "" {
		readers, err := smartcard.ListReaders(factory)
		if err != nil {
			log.Printf("Warning: Failed to list card readers: %v", err)
		} else if len(readers) > 0 {
			reader = readers[0]
		}
	}
	if reader == "" {
		log.Println("Warning: No card reader found, select one with POST /card/watch")
	} else if err := watch.Start(reader); err != nil {
		log.Printf("Failed to start card monitoring: %v", err)
	} else {
		log.Printf("Card reader monitoring started on %s", reader)
	}

	// Initialize motor controller
	if cfg.Motor.Port == "" {
		log.Println("No motor port configured, select one with POST /motor/connect")
	} else if err := motors.ConnectPort(cfg.Motor.Port); err != nil {
		log.Printf("Warning: Motor not connected yet: %v", err)
	}

	deps := api.Deps{
		Hub:     hub,
		Monitor: watch,
		Card:    engine,
		Motor:   motors,
		Journal: j,
		Readers: func() ([]string, error) { return smartcard.ListReaders(factory) },
		Ports:   motor.ListPorts,
		Reader:  reader,
	}

	// Create and start server
	server := api.NewServer(cfg, deps)

	go func() {
		if err := server.Start(); err != nil {
			log.Printf("Server stopped: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	stopRelays()
	watch.Close()
	motors.Close()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
