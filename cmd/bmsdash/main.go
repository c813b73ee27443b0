package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaunagostinho/litime-dash/internal/ble"
	"github.com/shaunagostinho/litime-dash/internal/bms"
	"github.com/shaunagostinho/litime-dash/internal/server"
	"github.com/shaunagostinho/litime-dash/web"
)

// demoAddress names the simulated battery.
const demoAddress = "C8:47:80:00:DE:40"

func main() {
	configPath := flag.String("config", "/etc/bmsdash/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run with a simulated battery")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] bmsdash starting")

	// Load config
	cfg := server.LoadConfig(*configPath)

	if *demo {
		cfg.BMS.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
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

	tr, err := newTransport(cfg)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}
	drvCfg := cfg.DriverConfig()
	if cfg.BMS.Type == "demo" && drvCfg.Bridge.Address == "" {
		drvCfg.Bridge.Address = demoAddress
	}
	if drvCfg.Bridge.Address == "" {
		log.Fatalf("[main] bms.address is required (or run with -demo)")
	}

	srv := server.New(cfg, web.FS)

	// Bring the battery link up in the background; the dashboard starts regardless
	go func() {
		d := connectWithRetry(ctx, "BMS", func() *bms.Driver {
			return bms.NewDriver(drvCfg, tr)
		}, 10)
		if d == nil {
			return
		}
		srv.SetProvider(d)
		<-ctx.Done()
		srv.SetProvider(nil)
		d.Close()
		log.Printf("[main] battery link released")
	}()

	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
}

// newTransport picks the radio path for the configured battery.
func newTransport(cfg *server.Config) (ble.Transport, error) {
	if cfg.BMS.Type == "demo" {
		return bms.NewDemoTransport(), nil
	}
	switch cfg.BMS.Transport {
	case "serial":
		return ble.NewSerial(ble.SerialConfig{
			PortPath: cfg.BMS.PortPath,
			BaudRate: cfg.BMS.BaudRate,
		}), nil
	default:
		return ble.NewTinyGo(nil)
	}
}

// connectWithRetry starts a fresh driver until one starts, with exponential
// backoff. Starts at 1s, doubles each attempt up to 60s, retries up to
// maxAttempts then continues at max interval indefinitely. A failed Start is
// terminal for its driver, so each attempt builds a new one. Returns nil if
// ctx ends first.
func connectWithRetry(ctx context.Context, name string, newDriver func() *bms.Driver, maxAttempts int) *bms.Driver {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		d := newDriver()
		if err := d.Start(ctx); err != nil {
			d.Close()
			attempt++
			if attempt <= maxAttempts {
				log.Printf("[%s] start attempt %d/%d failed: %v (retry in %v)",
					name, attempt, maxAttempts, err, delay)
			} else {
				log.Printf("[%s] start attempt %d failed: %v (retry in %v)",
					name, attempt, err, delay)
			}

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		} else {
			log.Printf("[%s] started %s (attempt %d)", name, d.CustomName(), attempt+1)
			return d
		}
	}
}
