// Command chatserver runs the Parley chat service.
//
// Configuration comes from the environment: SERVER_PORT, MAX_FRAME_SIZE,
// RATE_LIMIT_BURST, RATE_LIMIT_REFILL_INTERVAL, and SHUTDOWN_TIMEOUT.
// The process shuts down gracefully on SIGINT or SIGTERM.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/parleychat/parley/internal/server"
)

func main() {
	cfg := server.NewConfigFromEnv()

	srv := server.New(cfg)
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	if err := srv.Shutdown(cfg.ShutdownTimeout); err != nil {
		log.Printf("Shutdown did not complete cleanly: %v", err)
		os.Exit(1)
	}
}
