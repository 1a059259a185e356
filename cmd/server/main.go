package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"chatter/internal/creds"
	"chatter/internal/registry"
	"chatter/internal/server"
)

func main() {
	addr := flag.String("addr", ":9998", "TCP address to listen on")
	wsAddr := flag.String("ws", "", "optional HTTP address for the WebSocket transport (e.g. :9999)")
	adminFile := flag.String("admins", ".admins", "admin credentials file (username password-hash per line)")
	flag.Parse()

	admins, err := creds.Load(*adminFile)
	if err != nil {
		log.Fatalf("load admins: %v", err)
	}
	watcher, err := admins.Watch()
	if err != nil {
		log.Printf("[server] admin file watch disabled: %v", err)
	}

	srv := server.New(registry.New(admins))

	if *wsAddr != "" {
		go func() {
			if err := srv.ListenAndServeWS(*wsAddr); err != nil {
				log.Printf("[ws] stopped: %v", err)
			}
		}()
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Println("[server] shutting down…")
		if watcher != nil {
			watcher.Close()
		}
		srv.Shutdown()
	}()

	if err := srv.ListenAndServe(*addr); err != nil {
		log.Printf("[server] stopped: %v", err)
	}
}
