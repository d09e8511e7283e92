//go:build linux || darwin || freebsd
// +build linux darwin freebsd

package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jedisocks/tunneld/internal/stats"
)

// waitForSignal blocks until SIGINT or SIGTERM arrives, then closes
// shutdown so the accept loops can wind down. SIGUSR1 dumps the
// current counters to the log without triggering shutdown.
func waitForSignal(shutdown chan<- struct{}) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	signal.Ignore(syscall.SIGPIPE)

	for sig := range ch {
		switch sig {
		case syscall.SIGUSR1:
			log.Printf("stats: %+v", stats.DefaultSnmp.ToSlice())
		case syscall.SIGINT, syscall.SIGTERM:
			close(shutdown)
			return
		}
	}
}
