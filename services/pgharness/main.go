package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/isnastish/pgharness/pkg/log"
)

// notifyContext is cancelled on the first SIGINT or SIGTERM. The suite
// then stops and tears its containers down; a second signal kills the process.
func notifyContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())

	osSigChan := make(chan os.Signal, 1)
	signal.Notify(osSigChan, syscall.SIGINT, syscall.SIGTERM)

	doneChan := make(chan struct{})
	go func() {
		select {
		case sig := <-osSigChan:
			log.Logger.Warn("Received %v, cleaning up", sig)
			cancel()
			signal.Reset(syscall.SIGINT, syscall.SIGTERM)
		case <-doneChan:
		}
	}()

	return ctx, func() {
		signal.Stop(osSigChan)
		close(doneChan)
		cancel()
	}
}

func main() {
	os.Exit(NewApp().Execute())
}
