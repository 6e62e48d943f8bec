// Package main starts the presence real-time service and handles termination.
//
// The process is a transport adapter around guardian presence and help
// assignment so clients derive their whole view from broadcast frames.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	presencecmd "github.com/tpflaum/Guardian/internal/cmd/presence"
)

func main() {
	cfg, err := presencecmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[PRESENCE] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := presencecmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
