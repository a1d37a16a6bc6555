package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"cipherchat/internal/service/app"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatal("Usage: go run main.go <identity>")
	}

	identity := os.Args[1]

	ctx := context.Background()

	client := app.NewApp()
	client.Run(ctx, identity)

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	<-done

	client.Stop()
}
