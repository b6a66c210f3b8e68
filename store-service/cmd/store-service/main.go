package main

import (
	"log"

	"intershop/store-service/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatalf("store service failed: %v", err)
	}
}
