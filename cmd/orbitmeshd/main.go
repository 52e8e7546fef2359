package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/orbitmesh/orbitmesh/internal/app"
	"github.com/orbitmesh/orbitmesh/internal/config"
)

// Exit codes per spec §6: 0 normal, 1 fatal startup error, 2 reserved
// for "update pending, restart me" (surfaced by app.Run via os.Exit).
func main() {
	godotenv.Load(".env")

	var cfg config.Config
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatal(err)
	}

	os.Exit(app.Run(&cfg))
}
