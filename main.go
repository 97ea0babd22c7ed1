package main

import (
	"onemcp/cmd"

	"github.com/joho/godotenv"
)

// version is injected at build time via -ldflags.
var version = "dev"

func main() {
	// Best-effort: a .env in the working directory may carry host/port overrides.
	_ = godotenv.Load()

	cmd.SetVersion(version)
	cmd.Execute()
}
