package main

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"go.uber.org/fx"

	"github.com/matheus3301/relay/internal/daemon"
)

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".relay", "config.toml")
}

func main() {
	configFlag := flag.String("config", defaultConfigPath(), "path to config.toml")
	flag.Parse()

	// Optional .env for RELAY_ADDR / RELAY_DATA_DIR overrides.
	_ = godotenv.Load()

	app := fx.New(
		daemon.Module(daemon.Params{ConfigPath: *configFlag}),
	)

	app.Run()
}
