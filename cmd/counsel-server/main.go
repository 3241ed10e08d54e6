package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"

	"counsel/internal/agent/scripted"
	"counsel/internal/server/bootstrap"
)

func main() {
	configPath := flag.String("config", defaultConfigPath(), "observability config file")
	flag.Parse()

	// The scripted runner keeps the server self-contained; real deployments
	// inject an agent-backed implementation of agentports.Runner here.
	runner := scripted.NewEcho()

	if err := bootstrap.RunServer(*configPath, runner); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".counsel", "config.yaml")
}
