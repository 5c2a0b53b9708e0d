package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/eyevi-dev/hostagent"
)

var (
	// Version information (set via ldflags)
	Version = "dev"

	// Command line flags
	configFile = flag.String("config", getEnv("CONFIG_FILE", "config/hostagent.yaml"), "Host agent configuration file")
	httpPort   = flag.Int("http-port", getEnvInt("PORT", 0), "Operational HTTP server port (overrides config)")
)

func main() {
	flag.Parse()

	log.Printf("Starting EyeVi host agent v%s", Version)
	log.Printf("Config: %s", *configFile)

	loader := hostagent.NewConfigLoader(&hostagent.OSFileReader{})
	config, err := loader.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	if *httpPort > 0 {
		config.Ops.Port = *httpPort
	}

	if err := hostagent.RunWithConfig(config); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}
