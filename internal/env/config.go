package env

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Host      string `env:"GATEWIRE_HOST,default=127.0.0.1"`
	Port      int    `env:"GATEWIRE_PORT,default=4001"`
	ClientID  int    `env:"GATEWIRE_CLIENT_ID,default=0"`
	DebugHTTP bool   `env:"GATEWIRE_DEBUG_HTTP"`
}

func LoadConfig(ctx context.Context) (*Config, error) {
	config := Config{}

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
