package statusapi

import "time"

type Config struct {
	// Listen is the HTTP endpoint serving the JSON status.
	Listen string `yaml:"listen"`
	// GRPCListen is the endpoint of the gRPC health service. Empty
	// disables it.
	GRPCListen string `yaml:"grpc_listen"`
	// HealthInterval is the period at which the health status is
	// re-evaluated.
	HealthInterval time.Duration `yaml:"health_interval"`
}

func DefaultConfig() *Config {
	return &Config{
		Listen:         "[::1]:7480",
		GRPCListen:     "[::1]:7481",
		HealthInterval: time.Second,
	}
}
