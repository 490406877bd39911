package main

import (
	"github.com/ilyakaznacheev/cleanenv"
)

type ServiceConfig struct {
	Environment string `env:"STACKPROF_ENVIRONMENT" env-default:"development"`
	SentryDSN   string `env:"SENTRY_DSN"`
	Port        string `env:"PORT" env-default:"8080"`

	BucketURL     string `env:"STACKPROF_BUCKET_URL" env-default:"mem://"`
	RetentionDays int    `env:"STACKPROF_RETENTION_DAYS" env-default:"30"`
	ReadWorkers   int    `env:"STACKPROF_READ_WORKERS" env-default:"8"`

	KafkaBrokers []string `env:"STACKPROF_KAFKA_BROKERS" env-separator:","`
	KafkaTopic   string   `env:"STACKPROF_KAFKA_TOPIC" env-default:"stackprof-sessions"`
}

func readServiceConfig() (ServiceConfig, error) {
	var cfg ServiceConfig
	err := cleanenv.ReadEnv(&cfg)
	return cfg, err
}
