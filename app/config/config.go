package config

import (
	"os"

	"github.com/go-ini/ini"
)

var (
	LoadFile = loadFile()
	Config   = Configuration{
		API:       NewDefaultAPIConfig(LoadFile.Section("api")),
		Database:  NewDefaultDatabaseConfig(LoadFile.Section("db")),
		Scheduler: NewDefaultSchedulerConfig(LoadFile.Section("scheduler")),
		Metrics:   NewDefaultMetricsConfig(LoadFile.Section("metrics")),
		Messaging: NewMessagingConfig(LoadFile.Section("rabbitMQ")),
		Identity:  NewIdentityConfig(LoadFile.Section("identity")),
		LOG:       NewDefaultLogConfig(LoadFile.Section("log")),
	}
)

type Configuration struct {
	API       APIConfig       `json:"api"`
	Database  DatabaseConfig  `json:"database"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Metrics   MetricsConfig   `json:"metrics"`
	Messaging MessagingConfig `json:"messaging"`
	Identity  IdentityConfig  `json:"identity"`
	LOG       LogConfig       `json:"log"`
}

func loadFile() *ini.File {
	candidates := []string{
		os.Getenv("MESFLOW_CONFIG"),
		"config/mesflow.ini",
		"/etc/mesflow/mesflow.ini",
	}
	for _, p := range candidates {
		if p == "" {
			continue
		}
		if f, err := ini.Load(p); err == nil {
			return f
		}
	}
	return ini.Empty()
}
