package config

import "github.com/go-ini/ini"

type SchedulerConfig struct {
	// Delay between escalation scans, in milliseconds.
	Delay float64 `json:"delay"`
	// BatchSize caps how many overdue assignments one scan handles.
	BatchSize int `json:"batch_size"`
}

func NewDefaultSchedulerConfig(c *ini.Section) SchedulerConfig {
	delay, _ := c.Key("delay").Float64()
	if delay == 0 {
		delay = 60000
	}
	batchSize, _ := c.Key("batch_size").Int()
	if batchSize == 0 {
		batchSize = 100
	}
	return SchedulerConfig{
		Delay:     delay,
		BatchSize: batchSize,
	}
}
