package config

import "github.com/go-ini/ini"

type MetricsConfig struct {
	// Delay between aggregation runs, in milliseconds.
	Delay float64 `json:"delay"`
	// Window is how far back one aggregation looks, in hours.
	Window int `json:"window"`
}

func NewDefaultMetricsConfig(c *ini.Section) MetricsConfig {
	delay, _ := c.Key("delay").Float64()
	if delay == 0 {
		delay = 300000
	}
	window, _ := c.Key("window").Int()
	if window == 0 {
		window = 24
	}
	return MetricsConfig{
		Delay:  delay,
		Window: window,
	}
}
