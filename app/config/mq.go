package config

import (
	"fmt"

	"github.com/go-ini/ini"
)

type MessagingConfig struct {
	Enabled    bool   `json:"enabled"`
	Connection string `json:"connection"`
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`
}

func NewMessagingConfig(c *ini.Section) MessagingConfig {
	enabled, _ := c.Key("enabled").Bool()
	host := c.Key("host").Value()
	user := c.Key("user").Value()
	passwd := c.Key("passwd").Value()
	exchange := c.Key("exchange").Value()
	if exchange == "" {
		exchange = "mesflow-events"
	}
	routingKey := c.Key("routing_key").Value()
	if routingKey == "" {
		routingKey = "workflow"
	}
	return MessagingConfig{
		Enabled:    enabled,
		Connection: fmt.Sprintf("amqp://%s:%s@%s/", user, passwd, host),
		Exchange:   exchange,
		RoutingKey: routingKey,
	}
}
