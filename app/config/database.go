package config

import (
	"fmt"

	"github.com/go-ini/ini"
)

type DatabaseConfig struct {
	Connection  string `json:"connection"`
	Debug       bool   `json:"debug"`
	PoolSize    int    `json:"pool_size"`
	IdleTimeout int    `json:"idle_timeout"`
}

func NewDefaultDatabaseConfig(c *ini.Section) DatabaseConfig {
	connection := c.Key("connection").String()
	if connection == "" {
		host := c.Key("host").String()
		port := c.Key("port").Value()
		user := c.Key("user").Value()
		passwd := c.Key("passwd").Value()
		if host != "" {
			connection = fmt.Sprintf("mysql://%s:%s@%s:%s/mesflow?charset=utf8&parseTime=True&loc=Local", user, passwd, host, port)
		} else {
			connection = "sqlite:///var/lib/mesflow/mesflow.db"
		}
	}
	debug, _ := c.Key("debug").Bool()
	poolSize, _ := c.Key("pool_size").Int()
	idleTimeout, _ := c.Key("idle_timeout").Int()
	return DatabaseConfig{
		Connection:  connection,
		Debug:       debug,
		PoolSize:    poolSize,
		IdleTimeout: idleTimeout,
	}
}
