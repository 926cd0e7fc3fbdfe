package config

import (
	"runtime"

	"github.com/go-ini/ini"
)

type LogConfig struct {
	Format          string `json:"format"`
	TimestampFormat string `json:"timestamp_format"`
	DirPath         string `json:"dir_path"`
}

func NewDefaultLogConfig(c *ini.Section) LogConfig {
	dirPath := c.Key("dir_path").String()
	if dirPath == "" {
		sysType := runtime.GOOS
		if sysType == "windows" {
			dirPath = "C:\\log"
		} else {
			dirPath = "/var/log/mesflow"
		}
	}

	return LogConfig{
		Format:          "{{.timestamp}} {{.pid}} [{{.name}}] [{{.levelname}}] [{{.requestId}} {{.instance}}] {{.message}}",
		TimestampFormat: "2006-01-02 15:04:05.000",
		DirPath:         dirPath,
	}
}
