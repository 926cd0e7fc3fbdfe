package log

import (
	"os"
	"path"
	"sync"

	globalconfig "mesflow/app/config"
	"mesflow/pkg/contextx"

	"github.com/sirupsen/logrus"
)

var (
	defaultLoggerName = "mesflow"
	loggerOnce        sync.Once
	logger            *logrus.Logger
	config            = globalconfig.Config.LOG
)

func Initialize(format string, timeFormat string) {
	if format != "" {
		config.Format = format
	}
	if timeFormat != "" {
		config.TimestampFormat = timeFormat
	}
	GetLogger(nil, defaultLoggerName)
}

func setupLogger() *logrus.Logger {
	formatter := NewLogFormatter()
	if config.TimestampFormat != "" {
		formatter.TimestampFormat = config.TimestampFormat
	}
	if config.Format != "" {
		formatter.OutputFormat = config.Format
	}

	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.TraceLevel)
	l.SetFormatter(formatter)

	if config.DirPath != "" {
		if err := os.MkdirAll(config.DirPath, 0770); err == nil {
			outlog := path.Join(config.DirPath, "mesflow.log")
			file, err := os.OpenFile(outlog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
			if err == nil {
				l.SetOutput(file)
			}
		}
	}
	return l
}

// GetLogger accepts nil, an instance id string or a *contextx.Context and
// stamps every entry with the request id and instance the caller is serving.
func GetLogger(ctx interface{}, name string) *logrus.Entry {
	loggerOnce.Do(func() {
		logger = setupLogger()
	})

	instance := "-"
	requestId := "-"
	switch t := ctx.(type) {
	case string:
		instance = t
	case *contextx.Context:
		if t != nil {
			if t.GetRequestID() != "" {
				requestId = t.GetRequestID()
			}
			if i, ok := t.GetMap()["instance"]; ok {
				instance = i.(string)
			}
		}
	case map[string]interface{}:
		if i, ok := t["instance"]; ok {
			instance = i.(string)
		}
		if r, ok := t["requestId"]; ok {
			requestId = r.(string)
		}
	}
	return logger.WithFields(map[string]interface{}{
		"name":      name,
		"requestId": requestId,
		"instance":  instance,
	})
}

func Info(ctx interface{}, args ...interface{}) {
	GetLogger(ctx, defaultLoggerName).Info(args...)
}

func Debug(ctx interface{}, args ...interface{}) {
	GetLogger(ctx, defaultLoggerName).Debug(args...)
}

func Trace(ctx interface{}, args ...interface{}) {
	GetLogger(ctx, defaultLoggerName).Trace(args...)
}

func Warn(ctx interface{}, args ...interface{}) {
	GetLogger(ctx, defaultLoggerName).Warn(args...)
}

func Error(ctx interface{}, args ...interface{}) {
	GetLogger(ctx, defaultLoggerName).Error(args...)
}

func Infof(ctx interface{}, format string, args ...interface{}) {
	GetLogger(ctx, defaultLoggerName).Infof(format, args...)
}

func Debugf(ctx interface{}, format string, args ...interface{}) {
	GetLogger(ctx, defaultLoggerName).Debugf(format, args...)
}

func Tracef(ctx interface{}, format string, args ...interface{}) {
	GetLogger(ctx, defaultLoggerName).Tracef(format, args...)
}

func Warnf(ctx interface{}, format string, args ...interface{}) {
	GetLogger(ctx, defaultLoggerName).Warnf(format, args...)
}

func Errorf(ctx interface{}, format string, args ...interface{}) {
	GetLogger(ctx, defaultLoggerName).Errorf(format, args...)
}
