package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"mesflow/app/api"
	"mesflow/app/config"
	"mesflow/app/db"
	"mesflow/app/identity"
	"mesflow/app/metrics"
	"mesflow/app/notify"
	"mesflow/app/scheduler"
	"mesflow/app/workflow"
	"mesflow/pkg/contextx"
	"mesflow/pkg/log"
)

func main() {
	dbCfg := config.Config.Database
	cfg := &db.Config{
		Connection:  dbCfg.Connection,
		Debug:       dbCfg.Debug,
		PoolSize:    dbCfg.PoolSize,
		IdleTimeout: dbCfg.IdleTimeout,
	}
	if err := db.Init(cfg); err != nil {
		panic(err)
	}

	var provider identity.Provider
	if config.Config.Identity.RoleFile != "" {
		p, err := identity.LoadStaticProvider(config.Config.Identity.RoleFile)
		if err != nil {
			panic(err)
		}
		provider = p
	} else {
		provider = identity.NewStaticProvider()
	}

	var notifier notify.Notifier
	var amqpNotifier *notify.AMQPNotifier
	if config.Config.Messaging.Enabled {
		amqpNotifier = notify.NewAMQPNotifier(config.Config.Messaging)
		notifier = amqpNotifier
	} else {
		notifier = notify.NewLogNotifier()
	}

	store := workflow.NewDefinitionStore(provider)
	resolver := workflow.NewAssignmentResolver(provider)
	coordinator := workflow.NewStageCoordinator(resolver, notifier)
	engine := workflow.NewEngine(store, coordinator, notifier)

	sched := scheduler.NewScheduler(config.Config.Scheduler, engine, provider, notifier)
	sched.Start()

	aggregator := metrics.NewAggregator()
	runner := metrics.NewRunner(config.Config.Metrics, aggregator)
	runner.Start()

	window := time.Duration(config.Config.Metrics.Window) * time.Hour
	server := api.NewServer(config.Config.API, store, engine, aggregator, window)
	go func() {
		if err := server.Run(); err != nil {
			log.Errorf(nil, "api server failed, error: %s", err.Error())
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	log.Info(nil, "shutting down...")
	if err := server.Shutdown(contextx.NewContext()); err != nil {
		log.Errorf(nil, "api shutdown failed, error: %s", err.Error())
	}
	sched.Stop()
	runner.Stop()
	if amqpNotifier != nil {
		amqpNotifier.Close()
	}
}
