// Command sacn2mqtt receives sACN universes, merges their sources and
// publishes changed channels to MQTT topics.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dsmurfin/sacnkit/internal/bridge"
	"github.com/dsmurfin/sacnkit/internal/clientmqtt"
	"github.com/dsmurfin/sacnkit/internal/config"
	"github.com/dsmurfin/sacnkit/internal/logger"
)

var configFile string

func init() {
	flag.StringVar(&configFile, "config", "configs/conf.toml", "Path to configuration file")
}

func main() {
	flag.Parse()
	cfg, err := config.NewConfig(configFile)
	if err != nil {
		fmt.Printf("configuration file read error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Printf("failed to create a logger: %v\n", err)
		os.Exit(1)
	}

	client := clientmqtt.NewClient(log, clientmqtt.MQTTConf{
		ClientID: cfg.MQTT.ClientID,
		Schema:   "tcp",
		Host:     cfg.MQTT.Host,
		Port:     cfg.MQTT.Port,
		User:     cfg.MQTT.User,
		Password: cfg.MQTT.Password,
		Qos:      cfg.MQTT.Qos,
	})

	b, err := bridge.New(log, client, cfg.SACN, cfg.MQTT.TopicBase)
	if err != nil {
		log.With(logger.Fields{"module": "bridge"}).Errorf("setup failed: %v", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer cancel()

	if err = client.Start(ctx); err != nil {
		log.Error("failed to start MQTT client: ", err.Error())
		os.Exit(1)
	}

	if err = b.Start(); err != nil {
		log.Error("failed to start sACN receivers: ", err.Error())
		client.Stop()
		os.Exit(1)
	}
	log.With(logger.Fields{"module": "bridge"}).
		Infof("receiving universes %v", cfg.SACN.Universes)

	<-ctx.Done()

	if err := b.Stop(); err != nil {
		log.Error("failed to stop sACN receivers: ", err.Error())
	}
	if err := client.Stop(); err != nil {
		log.Error("failed to stop MQTT client: ", err.Error())
	}

	log.Info("shutdown complete")
}
