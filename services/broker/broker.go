// Copyright 2026 Edgeberry - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@edgeberry.io
//

// The broker service: the embedded MQTT broker with mutual TLS and the
// hub topic policy. The server certificate is issued from the hub CA on
// first start.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/edgeberry/devicehub/broker"
	"github.com/edgeberry/devicehub/bus"
	"github.com/edgeberry/devicehub/core/logger"
	"github.com/edgeberry/devicehub/pki"
)

// Service holds the configuration for this service
type Service struct {
	LogLevel    string `env:"LOG_LEVEL,optional,default=info" description:"The level used for logger, can be debug, warning, info, error"`
	CACrtPath   string `env:"CA_CRT_PATH,optional,default=ca.crt" description:"the root CA certificate file"`
	CAKeyPath   string `env:"CA_KEY_PATH,optional,default=ca.key" description:"the root CA key file"`
	CertFile    string `env:"MQTT_BROKER_CERT,optional,default=server.crt" description:"the broker server certificate file, issued from the hub CA when missing"`
	KeyFile     string `env:"MQTT_BROKER_KEY,optional,default=server.key" description:"the broker server key file"`
	Listen      string `env:"MQTT_BROKER_LISTEN,optional,default=:8883" description:"the TLS listener address"`
	PlainListen string `env:"MQTT_BROKER_PLAIN_LISTEN,optional" description:"optional plaintext listener address for development"`
	BusDir      string `env:"BUS_DIR,optional,default=/run/devicehub" description:"the directory for the bus sockets"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLogger(service.LogLevel)
	log := logger.Default()

	ca, err := pki.EnsureRootCA(service.CACrtPath, service.CAKeyPath, "", 0, 0)
	if err != nil {
		panic(err)
	}
	hosts := []string{"localhost", "127.0.0.1", "::1"}
	if hostname, err := os.Hostname(); err == nil {
		hosts = append(hosts, hostname)
	}
	if err := pki.EnsureServerCert(ca, service.CertFile, service.KeyFile,
		"devicehub-broker", hosts, 0); err != nil {
		panic(err)
	}

	hubBus := bus.New(&bus.Builder{Dir: service.BusDir})

	b := broker.New(&broker.Builder{
		CACertFile:  service.CACrtPath,
		CertFile:    service.CertFile,
		KeyFile:     service.KeyFile,
		Listen:      service.Listen,
		PlainListen: service.PlainListen,
		Bus:         hubBus,
	})
	b.Start()

	log.Info("broker up")
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	<-signalCh
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b.Stop(ctx)
}
