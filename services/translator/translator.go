// Copyright 2026 Edgeberry - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@edgeberry.io
//

// The translator service: republishes device-addressed messages under
// the device name for applications.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/edgeberry/devicehub/bus"
	"github.com/edgeberry/devicehub/core/logger"
	"github.com/edgeberry/devicehub/hubmqtt"
	"github.com/edgeberry/devicehub/translator"
)

// Service holds the configuration for this service
type Service struct {
	LogLevel      string        `env:"LOG_LEVEL,optional,default=info" description:"The level used for logger, can be debug, warning, info, error"`
	MQTTURL       string        `env:"MQTT_URL,optional,default=tls://localhost:8883" description:"the broker address"`
	MQTTUsername  string        `env:"MQTT_USERNAME,optional" description:"optional broker credentials"`
	MQTTPassword  string        `env:"MQTT_PASSWORD,optional" description:"optional broker credentials"`
	MQTTTLSCA     string        `env:"MQTT_TLS_CA,optional" description:"CA file for the broker connection"`
	MQTTTLSCert   string        `env:"MQTT_TLS_CERT,optional" description:"client certificate file"`
	MQTTTLSKey    string        `env:"MQTT_TLS_KEY,optional" description:"client key file"`
	MQTTTLSVerify bool          `env:"MQTT_TLS_REJECT_UNAUTHORIZED,optional,default=true" description:"verify the broker certificate"`
	BusDir        string        `env:"BUS_DIR,optional,default=/run/devicehub" description:"the directory for the bus sockets"`
	NameCacheTTL  time.Duration `env:"NAME_CACHE_TTL,optional,default=60s" description:"lifetime of cached name resolutions"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLogger(service.LogLevel)
	log := logger.Default()

	hubBus := bus.New(&bus.Builder{Dir: service.BusDir})
	conn := hubmqtt.New(&hubmqtt.Builder{
		URL:         service.MQTTURL,
		ClientID:    "translator",
		Username:    service.MQTTUsername,
		Password:    service.MQTTPassword,
		TLSCAFile:   service.MQTTTLSCA,
		TLSCertFile: service.MQTTTLSCert,
		TLSKeyFile:  service.MQTTTLSKey,
		TLSInsecure: !service.MQTTTLSVerify,
	})

	s := translator.New(&translator.Builder{
		MQTT:     conn,
		Bus:      hubBus,
		CacheTTL: service.NameCacheTTL,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := conn.Connect(ctx); err != nil {
		panic(err)
	}
	defer conn.Close()

	if err := s.Start(); err != nil {
		panic(err)
	}
	defer s.Stop()

	log.Info("translator up")
	<-ctx.Done()
	log.Info("shutting down")
}
