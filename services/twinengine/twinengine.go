// Copyright 2026 Edgeberry - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@edgeberry.io
//

// The twin engine service: versioned desired and reported state, device
// status tracking and the device event log.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joeshaw/envdecode"
	_ "github.com/lib/pq"

	"github.com/edgeberry/devicehub/bus"
	"github.com/edgeberry/devicehub/core/csql"
	"github.com/edgeberry/devicehub/core/logger"
	"github.com/edgeberry/devicehub/hubmqtt"
	"github.com/edgeberry/devicehub/store"
	"github.com/edgeberry/devicehub/twin"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and POSTGRES_PASSWORD="docker"
type Service struct {
	Postgres         string `env:"POSTGRES,required" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,optional" description:"password to the Postgres DB"`
	PostgresSchema   string `env:"POSTGRES_SCHEMA,optional,default=devicehub" description:"the database schema"`
	LogLevel         string `env:"LOG_LEVEL,optional,default=info" description:"The level used for logger, can be debug, warning, info, error"`
	MQTTURL          string `env:"MQTT_URL,optional,default=tls://localhost:8883" description:"the broker address"`
	MQTTUsername     string `env:"MQTT_USERNAME,optional" description:"optional broker credentials"`
	MQTTPassword     string `env:"MQTT_PASSWORD,optional" description:"optional broker credentials"`
	MQTTTLSCA        string `env:"MQTT_TLS_CA,optional" description:"CA file for the broker connection"`
	MQTTTLSCert      string `env:"MQTT_TLS_CERT,optional" description:"client certificate file"`
	MQTTTLSKey       string `env:"MQTT_TLS_KEY,optional" description:"client key file"`
	MQTTTLSVerify    bool   `env:"MQTT_TLS_REJECT_UNAUTHORIZED,optional,default=true" description:"verify the broker certificate"`
	BusDir           string `env:"BUS_DIR,optional,default=/run/devicehub" description:"the directory for the bus sockets"`
	KafkaBrokers     string `env:"KAFKA_BROKERS,optional" description:"comma separated kafka addresses, empty disables event forwarding"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLogger(service.LogLevel)
	log := logger.Default()

	db := csql.OpenWithSchema(service.Postgres, service.PostgresPassword, service.PostgresSchema)
	defer db.Close()

	hubStore := store.New(&store.Builder{
		DB:            db,
		ForwardEvents: service.KafkaBrokers != "",
	})
	hubBus := bus.New(&bus.Builder{Dir: service.BusDir})
	conn := hubmqtt.New(&hubmqtt.Builder{
		URL:         service.MQTTURL,
		ClientID:    "twin",
		Username:    service.MQTTUsername,
		Password:    service.MQTTPassword,
		TLSCAFile:   service.MQTTTLSCA,
		TLSCertFile: service.MQTTTLSCert,
		TLSKeyFile:  service.MQTTTLSKey,
		TLSInsecure: !service.MQTTTLSVerify,
	})

	engine := twin.New(&twin.Builder{
		Store: hubStore,
		MQTT:  conn,
		Bus:   hubBus,
	})

	if err := hubBus.Listen(); err != nil {
		panic(err)
	}
	defer hubBus.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := conn.Connect(ctx); err != nil {
		panic(err)
	}
	defer conn.Close()

	if err := engine.Start(); err != nil {
		panic(err)
	}
	defer engine.Stop()

	log.Info("twin engine up")
	<-ctx.Done()
	log.Info("shutting down")
}
