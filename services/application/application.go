// Copyright 2026 Edgeberry - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@edgeberry.io
//

// The application service: REST and websocket gateway for applications
// and the admin surface.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	_ "github.com/lib/pq"

	"github.com/edgeberry/devicehub/bus"
	"github.com/edgeberry/devicehub/core/csql"
	"github.com/edgeberry/devicehub/core/logger"
	"github.com/edgeberry/devicehub/gateway"
	"github.com/edgeberry/devicehub/hubmqtt"
	"github.com/edgeberry/devicehub/store"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and POSTGRES_PASSWORD="docker"
type Service struct {
	Postgres         string        `env:"POSTGRES,required" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string        `env:"POSTGRES_PASSWORD,optional" description:"password to the Postgres DB"`
	PostgresSchema   string        `env:"POSTGRES_SCHEMA,optional,default=devicehub" description:"the database schema"`
	LogLevel         string        `env:"LOG_LEVEL,optional,default=info" description:"The level used for logger, can be debug, warning, info, error"`
	MQTTURL          string        `env:"MQTT_URL,optional,default=tls://localhost:8883" description:"the broker address"`
	MQTTUsername     string        `env:"MQTT_USERNAME,optional" description:"optional broker credentials"`
	MQTTPassword     string        `env:"MQTT_PASSWORD,optional" description:"optional broker credentials"`
	MQTTTLSCA        string        `env:"MQTT_TLS_CA,optional" description:"CA file for the broker connection"`
	MQTTTLSCert      string        `env:"MQTT_TLS_CERT,optional" description:"client certificate file"`
	MQTTTLSKey       string        `env:"MQTT_TLS_KEY,optional" description:"client key file"`
	MQTTTLSVerify    bool          `env:"MQTT_TLS_REJECT_UNAUTHORIZED,optional,default=true" description:"verify the broker certificate"`
	Port             string        `env:"PORT,optional" description:"the HTTP port, default 8080"`
	ApplicationPort  string        `env:"APPLICATION_PORT,optional" description:"alias for PORT, honored when PORT is unset"`
	BusDir           string        `env:"BUS_DIR,optional,default=/run/devicehub" description:"the directory for the bus sockets"`
	AdminUser        string        `env:"ADMIN_USER,optional" description:"admin login user, empty disables the admin login"`
	AdminPassword    string        `env:"ADMIN_PASSWORD,optional" description:"admin login password"`
	JWTSecret        string        `env:"JWT_SECRET,optional" description:"signing secret for admin sessions"`
	JWTTTL           time.Duration `env:"JWT_TTL,optional,default=24h" description:"lifetime of admin sessions"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLogger(service.LogLevel)
	log := logger.Default()

	port := service.Port
	if port == "" {
		port = service.ApplicationPort
	}
	if port == "" {
		port = "8080"
	}

	db := csql.OpenWithSchema(service.Postgres, service.PostgresPassword, service.PostgresSchema)
	defer db.Close()

	hubStore := store.New(&store.Builder{DB: db})
	hubBus := bus.New(&bus.Builder{Dir: service.BusDir})
	conn := hubmqtt.New(&hubmqtt.Builder{
		URL:         service.MQTTURL,
		ClientID:    "application",
		Username:    service.MQTTUsername,
		Password:    service.MQTTPassword,
		TLSCAFile:   service.MQTTTLSCA,
		TLSCertFile: service.MQTTTLSCert,
		TLSKeyFile:  service.MQTTTLSKey,
		TLSInsecure: !service.MQTTTLSVerify,
	})

	g := gateway.New(&gateway.Builder{
		Store:         hubStore,
		MQTT:          conn,
		Bus:           hubBus,
		Addr:          ":" + port,
		AdminUser:     service.AdminUser,
		AdminPassword: service.AdminPassword,
		SessionSecret: []byte(service.JWTSecret),
		SessionTTL:    service.JWTTTL,
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

	if err := g.Start(); err != nil {
		panic(err)
	}

	log.Info("application service up")
	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	g.Shutdown(shutdownCtx)
}
