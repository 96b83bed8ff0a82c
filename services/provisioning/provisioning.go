// Copyright 2026 Edgeberry - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@edgeberry.io
//

// The provisioning service: device onboarding, certificate authority and
// identity store, plus the event forwarder and the archive exporter.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	_ "github.com/lib/pq"

	"github.com/edgeberry/devicehub/archive"
	"github.com/edgeberry/devicehub/bus"
	"github.com/edgeberry/devicehub/core/csql"
	"github.com/edgeberry/devicehub/core/logger"
	"github.com/edgeberry/devicehub/hubmqtt"
	"github.com/edgeberry/devicehub/outbox"
	"github.com/edgeberry/devicehub/pki"
	"github.com/edgeberry/devicehub/provisioning"
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
	MQTTTLSCert      string        `env:"MQTT_TLS_CERT,optional" description:"client certificate file, issued from the hub CA when missing"`
	MQTTTLSKey       string        `env:"MQTT_TLS_KEY,optional" description:"client key file"`
	MQTTTLSVerify    bool          `env:"MQTT_TLS_REJECT_UNAUTHORIZED,optional,default=true" description:"verify the broker certificate"`
	CACrtPath        string        `env:"CA_CRT_PATH,optional,default=ca.crt" description:"the root CA certificate file"`
	CAKeyPath        string        `env:"CA_KEY_PATH,optional,default=ca.key" description:"the root CA key file"`
	CertDays         int           `env:"CERT_DAYS,optional,default=825" description:"validity of issued device certificates in days"`
	EnforceWhitelist bool          `env:"ENFORCE_WHITELIST,optional,default=true" description:"require an allow-list entry before issuing a certificate"`
	BusDir           string        `env:"BUS_DIR,optional,default=/run/devicehub" description:"the directory for the bus sockets"`
	KafkaBrokers     string        `env:"KAFKA_BROKERS,optional" description:"comma separated kafka addresses, empty disables event forwarding"`
	KafkaTopic       string        `env:"KAFKA_TOPIC,optional" description:"the kafka topic for forwarded events"`
	ArchiveDriver    string        `env:"ARCHIVE_DRIVER,optional,default=none" description:"event archive backend: none, local or s3"`
	ArchiveDir       string        `env:"ARCHIVE_DIR,optional" description:"base directory of the local archive"`
	ArchiveS3Bucket  string        `env:"ARCHIVE_S3_BUCKET,optional" description:"bucket of the s3 archive"`
	ArchiveS3Prefix  string        `env:"ARCHIVE_S3_PREFIX,optional" description:"key prefix of the s3 archive"`
	ArchiveS3Region  string        `env:"ARCHIVE_S3_REGION,optional" description:"region of the s3 archive"`
	ArchiveAccessID  string        `env:"ARCHIVE_S3_ACCESS_ID,optional" description:"static s3 credentials, ambient AWS configuration when empty"`
	ArchiveAccessKey string        `env:"ARCHIVE_S3_ACCESS_KEY,optional" description:"static s3 credentials"`
	ArchiveMaxAge    time.Duration `env:"ARCHIVE_MAX_AGE,optional,default=720h" description:"events older than this are archived"`
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

	ca, err := pki.EnsureRootCA(service.CACrtPath, service.CAKeyPath, "", 0, 0)
	if err != nil {
		panic(err)
	}
	if service.MQTTTLSCert != "" && service.MQTTTLSKey != "" {
		if err := pki.EnsureServiceCert(ca, service.MQTTTLSCert, service.MQTTTLSKey,
			"provisioning", service.CertDays); err != nil {
			panic(err)
		}
	}

	hubStore := store.New(&store.Builder{
		DB:            db,
		ForwardEvents: service.KafkaBrokers != "",
	})
	hubBus := bus.New(&bus.Builder{Dir: service.BusDir})
	conn := hubmqtt.New(&hubmqtt.Builder{
		URL:         service.MQTTURL,
		ClientID:    "provisioning",
		Username:    service.MQTTUsername,
		Password:    service.MQTTPassword,
		TLSCAFile:   service.MQTTTLSCA,
		TLSCertFile: service.MQTTTLSCert,
		TLSKeyFile:  service.MQTTTLSKey,
		TLSInsecure: !service.MQTTTLSVerify,
	})

	p := provisioning.New(&provisioning.Builder{
		Store:            hubStore,
		CA:               ca,
		MQTT:             conn,
		Bus:              hubBus,
		EnforceWhitelist: service.EnforceWhitelist,
		CertDays:         service.CertDays,
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

	if err := p.Start(); err != nil {
		panic(err)
	}
	defer p.Stop()

	if service.KafkaBrokers != "" {
		forwarder := outbox.New(&outbox.Builder{
			Store:   hubStore,
			Brokers: strings.Split(service.KafkaBrokers, ","),
			Topic:   service.KafkaTopic,
		})
		forwarder.Start()
		defer forwarder.Stop()
	}

	driver, err := archive.NewDriver(ctx, archive.Configuration{
		DriverType: archive.DriverType(service.ArchiveDriver),
		Dir:        service.ArchiveDir,
		Bucket:     service.ArchiveS3Bucket,
		Prefix:     service.ArchiveS3Prefix,
		Region:     service.ArchiveS3Region,
		AccessID:   service.ArchiveAccessID,
		AccessKey:  service.ArchiveAccessKey,
	})
	if err != nil {
		panic(err)
	}
	if driver != nil {
		exporter := archive.New(&archive.Builder{
			Store:  hubStore,
			Driver: driver,
			MaxAge: service.ArchiveMaxAge,
		})
		exporter.Start()
		defer exporter.Stop()
	}

	log.Info("provisioning service up")
	<-ctx.Done()
	log.Info("shutting down")
}
