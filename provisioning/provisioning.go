// Copyright 2026 Edgeberry - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@edgeberry.io
//

/*
Package provisioning implements the device onboarding pipeline.

Devices bootstrap with the shared provisioning identity, publish a
certificate signing request on their request topic and receive either a
signed client certificate or a coded rejection. For each request the
service checks the UUID allow-list, has the certificate authority issue
the certificate, registers the device and consumes the allow-list
entry. It also serves the device inventory, the allow-list and the
certificate authority on the bus.
*/
package provisioning

import (
	"context"
	"embed"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/edgeberry/devicehub/bus"
	"github.com/edgeberry/devicehub/core"
	"github.com/edgeberry/devicehub/core/logger"
	"github.com/edgeberry/devicehub/core/schema"
	"github.com/edgeberry/devicehub/core/workers"
	"github.com/edgeberry/devicehub/hubmqtt"
	"github.com/edgeberry/devicehub/pki"
	"github.com/edgeberry/devicehub/store"
	"github.com/edgeberry/devicehub/topics"
)

//go:embed *.json
var schemaFS embed.FS

const requestSchemaID = "https://edgeberry.io/schemas/provision-request.json"

// Builder contains the configuration for the provisioning service.
type Builder struct {
	// Store is the identity store. This is mandatory.
	Store *store.Store
	// CA is the certificate authority. This is mandatory.
	CA *pki.CA
	// MQTT is the broker connection. This is mandatory.
	MQTT hubmqtt.Conn
	// Bus carries the inventory, allow-list and CA interfaces. Optional.
	Bus *bus.Bus
	// EnforceWhitelist requires every UUID to hold an unconsumed
	// allow-list entry before a certificate is issued.
	EnforceWhitelist bool
	// CertDays is the client certificate validity, default 825 days.
	CertDays int
	// WorkerCount is the size of the request worker pool, default 4.
	WorkerCount int
}

// Service is the provisioning service.
type Service struct {
	store            *store.Store
	ca               *pki.CA
	conn             hubmqtt.Conn
	pool             *workers.Pool
	validator        *schema.Validator
	enforceWhitelist bool
	certDays         int
	log              *logrus.Entry
}

// New creates the provisioning service and registers its bus interface.
func New(b *Builder) *Service {
	if b.Store == nil {
		panic("store is missing")
	}
	if b.CA == nil {
		panic("CA is missing")
	}
	if b.MQTT == nil {
		panic("MQTT connection is missing")
	}
	count := b.WorkerCount
	if count <= 0 {
		count = 4
	}
	certDays := b.CertDays
	if certDays <= 0 {
		certDays = pki.DefaultCertDays
	}
	validator, err := schema.NewValidatorFromFS(schemaFS)
	if err != nil {
		panic(err)
	}
	s := &Service{
		store:            b.Store,
		ca:               b.CA,
		conn:             b.MQTT,
		pool:             workers.New(count, 64),
		validator:        validator,
		enforceWhitelist: b.EnforceWhitelist,
		certDays:         certDays,
		log:              logger.Default(),
	}
	if b.Bus != nil {
		s.registerBusInterface(b.Bus)
	}
	return s
}

// Start subscribes to the provisioning request topic.
func (s *Service) Start() error {
	return s.conn.Subscribe(topics.FilterProvisionRequests, s.handleRequest)
}

// Stop drains the worker pool.
func (s *Service) Stop() {
	s.pool.Shutdown()
}

// request is the provisioning request payload. The uuid, when present,
// must repeat the topic uuid.
type request struct {
	UUID   string                 `json:"uuid,omitempty"`
	CSRPem string                 `json:"csrPem,omitempty"`
	Name   string                 `json:"name,omitempty"`
	Meta   map[string]interface{} `json:"meta,omitempty"`
	Token  string                 `json:"token,omitempty"`
}

// accepted is the provisioning success payload.
type accepted struct {
	DeviceID   string `json:"deviceId"`
	CertPem    string `json:"certPem"`
	CAChainPem string `json:"caChainPem"`
}

func (s *Service) handleRequest(ctx context.Context, message hubmqtt.Message) {
	id, _, ok := topics.Device(message.Topic)
	if !ok {
		return
	}
	payload := message.Payload
	s.pool.Submit(ctx, id, func(ctx context.Context) {
		rlog := logger.FromContext(ctx)
		deviceUUID, err := uuid.Parse(id)
		if err != nil {
			s.publishRejected(ctx, id, core.Errorf(core.CodeInvalidUUID, "device uuid %q does not parse", id))
			return
		}
		response, err := s.provision(ctx, deviceUUID, payload)
		if err != nil {
			rlog.Warnf("rejecting provisioning request from %s: %v", id, err)
			s.publishRejected(ctx, id, err)
			return
		}
		s.publishAccepted(ctx, id, response)
	})
}

// provision runs the pipeline for one request. The allow-list entry is
// consumed last, so a device whose request failed half way can retry
// with a fresh CSR until the accepted certificate is out the door.
func (s *Service) provision(ctx context.Context, deviceUUID uuid.UUID, payload []byte) (accepted, error) {
	rlog := logger.FromContext(ctx)

	if err := s.validator.ValidateBytes(payload, requestSchemaID); err != nil {
		return accepted{}, core.Errorf(core.CodeBadRequest, "provision request does not validate: %v", err)
	}
	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		return accepted{}, core.Errorf(core.CodeBadRequest, "provision request does not parse: %v", err)
	}
	if req.UUID != "" {
		payloadUUID, err := uuid.Parse(req.UUID)
		if err != nil || payloadUUID != deviceUUID {
			return accepted{}, core.Errorf(core.CodeUUIDMismatch,
				"payload uuid %q does not match topic uuid %s", req.UUID, deviceUUID)
		}
	}

	if s.enforceWhitelist {
		entry, err := s.store.CheckWhitelist(ctx, deviceUUID.String())
		if core.IsCode(err, core.CodeNotFound) {
			return accepted{}, core.Errorf(core.CodeUUIDNotWhitelisted, "uuid %s is not whitelisted", deviceUUID)
		}
		if err != nil {
			return accepted{}, err
		}
		if entry.UsedAt != nil {
			return accepted{}, core.Errorf(core.CodeUUIDAlreadyUsed,
				"uuid %s was already used at %s", deviceUUID, entry.UsedAt.Format(time.RFC3339))
		}
	}

	if req.CSRPem == "" {
		return accepted{}, core.NewError(core.CodeMissingCSRPem, "request carries no csrPem")
	}
	if req.Name != "" {
		if err := store.ValidateDeviceName(req.Name); err != nil {
			// a bad name does not sink the device, it gets the
			// generated one
			rlog.Warnf("ignoring invalid device name %q from %s: %v", req.Name, deviceUUID, err)
			req.Name = ""
		}
	}

	certPEM, chainPEM, err := s.ca.IssueClientCert(deviceUUID.String(), []byte(req.CSRPem), s.certDays)
	if err != nil {
		return accepted{}, err
	}

	meta := req.Meta
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["uuid"] = deviceUUID.String()
	device, err := s.store.UpsertDevice(ctx, deviceUUID, req.Name, meta)
	if core.IsCode(err, core.CodeDuplicate) {
		return accepted{}, err
	}
	if err != nil {
		rlog.Errorf("cannot register device %s: %v", deviceUUID, err)
		return accepted{}, core.NewError(core.CodeInternalError, "cannot register device")
	}
	if err := s.store.MarkWhitelistUsed(ctx, deviceUUID.String()); err != nil {
		rlog.Errorf("cannot consume allow-list entry for %s: %v", deviceUUID, err)
		return accepted{}, core.NewError(core.CodeInternalError, "cannot consume allow-list entry")
	}

	event, _ := json.Marshal(map[string]string{"name": device.Name})
	if err := s.store.InsertEvent(ctx, deviceUUID, "provision", event); err != nil {
		rlog.Warnf("cannot record provision event for %s: %v", deviceUUID, err)
	}
	rlog.Infof("provisioned device %s as %q", deviceUUID, device.Name)
	return accepted{
		DeviceID:   deviceUUID.String(),
		CertPem:    string(certPEM),
		CAChainPem: string(chainPEM),
	}, nil
}

func (s *Service) publishAccepted(ctx context.Context, id string, response accepted) {
	payload, _ := json.Marshal(response)
	if err := s.conn.Publish(topics.ProvisionAccepted(id), payload); err != nil {
		logger.FromContext(ctx).Errorf("cannot publish provisioning acceptance for %s: %v", id, err)
	}
}

func (s *Service) publishRejected(ctx context.Context, id string, err error) {
	payload, _ := json.Marshal(map[string]string{
		"error":   string(core.CodeOf(err)),
		"message": core.MessageOf(err),
	})
	if publishErr := s.conn.Publish(topics.ProvisionRejected(id), payload); publishErr != nil {
		logger.FromContext(ctx).Errorf("cannot publish provisioning rejection for %s: %v", id, publishErr)
	}
}

// registerBusInterface serves the device inventory, the allow-list and
// the certificate authority to the sibling services.
func (s *Service) registerBusInterface(hubBus *bus.Bus) {
	server := hubBus.NewServer(bus.ServiceProvisioning)

	server.Operation("list_devices", func(ctx context.Context, request []byte) (interface{}, error) {
		var req bus.DeviceListRequest
		if err := json.Unmarshal(request, &req); err != nil {
			return nil, core.NewError(core.CodeBadRequest, err.Error())
		}
		filter := store.DeviceFilter{Model: req.Model, Limit: req.Limit, Offset: req.Offset}
		if req.SeenSince != nil {
			filter.SeenSince = *req.SeenSince
		}
		return s.store.ListDevices(ctx, filter)
	})

	server.Operation("get_device", func(ctx context.Context, request []byte) (interface{}, error) {
		var req bus.DeviceQuery
		if err := json.Unmarshal(request, &req); err != nil {
			return nil, core.NewError(core.CodeBadRequest, err.Error())
		}
		return s.store.DeviceByIdentifier(ctx, req.ID)
	})

	server.Operation("update_device", func(ctx context.Context, request []byte) (interface{}, error) {
		var req bus.DeviceUpdateRequest
		if err := json.Unmarshal(request, &req); err != nil {
			return nil, core.NewError(core.CodeBadRequest, err.Error())
		}
		device, err := s.store.DeviceByIdentifier(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		return s.store.UpdateDevice(ctx, device.DeviceID, req.Name, req.Meta)
	})

	server.Operation("delete_device", func(ctx context.Context, request []byte) (interface{}, error) {
		var req bus.DeviceQuery
		if err := json.Unmarshal(request, &req); err != nil {
			return nil, core.NewError(core.CodeBadRequest, err.Error())
		}
		device, err := s.store.DeviceByIdentifier(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		return nil, s.store.DeleteDevice(ctx, device.DeviceID)
	})

	server.Operation("resolve_name", func(ctx context.Context, request []byte) (interface{}, error) {
		var req bus.ResolveRequest
		if err := json.Unmarshal(request, &req); err != nil {
			return nil, core.NewError(core.CodeBadRequest, err.Error())
		}
		name, err := s.store.ResolveName(ctx, req.UUID)
		if err != nil {
			return nil, err
		}
		return bus.ResolveResponse{Name: name}, nil
	})

	server.Operation("update_last_seen", func(ctx context.Context, request []byte) (interface{}, error) {
		var req bus.ResolveRequest
		if err := json.Unmarshal(request, &req); err != nil {
			return nil, core.NewError(core.CodeBadRequest, err.Error())
		}
		return nil, s.store.TouchDeviceSeen(ctx, req.UUID, time.Now().UTC())
	})

	server.Operation("stats", func(ctx context.Context, request []byte) (interface{}, error) {
		return s.store.Stats(ctx)
	})

	server.Operation("list_whitelist", func(ctx context.Context, request []byte) (interface{}, error) {
		return s.store.ListWhitelist(ctx)
	})

	server.Operation("add_whitelist", func(ctx context.Context, request []byte) (interface{}, error) {
		var req bus.WhitelistAddRequest
		if err := json.Unmarshal(request, &req); err != nil {
			return nil, core.NewError(core.CodeBadRequest, err.Error())
		}
		if req.UUID == "" {
			return nil, core.NewError(core.CodeBadRequest, "uuid is missing")
		}
		return s.store.AddWhitelist(ctx, req.UUID, req.Note)
	})

	server.Operation("remove_whitelist", func(ctx context.Context, request []byte) (interface{}, error) {
		var req bus.WhitelistQuery
		if err := json.Unmarshal(request, &req); err != nil {
			return nil, core.NewError(core.CodeBadRequest, err.Error())
		}
		return nil, s.store.RemoveWhitelist(ctx, req.UUID)
	})

	server.Operation("get_whitelist", func(ctx context.Context, request []byte) (interface{}, error) {
		var req bus.WhitelistQuery
		if err := json.Unmarshal(request, &req); err != nil {
			return nil, core.NewError(core.CodeBadRequest, err.Error())
		}
		return s.store.CheckWhitelist(ctx, req.UUID)
	})

	server.Operation("check_whitelist", func(ctx context.Context, request []byte) (interface{}, error) {
		var req bus.WhitelistQuery
		if err := json.Unmarshal(request, &req); err != nil {
			return nil, core.NewError(core.CodeBadRequest, err.Error())
		}
		entry, err := s.store.CheckWhitelist(ctx, req.UUID)
		if core.IsCode(err, core.CodeNotFound) {
			return nil, core.Errorf(core.CodeUUIDNotWhitelisted, "uuid %s is not whitelisted", req.UUID)
		}
		if err != nil {
			return nil, err
		}
		if entry.UsedAt != nil {
			return nil, core.Errorf(core.CodeUUIDAlreadyUsed, "uuid %s was already used", req.UUID)
		}
		return entry, nil
	})

	server.Operation("mark_whitelist_used", func(ctx context.Context, request []byte) (interface{}, error) {
		var req bus.WhitelistQuery
		if err := json.Unmarshal(request, &req); err != nil {
			return nil, core.NewError(core.CodeBadRequest, err.Error())
		}
		return nil, s.store.MarkWhitelistUsed(ctx, req.UUID)
	})

	server.Operation("certificate_info", func(ctx context.Context, request []byte) (interface{}, error) {
		cert := s.ca.Certificate()
		return bus.CertificateInfo{
			Subject:      cert.Subject.String(),
			SerialNumber: cert.SerialNumber.String(),
			NotBefore:    cert.NotBefore,
			NotAfter:     cert.NotAfter,
			PEM:          string(s.ca.CertPEM()),
		}, nil
	})

	server.Operation("issue_from_csr", func(ctx context.Context, request []byte) (interface{}, error) {
		var req bus.IssueRequest
		if err := json.Unmarshal(request, &req); err != nil {
			return nil, core.NewError(core.CodeBadRequest, err.Error())
		}
		days := req.Days
		if days <= 0 {
			days = s.certDays
		}
		certPEM, chainPEM, err := s.ca.IssueClientCert(req.UUID, []byte(req.CSRPem), days)
		if err != nil {
			return nil, err
		}
		return bus.IssueResponse{CertPem: string(certPEM), ChainPem: string(chainPEM)}, nil
	})
}
