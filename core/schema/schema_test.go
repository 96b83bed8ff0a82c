package schema_test

import (
	"testing"

	"github.com/edgeberry/devicehub/core/schema"
)

const (
	refName = `{ "$id" : "https://edgeberry.io/schemas/refs/device-name.json",
	             "type" : "string",
	             "pattern" : "^[A-Za-z0-9][A-Za-z0-9\\-_]{3,31}$" }`

	deviceMeta = `
	{ "$id" : "https://edgeberry.io/schemas/device-meta.json",
	  "type" : "object",
	  "properties" : {
	    "name" : { "$ref" : "https://edgeberry.io/schemas/refs/device-name.json" },
	    "model" : { "type" : "string" },
	    "firmware" : { "type" : "string" }
	  }
	}`
	subscribeFrame = `
	{ "$id" : "https://edgeberry.io/schemas/ws-subscribe.json",
	  "type" : "object",
	  "required" : [ "type" ],
	  "properties" : {
	    "type" : { "type" : "string" },
	    "topics" : { "type" : "array", "items" : { "type" : "string" } },
	    "devices" : { "type" : "array", "items" : { "type" : "string" } }
	  }
	}`
)

func TestValidateString(t *testing.T) {
	v, err := schema.NewValidator([]string{deviceMeta, subscribeFrame}, []string{refName})
	if err != nil {
		t.Fatalf("No error expected when creating validator, got %v", err)
	}

	metaID := "https://edgeberry.io/schemas/device-meta.json"
	subscribeID := "https://edgeberry.io/schemas/ws-subscribe.json"
	goodMeta := `{"name":"EDGB-0a1b","model":"edgeberry-4"}`
	badMeta := `{"name":"x","model":"edgeberry-4"}`

	// Valid json
	if err := v.ValidateString(goodMeta, metaID); err != nil {
		t.Fatalf("%s is expected to be valid with schema %s. Reported error was: %v", goodMeta, metaID, err)
	}

	// Invalid json, name too short
	if err := v.ValidateString(badMeta, metaID); err == nil {
		t.Fatalf("%s is expected to be invalid with schema %s. Reported error was: %v", badMeta, metaID, err)
	}

	// Valid json
	goodFrame := `{"type":"subscribe","topics":["telemetry"]}`
	if err := v.ValidateString(goodFrame, subscribeID); err != nil {
		t.Fatalf("%s is expected to be valid with schema %s. Reported error was: %v", goodFrame, subscribeID, err)
	}
	// Invalid json, type missing
	if err := v.ValidateString(`{"topics":[]}`, subscribeID); err == nil {
		t.Fatalf("a frame without type is expected to be invalid with schema %s", subscribeID)
	}
}

func TestValidateStruct(t *testing.T) {
	type frame struct {
		Type   string   `json:"type"`
		Topics []string `json:"topics,omitempty"`
	}

	v, err := schema.NewValidator([]string{subscribeFrame}, []string{})
	if err != nil {
		t.Fatalf("No error expected when creating validator, got %v", err)
	}

	subscribeID := "https://edgeberry.io/schemas/ws-subscribe.json"

	// Valid json
	if err := v.ValidateStruct(frame{Type: "subscribe", Topics: []string{"status"}}, subscribeID); err != nil {
		t.Fatal(err)
	}

	// Invalid json
	type badFrame struct {
		Kind string `json:"kind"`
	}
	if err := v.ValidateStruct(badFrame{"subscribe"}, subscribeID); err == nil {
		t.Fatal("a frame without type must not validate")
	}
}

func TestHasSchema(t *testing.T) {
	v, err := schema.NewValidator([]string{deviceMeta, subscribeFrame}, []string{refName})
	if err != nil {
		t.Fatalf("No error expected when creating validator, got %v", err)
	}

	schemaID := "https://edgeberry.io/schemas/device-meta.json"
	if !v.HasSchema(schemaID) {
		t.Fatalf("%s schemaID is expected to be available", schemaID)
	}
	schemaID = "https://edgeberry.io/schemas/ws-subscribe.json"
	if !v.HasSchema(schemaID) {
		t.Fatalf("%s schemaID is expected to be available", schemaID)
	}

	schemaID = "https://edgeberry.io/schemas/unknown.json"
	if v.HasSchema(schemaID) {
		t.Fatalf("%s schemaID is not expected to be available", schemaID)
	}
}
