package json

import (
	"reflect"
	"testing"

	"github.com/RobertWHurst/idmefv2transport"
)

type testStruct struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

func TestEncoderEncode(t *testing.T) {
	encoder := New()

	data := testStruct{Name: "test", Value: 42}

	encoded, err := encoder.Encode(data)
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}

	expected := `{"name":"test","value":42}`
	if string(encoded) != expected {
		t.Errorf("Expected %s, got %s", expected, string(encoded))
	}
}

func TestEncoderDecode(t *testing.T) {
	encoder := New()

	data := []byte(`{"name":"test","value":42}`)

	var result testStruct
	err := encoder.Decode(data, &result)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}

	if result.Name != "test" {
		t.Errorf("Expected name 'test', got '%s'", result.Name)
	}

	if result.Value != 42 {
		t.Errorf("Expected value 42, got %d", result.Value)
	}
}

func TestEncoderMessageRoundTrip(t *testing.T) {
	encoder := New()

	original := idmefv2transport.Message{
		"Version":    "2.D.V04",
		"ID":         "09db946e-673e-49af-b4b2-a8cd9da58de6",
		"CreateTime": "2021-11-22T14:42:51.881033Z",
		"Analyzer": map[string]any{
			"IP":   "127.0.0.1",
			"Name": "foobar",
		},
		"Priority": 3.0,
		"Tags":     []any{"a", "b"},
	}

	encoded, err := encoder.Encode(original)
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}

	var decoded idmefv2transport.Message
	if err := encoder.Decode(encoded, &decoded); err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}

	if !reflect.DeepEqual(decoded, original) {
		t.Errorf("Expected %v, got %v", original, decoded)
	}
}

func TestEncoderDecodeInvalid(t *testing.T) {
	encoder := New()

	var result testStruct
	err := encoder.Decode([]byte(`{"name":`), &result)
	if err == nil {
		t.Error("Expected error for invalid JSON data, got nil")
	}
}

func TestEncoderContentType(t *testing.T) {
	if ct := New().ContentType(); ct != "application/json" {
		t.Errorf("Expected content type 'application/json', got '%s'", ct)
	}
}
