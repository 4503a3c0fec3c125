package relay

import (
	"testing"

	"github.com/google/uuid"
)

func TestTokenRoundTripBrokerIndex(t *testing.T) {
	id := uuid.New()
	tok, err := EncodeToken(id, builtinBrokers[0])
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec, err := DecodeToken(tok)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.RelayID != id || dec.Broker != builtinBrokers[0] {
		t.Fatalf("decoded = %+v", dec)
	}
}

func TestTokenRoundTripCustomBroker(t *testing.T) {
	id := uuid.New()
	tok, err := EncodeToken(id, "mqtts://example.com:8883")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec, err := DecodeToken(tok)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.RelayID != id || dec.Broker != "mqtts://example.com:8883" {
		t.Fatalf("decoded = %+v", dec)
	}
}
