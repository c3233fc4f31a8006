package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	name := "my-tunnel"
	key := "s3cr3t"
	req := &InitTunnelRequest{
		Name:      &name,
		TunnelKey: &key,
		Proxies: []InputProxy{
			{
				ProxyID:        "p1",
				EndpointName:   "web",
				ForwardAddress: "127.0.0.1",
				ForwardPort:    8000,
				Proxy:          ProxyConfig{Type: ProxyTypeHTTP},
			},
		},
	}

	var buf bytes.Buffer
	if err := Encode(&buf, req); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	got, ok := decoded.(*InitTunnelRequest)
	if !ok {
		t.Fatalf("decoded type = %T, want *InitTunnelRequest", decoded)
	}
	if *got.Name != name || *got.TunnelKey != key {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.Proxies) != 1 || got.Proxies[0].ProxyID != "p1" {
		t.Fatalf("proxies mismatch: %+v", got.Proxies)
	}
}

func TestDecodeShortFrameIsConnectionClosed(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, &HeartbeatRequest{TunnelID: "abc"}); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	full := buf.Bytes()
	truncated := full[:len(full)-1]

	_, err := Decode(bytes.NewReader(truncated))
	if !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("Decode(truncated) err = %v, want ErrConnectionClosed", err)
	}
}

func TestFrameSizeBoundary(t *testing.T) {
	// Exactly MaxFrameSize bytes of envelope payload must be accepted;
	// MaxFrameSize+1 must be rejected before any byte is written. Measure
	// the CBOR envelope overhead with a probe first; the string length
	// header is the same width for every size this test uses, so the
	// overhead is constant and the boundary can be hit exactly.
	probe := strings.Repeat("a", MaxFrameSize-1024)
	var buf bytes.Buffer
	if err := Encode(&buf, &MonitoringRequest{Command: CommandGetTunnel, ID: probe}); err != nil {
		t.Fatalf("Encode(probe): %v", err)
	}
	overhead := (buf.Len() - 4) - len(probe)

	exact := strings.Repeat("a", MaxFrameSize-overhead)
	buf.Reset()
	if err := Encode(&buf, &MonitoringRequest{Command: CommandGetTunnel, ID: exact}); err != nil {
		t.Fatalf("Encode(exactly max): %v, want acceptance", err)
	}
	if got := buf.Len() - 4; got != MaxFrameSize {
		t.Fatalf("encoded payload = %d bytes, want exactly MaxFrameSize", got)
	}
	if _, err := Decode(&buf); err != nil {
		t.Fatalf("Decode(exactly max): %v", err)
	}

	over := strings.Repeat("a", MaxFrameSize-overhead+1)
	buf.Reset()
	if err := Encode(&buf, &MonitoringRequest{Command: CommandGetTunnel, ID: over}); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("Encode(max+1) err = %v, want ErrInvalidLength", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("Encode(max+1) wrote %d bytes, want 0 (reject before writing)", buf.Len())
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	env := envelope{Kind: "not_a_real_kind"}
	encoded, err := cbor.Marshal(env)
	if err != nil {
		t.Fatalf("cbor.Marshal: %v", err)
	}

	var buf bytes.Buffer
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(encoded)))
	buf.Write(lenPrefix[:])
	buf.Write(encoded)

	if _, err := Decode(&buf); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("Decode(unknown kind) err = %v, want ErrUnknownKind", err)
	}
}
