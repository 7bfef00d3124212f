package mcpquic

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"slices"
	"strings"
	"testing"
)

// --- Wire preface ---

func TestMagicPreface_Roundtrip(t *testing.T) {
	var buf bytes.Buffer
	if err := SendMagicBytes(&buf); err != nil {
		t.Fatal(err)
	}
	if buf.String() != MagicBytesMCP {
		t.Fatalf("preface on the wire: got %q, want %q", buf.String(), MagicBytesMCP)
	}
	if err := ValidateMagicBytes(&buf); err != nil {
		t.Fatalf("own preface rejected: %v", err)
	}
}

func TestValidateMagicBytes(t *testing.T) {
	cases := []struct {
		name      string
		input     string
		wantErr   bool
		wantMagic bool // errors.Is(err, ErrInvalidMagicBytes)
	}{
		{"valid", MagicBytesMCP, false, false},
		{"http preface", "HTTP", true, true},
		{"wrong version", "MCP2", true, true},
		{"truncated", "MC", true, false},
		{"empty", "", true, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateMagicBytes(strings.NewReader(tc.input))
			if tc.wantErr != (err != nil) {
				t.Fatalf("wantErr=%v, got %v", tc.wantErr, err)
			}
			if tc.wantMagic && !errors.Is(err, ErrInvalidMagicBytes) {
				t.Fatalf("want ErrInvalidMagicBytes, got %v", err)
			}
		})
	}
}

func TestWireConstants(t *testing.T) {
	// Both ends of the protocol hardcode these; changing one breaks deployed
	// peers.
	if ALPNProtocolMCP != "mcp-quic-v1" {
		t.Fatalf("ALPN token: got %q", ALPNProtocolMCP)
	}
	if MagicBytesMCP != "MCP1" {
		t.Fatalf("magic: got %q", MagicBytesMCP)
	}
	if MaxMessageSize != 10*1024*1024 {
		t.Fatalf("max message size: got %d", MaxMessageSize)
	}
}

// --- QUIC and TLS configuration ---

func TestProductionQUICConfig(t *testing.T) {
	cfg := ProductionQUICConfig()
	if cfg.MaxIdleTimeout != DefaultIdleTimeout {
		t.Errorf("idle timeout: got %v", cfg.MaxIdleTimeout)
	}
	if cfg.KeepAlivePeriod != DefaultKeepAlive {
		t.Errorf("keepalive: got %v", cfg.KeepAlivePeriod)
	}
	if cfg.MaxStreamReceiveWindow != MaxMessageSize {
		t.Errorf("stream receive window: got %d", cfg.MaxStreamReceiveWindow)
	}
	if cfg.Allow0RTT {
		t.Error("0-RTT must stay off: tool calls are not replay-safe")
	}
}

func TestSelfSignedTLSConfig(t *testing.T) {
	cfg, err := SelfSignedTLSConfig()
	if err != nil {
		t.Fatal(err)
	}
	if n := len(cfg.Certificates); n != 1 {
		t.Fatalf("certificates: got %d", n)
	}
	if cfg.MinVersion != tls.VersionTLS13 {
		t.Fatalf("min TLS version: got %x", cfg.MinVersion)
	}
	if !slices.Contains(cfg.NextProtos, ALPNProtocolMCP) {
		t.Fatalf("ALPN %q missing from NextProtos %v", ALPNProtocolMCP, cfg.NextProtos)
	}
}

func TestClientTLSConfig(t *testing.T) {
	t.Run("insecure", func(t *testing.T) {
		cfg := ClientTLSConfig(true)
		if !cfg.InsecureSkipVerify {
			t.Fatal("InsecureSkipVerify not set")
		}
		if cfg.MinVersion != tls.VersionTLS13 {
			t.Fatalf("min TLS version: got %x", cfg.MinVersion)
		}
	})
	t.Run("secure", func(t *testing.T) {
		if ClientTLSConfig(false).InsecureSkipVerify {
			t.Fatal("secure config must verify the server cert")
		}
	})
}

// --- Errors ---

func TestConnectionError(t *testing.T) {
	inner := errors.New("timeout")
	ce := &ConnectionError{
		RemoteAddr: "127.0.0.1:8443",
		Code:       ConnErrorProtocolViolation,
		Err:        inner,
	}

	msg := ce.Error()
	for _, want := range []string{"127.0.0.1:8443", "0x03"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error %q missing %q", msg, want)
		}
	}
	if !errors.Is(ce, inner) {
		t.Fatal("ConnectionError must unwrap to the inner error")
	}
}

// --- Client ---

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient("localhost:8443", nil)
	if c.addr != "localhost:8443" {
		t.Fatalf("addr: got %q", c.addr)
	}
	if c.tlsCfg == nil {
		t.Fatal("nil tlsCfg should get the verifying default")
	}
	if c.tlsCfg.InsecureSkipVerify {
		t.Fatal("default TLS config must verify the server cert")
	}

	custom := ClientTLSConfig(false)
	if c2 := NewClient("srv:9000", custom); c2.tlsCfg != custom {
		t.Fatal("caller-supplied TLS config not kept")
	}
}

func TestClient_MethodsRequireConnect(t *testing.T) {
	c := NewClient("localhost:1234", nil)
	ctx := context.Background()

	if _, err := c.ListTools(ctx); err == nil {
		t.Fatal("ListTools before Connect should fail")
	}
	if _, err := c.CallTool(ctx, "persona_generate", nil); err == nil {
		t.Fatal("CallTool before Connect should fail")
	}
	if err := c.Ping(ctx); err == nil {
		t.Fatal("Ping before Connect should fail")
	}
}
