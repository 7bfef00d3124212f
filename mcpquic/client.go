package mcpquic

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/quic-go/quic-go"
)

const mcpConnectTimeout = 10 * time.Second

// Client dials an MCP server over QUIC. Connect performs the dial, ALPN
// check, magic-byte preface and the MCP initialize handshake; the resulting
// session backs ListTools, CallTool and Ping.
type Client struct {
	addr   string
	tlsCfg *tls.Config

	conn   *quic.Conn
	stream *quic.Stream
	sess   *mcp.ClientSession
}

// NewClient prepares a client for addr. A nil tlsCfg gets the verifying
// default; pass ClientTLSConfig(true) to skip verification against
// self-signed dev servers.
func NewClient(addr string, tlsCfg *tls.Config) *Client {
	if tlsCfg == nil {
		tlsCfg = ClientTLSConfig(false)
	}
	return &Client{addr: addr, tlsCfg: tlsCfg}
}

// Connect establishes the QUIC connection and the MCP session on top of it.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := quic.DialAddr(ctx, c.addr, c.tlsCfg, ProductionQUICConfig())
	if err != nil {
		return fmt.Errorf("quic dial %s: %w", c.addr, err)
	}
	if alpn := conn.ConnectionState().TLS.NegotiatedProtocol; alpn != ALPNProtocolMCP {
		conn.CloseWithError(ConnErrorUnsupportedALPN, "bad ALPN")
		return &ConnectionError{
			RemoteAddr: c.addr,
			Code:       ConnErrorUnsupportedALPN,
			Err:        fmt.Errorf("%w: got %q", ErrUnsupportedALPN, alpn),
		}
	}

	stream, err := openPreface(ctx, conn)
	if err != nil {
		return err
	}
	c.conn = conn
	c.stream = stream

	hctx, cancel := context.WithTimeout(ctx, mcpConnectTimeout)
	defer cancel()

	// The SDK runs the full initialize handshake inside Connect.
	mc := mcp.NewClient(&mcp.Implementation{
		Name:    "plume-quic-client",
		Version: "1.0.0",
	}, nil)
	sess, err := mc.Connect(hctx, &mcp.IOTransport{
		Reader: io.NopCloser(stream),
		Writer: streamWriter{stream},
	}, nil)
	if err != nil {
		c.teardown()
		return fmt.Errorf("mcp connect: %w", err)
	}
	c.sess = sess
	return nil
}

// openPreface opens the control stream and writes the protocol preface the
// server validates before speaking JSON-RPC.
func openPreface(ctx context.Context, conn *quic.Conn) (*quic.Stream, error) {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(ConnErrorProtocolViolation, "stream open failed")
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if err := SendMagicBytes(stream); err != nil {
		stream.Close()
		conn.CloseWithError(ConnErrorProtocolViolation, "magic bytes failed")
		return nil, err
	}
	return stream, nil
}

func (c *Client) live() (*mcp.ClientSession, error) {
	if c.sess == nil {
		return nil, fmt.Errorf("client not connected")
	}
	return c.sess, nil
}

// ListTools returns the server's tool catalogue.
func (c *Client) ListTools(ctx context.Context) (*mcp.ListToolsResult, error) {
	sess, err := c.live()
	if err != nil {
		return nil, err
	}
	return sess.ListTools(ctx, nil)
}

// CallTool invokes a named tool with the given arguments.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	sess, err := c.live()
	if err != nil {
		return nil, err
	}
	return sess.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
}

// Ping checks session liveness end to end.
func (c *Client) Ping(ctx context.Context) error {
	sess, err := c.live()
	if err != nil {
		return err
	}
	return sess.Ping(ctx, nil)
}

// Close ends the MCP session and tears down the QUIC connection.
func (c *Client) Close() error {
	if c.sess != nil {
		c.sess.Close()
	}
	return c.teardown()
}

func (c *Client) teardown() error {
	if c.stream != nil {
		c.stream.Close()
	}
	if c.conn != nil {
		c.conn.CloseWithError(ConnErrorNoError, "client closing")
	}
	return nil
}
