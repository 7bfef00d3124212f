package mcpquic

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/quic-go/quic-go"

	"github.com/plumehq/plume/idgen"
	"github.com/plumehq/plume/kit"
)

// Handler runs individual MCP-over-QUIC connections without owning a
// listener. The MCP SDK drives the JSON-RPC read/write loop; streamTransport
// hands it the QUIC stream and taggedConn stamps our session ID onto the
// connection. If sessions leak or hang, check that ServerSession.Wait()
// unblocks on QUIC stream closure and that DefaultIdleTimeout is propagated.
type Handler struct {
	mcpServer *mcp.Server
	logger    *slog.Logger
	newID     idgen.Generator
}

// HandlerOption tunes Handler construction.
type HandlerOption func(*Handler)

// WithHandlerIDGenerator swaps the session ID source, mainly for tests.
func WithHandlerIDGenerator(gen idgen.Generator) HandlerOption {
	return func(h *Handler) { h.newID = gen }
}

// NewHandler creates an MCP connection handler for use by Listener or a
// custom accept loop.
func NewHandler(mcpSrv *mcp.Server, logger *slog.Logger, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		mcpServer: mcpSrv,
		logger:    logger,
		newID:     idgen.NanoID(8),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// ServeConn runs a single QUIC connection as an MCP session and returns
// when the session ends.
func (h *Handler) ServeConn(ctx context.Context, conn *quic.Conn) {
	remote := conn.RemoteAddr().String()

	stream, err := h.acceptPreface(ctx, conn)
	if err != nil {
		h.logger.Error("mcp-quic preface rejected", "remote", remote, "error", err)
		return
	}

	sessionID := "quic_" + h.newID()
	h.logger.Info("mcp-quic session starting", "session", sessionID, "remote", remote)

	// Session identity rides the context into tool handlers for logging
	// and audit.
	ctx = kit.WithTransport(ctx, "mcp_quic")
	ctx = kit.WithSessionID(ctx, sessionID)
	ctx = kit.WithRemoteAddr(ctx, remote)

	ss, err := h.mcpServer.Connect(ctx, &streamTransport{stream: stream, sid: sessionID}, nil)
	if err != nil {
		h.logger.Error("mcp-quic connect failed", "session", sessionID, "error", err)
		stream.Close()
		return
	}

	// Blocks until client disconnect or context cancellation.
	if err := ss.Wait(); err != nil {
		h.logger.Debug("mcp-quic session ended with error", "session", sessionID, "error", err)
	}
	h.logger.Info("mcp-quic session ended", "session", sessionID, "remote", remote)
}

// acceptPreface accepts the client's control stream and checks the magic
// bytes, closing the connection on any mismatch.
func (h *Handler) acceptPreface(ctx context.Context, conn *quic.Conn) (*quic.Stream, error) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(ConnErrorProtocolViolation, "stream accept failed")
		return nil, err
	}
	if err := ValidateMagicBytes(stream); err != nil {
		stream.CancelWrite(StreamErrorProtocolConfusion)
		stream.CancelRead(StreamErrorProtocolConfusion)
		conn.CloseWithError(ConnErrorProtocolViolation, "invalid magic bytes")
		return nil, err
	}
	return stream, nil
}

// Listener accepts MCP-over-QUIC connections and dispatches them to a shared
// MCP server. cmd/plume runs one when the MCP transport is set to "quic".
type Listener struct {
	listener *quic.Listener
	handler  *Handler
	logger   *slog.Logger
}

func NewListener(addr string, tlsCfg *tls.Config, mcpSrv *mcp.Server, logger *slog.Logger, opts ...HandlerOption) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l, err := quic.ListenAddr(addr, tlsCfg, ProductionQUICConfig())
	if err != nil {
		return nil, err
	}
	logger.Info("mcp-quic listener ready", "addr", addr)
	return &Listener{
		listener: l,
		handler:  NewHandler(mcpSrv, logger, opts...),
		logger:   logger,
	}, nil
}

// Serve accepts connections until ctx is cancelled or the listener closes.
func (l *Listener) Serve(ctx context.Context) error {
	for {
		conn, err := l.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, quic.ErrServerClosed) {
				return ErrConnectionClosed
			}
			l.logger.Error("mcp-quic accept error", "error", err)
			continue
		}
		go l.dispatch(ctx, conn)
	}
}

// dispatch gates the connection on the negotiated ALPN before handing it to
// the handler.
func (l *Listener) dispatch(ctx context.Context, conn *quic.Conn) {
	alpn := conn.ConnectionState().TLS.NegotiatedProtocol
	if alpn != ALPNProtocolMCP {
		conn.CloseWithError(ConnErrorUnsupportedALPN, "unsupported ALPN: "+alpn)
		return
	}
	l.handler.ServeConn(ctx, conn)
}

func (l *Listener) Close() error {
	return l.listener.Close()
}

// streamTransport implements mcp.Transport over a server-side QUIC stream.
type streamTransport struct {
	stream *quic.Stream
	sid    string
}

func (t *streamTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	iot := &mcp.IOTransport{
		Reader: io.NopCloser(t.stream),
		Writer: streamWriter{t.stream},
	}
	conn, err := iot.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &taggedConn{Connection: conn, id: t.sid}, nil
}

// taggedConn overrides the SDK connection's session ID with ours.
type taggedConn struct {
	mcp.Connection
	id string
}

func (c *taggedConn) SessionID() string { return c.id }

// streamWriter adapts a *quic.Stream to io.WriteCloser.
type streamWriter struct{ stream *quic.Stream }

func (w streamWriter) Write(p []byte) (int, error) { return w.stream.Write(p) }
func (w streamWriter) Close() error                { return w.stream.Close() }
