package mcphub

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Conn is a live connection to one tool server: the asynchronous operations
// the orchestration layer needs, independent of the underlying transport.
type Conn interface {
	// ListTools fetches the server's current tool catalogue.
	ListTools(ctx context.Context) ([]*mcp.Tool, error)
	// CallTool invokes a tool by its raw (un-namespaced) name.
	CallTool(ctx context.Context, name string, args any) (*mcp.CallToolResult, error)
	// Close releases the transport.
	Close() error
}

// Dialer turns a server configuration into a live connection. The connection
// manager is written against this seam so tests can substitute fakes.
type Dialer interface {
	Dial(ctx context.Context, cfg ServerConfig) (Conn, error)
}

// SDKDialer is the production Dialer, built on the modelcontextprotocol
// go-sdk client and its stdio, streamable-HTTP, and SSE transports.
type SDKDialer struct {
	// ClientName and ClientVersion identify this process to servers during
	// the MCP handshake.
	ClientName    string
	ClientVersion string
	// HTTPClient is used for http and sse transports; nil means
	// http.DefaultClient.
	HTTPClient *http.Client
}

// Dial establishes an MCP session over the transport the config declares.
func (d *SDKDialer) Dial(ctx context.Context, cfg ServerConfig) (Conn, error) {
	transport, err := d.buildTransport(cfg)
	if err != nil {
		return nil, err
	}
	client := mcp.NewClient(&mcp.Implementation{
		Name:    d.clientName(),
		Version: d.clientVersion(),
	}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcphub: connect %s: %w", cfg.ID, err)
	}
	return &sdkConn{session: session}, nil
}

func (d *SDKDialer) buildTransport(cfg ServerConfig) (mcp.Transport, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Transport.Type)) {
	case TransportStdio:
		cmd := exec.Command(cfg.Transport.Command, cfg.Transport.Args...)
		if len(cfg.Transport.Env) > 0 {
			env := os.Environ()
			for k, v := range cfg.Transport.Env {
				env = append(env, fmt.Sprintf("%s=%s", k, v))
			}
			cmd.Env = env
		}
		return &mcp.CommandTransport{Command: cmd}, nil
	case TransportHTTP:
		return &mcp.StreamableClientTransport{
			Endpoint:   cfg.Transport.URL,
			HTTPClient: d.httpClient(cfg),
		}, nil
	case TransportSSE:
		return &mcp.SSEClientTransport{
			Endpoint:   cfg.Transport.URL,
			HTTPClient: d.httpClient(cfg),
		}, nil
	default:
		return nil, fmt.Errorf("mcphub: server %q: unsupported transport %q", cfg.ID, cfg.Transport.Type)
	}
}

func (d *SDKDialer) httpClient(cfg ServerConfig) *http.Client {
	base := d.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}
	if len(cfg.Transport.Headers) == 0 {
		return base
	}
	clone := *base
	clone.Transport = &headerRoundTripper{
		next:    defaultRoundTripper(base.Transport),
		headers: cfg.Transport.Headers,
	}
	return &clone
}

func (d *SDKDialer) clientName() string {
	if d.ClientName != "" {
		return d.ClientName
	}
	return "tiger-schema-hub"
}

func (d *SDKDialer) clientVersion() string {
	if d.ClientVersion != "" {
		return d.ClientVersion
	}
	return "1.0.0"
}

type sdkConn struct {
	session *mcp.ClientSession
}

func (c *sdkConn) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	res, err := c.session.ListTools(ctx, nil)
	if err != nil {
		return nil, err
	}
	return res.Tools, nil
}

func (c *sdkConn) CallTool(ctx context.Context, name string, args any) (*mcp.CallToolResult, error) {
	return c.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
}

func (c *sdkConn) Close() error {
	return c.session.Close()
}

// headerRoundTripper stamps configured headers onto every outbound request.
type headerRoundTripper struct {
	next    http.RoundTripper
	headers map[string]string
}

func (rt *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	for k, v := range rt.headers {
		req.Header.Set(k, v)
	}
	return rt.next.RoundTrip(req)
}

func defaultRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next != nil {
		return next
	}
	return http.DefaultTransport
}
