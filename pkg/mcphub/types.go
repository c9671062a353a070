package mcphub

import (
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Status represents the lifecycle of a managed server connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
	StatusTimeout      Status = "timeout"
)

// ServerMetadata carries static facts derived during connection.
type ServerMetadata struct {
	Description  string
	Version      string
	ToolCount    int
	Capabilities []string
}

// serverInstance is the registry's mutable record for one configured server.
// Connection state fields are written only through Registry.UpdateServerStatus;
// bookkeeping fields (LastUsedAt) through Registry.TouchServer.
type serverInstance struct {
	config ServerConfig

	conn  Conn
	tools map[string]*mcp.Tool // raw name -> definition

	status      Status
	lastError   error
	connectedAt time.Time
	lastUsedAt  time.Time
	metadata    *ServerMetadata
}

// ServerState is an immutable snapshot of a server instance handed to readers.
type ServerState struct {
	Config      ServerConfig
	Status      Status
	LastError   error
	ConnectedAt time.Time
	LastUsedAt  time.Time
	ToolCount   int
	Metadata    *ServerMetadata
}

// ToolOrigin identifies where an exposed (namespaced) tool actually lives.
type ToolOrigin struct {
	ServerID string
	RawName  string
}

// Turn is one prior exchange in the conversation supplied with a request.
type Turn struct {
	Role    string
	Content string
}

// RequestContext is everything the router may consider for one inbound request.
type RequestContext struct {
	UserMessage string
	History     []Turn
	AppState    map[string]any
	Preference  *UserPreference
}

// PreferenceMode is the effective routing mode requested by the user.
type PreferenceMode string

const (
	ModeAuto    PreferenceMode = "auto"
	ModeForce   PreferenceMode = "force"
	ModeSkip    PreferenceMode = "skip"
	ModeVerbose PreferenceMode = "verbose"
)

// UserPreference is an explicit user directive, either pre-parsed by the
// caller or extracted from bracketed directives in the message text.
type UserPreference struct {
	Mode    PreferenceMode
	Servers []string // explicit allow-list of server ids
	Exclude []string // server ids to remove from auto-routing results
}

// Category classifies what kind of request the user made.
type Category string

const (
	CategoryDesign   Category = "design"
	CategoryQuestion Category = "question"
	CategoryModify   Category = "modify"
	CategoryQuery    Category = "query"
	CategoryUnknown  Category = "unknown"
)

// Complexity is a coarse effort tier for the request.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// RequestAnalysis is the classifier's verdict for one request. It is a soft
// exposure filter: even simple classifications still request server exposure
// so the downstream model makes the final call on tool use.
type RequestAnalysis struct {
	Category          Category
	Complexity        Complexity
	Confidence        float64
	Tags              []string
	RequiresKnowledge bool
}

// RoutingDecision is the router's output: whether to expose tool servers and
// which ones, in preference order.
type RoutingDecision struct {
	UseMCP           bool
	PreferredServers []string
	Reason           string
	Confidence       float64
	RequestID        string
}

// ToolsResult bundles what the request handler needs to merge tool-server
// tools into its own tool set.
type ToolsResult struct {
	Tools    map[string]*mcp.Tool
	Decision RoutingDecision
	UseMCP   bool
}
