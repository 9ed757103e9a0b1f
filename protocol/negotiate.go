package protocol

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/ggoodman/mcp-proxy-go/jsonrpc"
	"github.com/ggoodman/mcp-proxy-go/mcp"
	"github.com/ggoodman/mcp-proxy-go/proxyerr"
)

// Capabilities is the transport-level feature set agreed for a session.
type Capabilities uint8

const (
	AcceptsJSON Capabilities = 1 << iota
	AcceptsEventStream
	SupportsBatch
)

// AllCapabilities is every capability the proxy understands.
const AllCapabilities = AcceptsJSON | AcceptsEventStream | SupportsBatch

// Has reports whether every bit in c2 is set.
func (c Capabilities) Has(c2 Capabilities) bool { return c&c2 == c2 }

func (c Capabilities) String() string {
	var parts []string
	if c.Has(AcceptsJSON) {
		parts = append(parts, "json")
	}
	if c.Has(AcceptsEventStream) {
		parts = append(parts, "event-stream")
	}
	if c.Has(SupportsBatch) {
		parts = append(parts, "batch")
	}
	return strings.Join(parts, "|")
}

// Proposal is what a client offers during initialization: the protocol
// versions it can speak (preferred first) and its transport capabilities.
type Proposal struct {
	Versions     []string
	Capabilities Capabilities
}

// Negotiation is the agreed outcome.
type Negotiation struct {
	Version      string
	Capabilities Capabilities
	// Downgraded is set when the agreed version is older than the client's
	// preferred one.
	Downgraded bool
}

// NegotiationError is returned when no common version exists. It carries the
// data needed for the client-facing error response.
type NegotiationError struct {
	Supported []string
	Requested []string
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("unsupported protocol version %v (supported: %v)", e.Requested, e.Supported)
}

// Data is the structured error payload sent to the client.
func (e *NegotiationError) Data() mcp.UnsupportedVersionData {
	return mcp.UnsupportedVersionData{Supported: e.Supported, Requested: e.Requested}
}

// Negotiator chooses a protocol version and capability set.
type Negotiator struct {
	supported []string
	caps      Capabilities
}

// NewNegotiator builds a negotiator over the given versions. An empty list
// means mcp.SupportedProtocolVersions.
func NewNegotiator(supported []string, caps Capabilities) *Negotiator {
	if len(supported) == 0 {
		supported = mcp.SupportedProtocolVersions
	}
	s := slices.Clone(supported)
	slices.Sort(s)
	slices.Reverse(s)
	return &Negotiator{supported: s, caps: caps}
}

// Supported returns the supported versions, newest first.
func (n *Negotiator) Supported() []string { return slices.Clone(n.supported) }

// Negotiate picks the highest mutually supported version that is not newer
// than the client's preferred version. Versions are ISO dates, so string
// order is chronological.
func (n *Negotiator) Negotiate(p Proposal) (Negotiation, error) {
	if len(p.Versions) == 0 {
		return Negotiation{}, n.fail(p)
	}
	preferred := p.Versions[0]

	best := ""
	for _, v := range p.Versions {
		if v > preferred || !slices.Contains(n.supported, v) {
			continue
		}
		if v > best {
			best = v
		}
	}
	if best == "" {
		return Negotiation{}, n.fail(p)
	}

	caps := p.Capabilities & n.caps
	if !mcp.SupportsBatching(best) {
		caps &^= SupportsBatch
	}
	return Negotiation{
		Version:      best,
		Capabilities: caps,
		Downgraded:   best != preferred,
	}, nil
}

func (n *Negotiator) fail(p Proposal) error {
	return &proxyerr.Error{
		Kind: proxyerr.NegotiationFailed,
		Op:   "protocol.negotiate",
		Err:  &NegotiationError{Supported: n.Supported(), Requested: slices.Clone(p.Versions)},
	}
}

// ProposalFromInitialize extracts the client's proposal from an initialize
// request. A missing protocolVersion is treated as the latest version.
func ProposalFromInitialize(msg *jsonrpc.AnyMessage, caps Capabilities) (Proposal, *mcp.InitializeRequest, error) {
	var req mcp.InitializeRequest
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &req); err != nil {
			return Proposal{}, nil, proxyerr.E(proxyerr.ProtocolViolation, "protocol.initialize", err)
		}
	}
	v := req.ProtocolVersion
	if v == "" {
		v = mcp.LatestProtocolVersion
	}
	return Proposal{Versions: []string{v}, Capabilities: caps}, &req, nil
}

// RewriteInitializeVersion returns msg with params.protocolVersion replaced.
// Other params members are preserved verbatim.
func RewriteInitializeVersion(msg *jsonrpc.AnyMessage, version string) (*jsonrpc.AnyMessage, error) {
	params := map[string]json.RawMessage{}
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, proxyerr.E(proxyerr.ProtocolViolation, "protocol.initialize", err)
		}
	}
	b, err := json.Marshal(version)
	if err != nil {
		return nil, proxyerr.E(proxyerr.SerializationError, "protocol.initialize", err)
	}
	params["protocolVersion"] = b
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, proxyerr.E(proxyerr.SerializationError, "protocol.initialize", err)
	}
	out := msg.Clone()
	out.Params = raw
	return out, nil
}
