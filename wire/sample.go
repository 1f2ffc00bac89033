package wire

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Sample is a single timestamped, typed, named measurement from an agent.
//
// A sample is transmitted either by Token (when Token >= 0) or by its full
// identity (Host, Agent, Namespace, Name and Type), never both.
type Sample struct {
	Host      string
	Agent     string
	Namespace []string // uniformly flat ("cpu") or mapped ("cpu=0")
	Name      string
	Type      Type

	Timestamp int64  // epoch millis
	Value     int64  // numeric types only
	Raw       []byte // non-numeric types only, at most MaxRawValueSize bytes

	Token int64 // NoToken until the router assigns one
}

// HasToken reports whether the sample is transmitted by token.
func (s *Sample) HasToken() bool {
	return s.Token >= 0
}

// Identity returns the identifying part of the sample.
func (s *Sample) Identity() Identity {
	return Identity{
		Host:      s.Host,
		Agent:     s.Agent,
		Namespace: s.Namespace,
		Name:      s.Name,
		Type:      s.Type,
	}
}

// Identity is what a token stands for.
type Identity struct {
	Host      string
	Agent     string
	Namespace []string
	Name      string
	Type      Type
}

// NamespaceMode is the uniform form of a namespace path.
type NamespaceMode uint8

const (
	NamespaceFlat NamespaceMode = iota
	NamespaceMapped
)

var (
	errEmptyName      = errors.New("name is empty")
	errEmptySegment   = errors.New("empty namespace entry")
	errMixedNamespace = errors.New("namespace mixes flat and mapped entries")
	errInvalidUTF8    = errors.New("invalid UTF-8")
	errDelimiter      = errors.New("segment contains '/' or ':'")
)

// Mode returns the namespace mode of the identity. An empty namespace is flat.
func (id Identity) Mode() NamespaceMode {
	if len(id.Namespace) > 0 && strings.IndexByte(id.Namespace[0], mappedDelim) >= 0 {
		return NamespaceMapped
	}
	return NamespaceFlat
}

// FQN returns the fully qualified name, the textual identity carried on the
// wire: host "/" agent { "/" entry } ":" name.
func (id Identity) FQN() string {
	var sb strings.Builder
	sb.Grow(id.fqnLen())
	sb.WriteString(id.Host)
	sb.WriteByte(namespaceDelim)
	sb.WriteString(id.Agent)
	for _, ns := range id.Namespace {
		sb.WriteByte(namespaceDelim)
		sb.WriteString(ns)
	}
	sb.WriteByte(nameDelim)
	sb.WriteString(id.Name)
	return sb.String()
}

func (id Identity) fqnLen() int {
	n := len(id.Host) + 1 + len(id.Agent) + 1 + len(id.Name)
	for _, ns := range id.Namespace {
		n += 1 + len(ns)
	}
	return n
}

func (id Identity) appendFQN(dst []byte) []byte {
	dst = append(dst, id.Host...)
	dst = append(dst, namespaceDelim)
	dst = append(dst, id.Agent...)
	for _, ns := range id.Namespace {
		dst = append(dst, namespaceDelim)
		dst = append(dst, ns...)
	}
	dst = append(dst, nameDelim)
	return append(dst, id.Name...)
}

// Validate checks that the identity can be carried on the wire and parsed
// back unchanged.
func (id Identity) Validate() error {
	if id.Name == "" {
		return malformed("identity", errEmptyName)
	}
	if !id.Type.Valid() {
		return malformedf("type", "unknown type %d", id.Type)
	}
	if err := validateSegment(id.Host, true); err != nil {
		return malformed("host", err)
	}
	if err := validateSegment(id.Agent, true); err != nil {
		return malformed("agent", err)
	}
	if err := validateSegment(id.Name, false); err != nil {
		return malformed("name", err)
	}

	mapped := id.Mode() == NamespaceMapped
	for _, ns := range id.Namespace {
		if err := validateSegment(ns, false); err != nil {
			return malformed("namespace", err)
		}
		if (strings.IndexByte(ns, mappedDelim) >= 0) != mapped {
			return malformed("namespace", errMixedNamespace)
		}
	}
	if n := id.fqnLen(); n > MaxIdentityLength {
		return malformedf("identity", "fqn length %d exceeds %d", n, MaxIdentityLength)
	}
	return nil
}

func validateSegment(s string, allowEmpty bool) error {
	if s == "" {
		if allowEmpty {
			return nil
		}
		return errEmptySegment
	}
	if strings.ContainsAny(s, "/:") {
		return errDelimiter
	}
	if !utf8.ValidString(s) {
		return errInvalidUTF8
	}
	return nil
}

// ParseFQN parses a fully qualified name back into an identity of type t.
func ParseFQN(fqn string, t Type) (Identity, error) {
	if !utf8.ValidString(fqn) {
		return Identity{}, malformed("identity", errInvalidUTF8)
	}

	colon := strings.IndexByte(fqn, nameDelim)
	if colon < 0 {
		return Identity{}, malformedf("identity", "fqn %q has no name delimiter", fqn)
	}
	path, name := fqn[:colon], fqn[colon+1:]

	host, rest, ok := strings.Cut(path, string(namespaceDelim))
	if !ok {
		return Identity{}, malformedf("identity", "fqn %q has no agent", fqn)
	}
	agent, nsPath, hasNS := strings.Cut(rest, string(namespaceDelim))

	id := Identity{Host: host, Agent: agent, Name: name, Type: t}
	if hasNS {
		id.Namespace = strings.Split(nsPath, string(namespaceDelim))
	}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}
