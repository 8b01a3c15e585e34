package fhir

import "strings"

// Identifier names under a Namespace.
const (
	IDSub               = "sub"
	IDClientName        = "client_name"
	IDRedirectURI       = "redirect_uri"
	IDClientID          = "client_id"
	IDAuthorizationCode = "authorization_code"
	IDAccessToken       = "access_token"
)

// Namespace is the base URI of the identifier systems, tags and extension
// URLs this server writes. Identifier systems are "{base}#{name}".
type Namespace string

func (n Namespace) base() string { return strings.TrimRight(string(n), "/#") }

// System returns the identifier system for name.
func (n Namespace) System(name string) string { return n.base() + "#" + name }

// Identifier builds an identifier in the system for name.
func (n Namespace) Identifier(name, value string) Identifier {
	return Identifier{System: n.System(name), Value: value}
}

// Values returns the values of ids in the system for name.
func (n Namespace) Values(ids []Identifier, name string) []string {
	return IdentifierValues(ids, n.System(name))
}

// Value returns the first value of ids in the system for name.
func (n Namespace) Value(ids []Identifier, name string) string {
	if v := n.Values(ids, name); len(v) > 0 {
		return v[0]
	}
	return ""
}

// Extension returns the extension URL for name, "{base}/{name}".
func (n Namespace) Extension(name string) string { return n.base() + "/" + name }

// Meta returns resource meta tagged with the namespace.
func (n Namespace) Meta() *Meta {
	return &Meta{Tag: []Coding{{System: n.base()}}}
}

// Owns reports whether uri is the namespace base or one of its identifier
// systems or extension URLs.
func (n Namespace) Owns(uri string) bool {
	base := n.base()
	if base == "" {
		return false
	}
	return uri == base || strings.HasPrefix(uri, base+"#") || strings.HasPrefix(uri, base+"/")
}
