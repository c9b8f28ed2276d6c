package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// AuthKind identifies the credential variant the hub presents to a node.
type AuthKind string

const (
	AuthKindNone   AuthKind = "none"
	AuthKindBearer AuthKind = "bearer"
	// AuthKindBasic is accepted when reading legacy registries only.
	AuthKindBasic AuthKind = "basic"
)

// ErrUnsupportedAuth is returned when an auth document names an unknown kind
// or carries fields that do not belong to its kind.
var ErrUnsupportedAuth = errors.New("unsupported auth")

// AuthVisitor handles every credential variant. Adding a variant adds a
// method here, so every implementation must be updated before it compiles.
type AuthVisitor interface {
	VisitNone()
	VisitBearer(a BearerAuth)
	VisitBasic(a BasicAuth)
}

// Auth is the closed set of credentials a node can be configured with.
type Auth interface {
	Kind() AuthKind
	Accept(v AuthVisitor)
}

// NoAuth sends no credentials.
type NoAuth struct{}

// BearerAuth sends an Authorization: Bearer header.
type BearerAuth struct {
	Token string
}

// BasicAuth sends HTTP basic credentials. New writes never produce it.
type BasicAuth struct {
	Username string
	Password string
}

func (NoAuth) Kind() AuthKind { return AuthKindNone }
func (NoAuth) Accept(v AuthVisitor) { v.VisitNone() }
func (BearerAuth) Kind() AuthKind { return AuthKindBearer }
func (a BearerAuth) Accept(v AuthVisitor) { v.VisitBearer(a) }
func (BasicAuth) Kind() AuthKind { return AuthKindBasic }
func (a BasicAuth) Accept(v AuthVisitor) { v.VisitBasic(a) }

// AuthDocument is the tagged wire form of Auth.
type AuthDocument struct {
	Type     AuthKind `json:"type" yaml:"type"`
	Token    string   `json:"token,omitempty" yaml:"token,omitempty"`
	Username string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password string   `json:"password,omitempty" yaml:"password,omitempty"`
}

type documentEncoder struct{ doc AuthDocument }

func (e *documentEncoder) VisitNone() { e.doc = AuthDocument{Type: AuthKindNone} }
func (e *documentEncoder) VisitBearer(a BearerAuth) {
	e.doc = AuthDocument{Type: AuthKindBearer, Token: a.Token}
}
func (e *documentEncoder) VisitBasic(a BasicAuth) {
	e.doc = AuthDocument{Type: AuthKindBasic, Username: a.Username, Password: a.Password}
}

// EncodeAuth converts an Auth to its tagged document. A nil Auth encodes as none.
func EncodeAuth(a Auth) AuthDocument {
	if a == nil {
		return AuthDocument{Type: AuthKindNone}
	}
	var e documentEncoder
	a.Accept(&e)
	return e.doc
}

// DecodeAuth converts a document produced by current code. Legacy basic
// credentials are rejected here; see DecodeStoredAuth.
func DecodeAuth(doc AuthDocument) (Auth, error) {
	switch doc.Type {
	case "", AuthKindNone:
		if doc.Token != "" || doc.Username != "" || doc.Password != "" {
			return nil, fmt.Errorf("%w: none carries no credentials", ErrUnsupportedAuth)
		}
		return NoAuth{}, nil
	case AuthKindBearer:
		if doc.Token == "" {
			return nil, fmt.Errorf("%w: bearer requires a token", ErrUnsupportedAuth)
		}
		if doc.Username != "" || doc.Password != "" {
			return nil, fmt.Errorf("%w: bearer does not take username or password", ErrUnsupportedAuth)
		}
		return BearerAuth{Token: doc.Token}, nil
	case AuthKindBasic:
		return nil, fmt.Errorf("%w: basic auth is no longer accepted, use bearer", ErrUnsupportedAuth)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrUnsupportedAuth, doc.Type)
	}
}

// DecodeStoredAuth decodes a document read back from persistent storage.
// It is the only path that yields BasicAuth.
func DecodeStoredAuth(doc AuthDocument) (Auth, error) {
	if doc.Type == AuthKindBasic {
		return decodeLegacyBasic(doc)
	}
	return DecodeAuth(doc)
}

func decodeLegacyBasic(doc AuthDocument) (Auth, error) {
	if doc.Username == "" {
		return nil, fmt.Errorf("%w: legacy basic auth without username", ErrUnsupportedAuth)
	}
	return BasicAuth{Username: doc.Username, Password: doc.Password}, nil
}

// MarshalJSON implements json.Marshaler.
func (d AuthDocument) MarshalJSON() ([]byte, error) {
	type alias AuthDocument
	if d.Type == "" {
		d.Type = AuthKindNone
	}
	return json.Marshal(alias(d))
}
