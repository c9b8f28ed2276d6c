package models

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genTime generates a random time truncated to second precision for JSON compatibility.
func genTime() gopter.Gen {
	return gen.Int64Range(0, 2000000000).Map(func(secs int64) time.Time {
		return time.Unix(secs, 0).UTC()
	})
}

// genAuth generates every stored credential variant, legacy basic included.
func genAuth() gopter.Gen {
	return gen.OneGenOf(
		gen.Const(Auth(NoAuth{})),
		gen.Identifier().Map(func(tok string) Auth { return BearerAuth{Token: tok} }),
		gopter.CombineGens(gen.Identifier(), gen.AlphaString()).Map(func(vals []interface{}) Auth {
			return BasicAuth{Username: vals[0].(string), Password: vals[1].(string)}
		}),
	)
}

func genLabels() gopter.Gen {
	return gen.MapOf(gen.Identifier(), gen.AlphaString()).Map(func(m map[string]string) map[string]string {
		if len(m) == 0 {
			return nil
		}
		return m
	})
}

func genStatus() gopter.Gen {
	return gopter.CombineGens(
		gen.Identifier(),
		genTime(),
		gen.Bool(),
		gen.Bool(),
		gen.OneConstOf(ErrorKind(""), ErrorKindBlocked, ErrorKindUnreachable, ErrorKindInvalidResponse),
	).Map(func(vals []interface{}) *NodeStatus {
		ready := vals[3].(bool)
		return &NodeStatus{
			NodeID:    vals[0].(string),
			ProbedAt:  vals[1].(time.Time),
			Reachable: vals[2].(bool),
			Ready:     &ready,
			Health:    json.RawMessage(`{"status":"ok"}`),
			ErrorKind: vals[4].(ErrorKind),
		}
	})
}

func genNode() gopter.Gen {
	return gopter.CombineGens(
		gen.Identifier(),
		gen.AlphaString(),
		gen.OneConstOf(TransportHTTP, TransportDockerProxy),
		genAuth(),
		genLabels(),
		gen.SliceOf(gen.OneConstOf(CapabilityStream, "snapshot", "ptz")),
		genTime(),
		gen.PtrOf(genTime()),
		gen.PtrOf(genStatus()),
	).Map(func(vals []interface{}) Node {
		n := Node{
			ID:           vals[0].(string),
			Name:         vals[1].(string),
			BaseURL:      "http://198.51.100.5:8000",
			Transport:    vals[2].(Transport),
			Auth:         vals[3].(Auth),
			Labels:       vals[4].(map[string]string),
			Capabilities: NormalizeCapabilities(vals[5].([]string)),
			CreatedAt:    vals[6].(time.Time),
			UpdatedAt:    vals[6].(time.Time),
		}
		if seen, ok := vals[7].(*time.Time); ok && seen != nil {
			n.LastSeen = seen
		}
		if st, ok := vals[8].(**NodeStatus); ok && st != nil {
			n.CachedStatus = *st
		}
		return n
	})
}

// *For any* stored node, encoding to JSON and decoding back yields an
// identical record, credentials included.
func TestNodeJSONRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Node JSON round-trip preserves data", prop.ForAll(
		func(original Node) bool {
			data, err := json.Marshal(original)
			if err != nil {
				return false
			}

			var restored Node
			if err := json.Unmarshal(data, &restored); err != nil {
				return false
			}

			if restored.Auth == nil {
				restored.Auth = NoAuth{}
			}
			if original.Auth == nil {
				original.Auth = NoAuth{}
			}
			return reflect.DeepEqual(original, restored)
		},
		genNode(),
	))

	properties.TestingRun(t)
}

// *For any* credential produced by current code, the tagged document
// decodes back to the same credential.
func TestAuthDocumentRoundTrip(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("bearer and none survive encode/decode", prop.ForAll(
		func(token string, none bool) bool {
			var a Auth = BearerAuth{Token: token}
			if none {
				a = NoAuth{}
			}
			decoded, err := DecodeAuth(EncodeAuth(a))
			return err == nil && decoded == a
		},
		gen.Identifier(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestDecodeAuthRejectsLegacyBasic(t *testing.T) {
	doc := AuthDocument{Type: AuthKindBasic, Username: "admin", Password: "pw"}

	if _, err := DecodeAuth(doc); !errors.Is(err, ErrUnsupportedAuth) {
		t.Fatalf("DecodeAuth(basic) error = %v, want ErrUnsupportedAuth", err)
	}

	got, err := DecodeStoredAuth(doc)
	if err != nil {
		t.Fatalf("DecodeStoredAuth(basic): %v", err)
	}
	if got != (BasicAuth{Username: "admin", Password: "pw"}) {
		t.Fatalf("DecodeStoredAuth(basic) = %#v", got)
	}
}

func TestDecodeAuthValidation(t *testing.T) {
	tests := []struct {
		name string
		doc  AuthDocument
		ok   bool
	}{
		{"empty type means none", AuthDocument{}, true},
		{"none with token", AuthDocument{Type: AuthKindNone, Token: "x"}, false},
		{"bearer without token", AuthDocument{Type: AuthKindBearer}, false},
		{"bearer with username", AuthDocument{Type: AuthKindBearer, Token: "t", Username: "u"}, false},
		{"unknown", AuthDocument{Type: "digest"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeAuth(tt.doc)
			if (err == nil) != tt.ok {
				t.Fatalf("DecodeAuth(%+v) error = %v", tt.doc, err)
			}
		})
	}
}

// *For any* status, classification is a partition: exactly one bucket, and
// available iff reachable && ready, degraded iff reachable && !ready.
func TestClassifyPartition(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("classification follows reachable/ready", prop.ForAll(
		func(reachable, ready, readyKnown bool) bool {
			st := &NodeStatus{Reachable: reachable}
			if readyKnown {
				st.Ready = &ready
			}
			effectiveReady := readyKnown && ready
			switch st.Classify() {
			case ClassAvailable:
				return reachable && effectiveReady
			case ClassDegraded:
				return reachable && !effectiveReady
			case ClassUnavailable:
				return !reachable
			default:
				return false
			}
		},
		gen.Bool(), gen.Bool(), gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestNormalizeCapabilities(t *testing.T) {
	got := NormalizeCapabilities([]string{"stream", "", "ptz", "stream"})
	want := []string{"ptz", "stream"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("NormalizeCapabilities = %v, want %v", got, want)
	}
	if NormalizeCapabilities(nil) != nil {
		t.Fatal("NormalizeCapabilities(nil) should stay nil")
	}
}
