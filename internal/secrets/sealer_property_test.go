package secrets

import (
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/narvanalabs/camfleet/internal/models"
)

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	publicKey, privateKey, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("failed to generate key pair: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := NewSealer(&Config{AgePublicKey: publicKey, AgePrivateKey: privateKey}, logger)
	if err != nil {
		t.Fatalf("failed to create sealer: %v", err)
	}
	return s
}

// *For any* credential string, sealing then opening returns the original.
func TestSealRoundTrip(t *testing.T) {
	s := newTestSealer(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("seal then open returns original", prop.ForAll(
		func(plaintext string) bool {
			sealed, err := s.Seal(plaintext)
			if err != nil {
				return false
			}
			if !IsSealed(sealed) || sealed == plaintext {
				return false
			}
			opened, err := s.Open(sealed)
			return err == nil && opened == plaintext
		},
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

// *For any* Auth variant, SealAuth then OpenAuth preserves the credential
// and keeps the variant.
func TestSealAuthRoundTrip(t *testing.T) {
	s := newTestSealer(t)

	genAuth := gen.OneGenOf(
		gen.Const(models.Auth(models.NoAuth{})),
		gen.Identifier().Map(func(tok string) models.Auth { return models.BearerAuth{Token: tok} }),
		gopter.CombineGens(gen.Identifier(), gen.Identifier()).Map(func(v []interface{}) models.Auth {
			return models.BasicAuth{Username: v[0].(string), Password: v[1].(string)}
		}),
	)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("sealed auth opens to the original", prop.ForAll(
		func(a models.Auth) bool {
			sealed, err := s.SealAuth(a)
			if err != nil || sealed.Kind() != a.Kind() {
				return false
			}
			opened, err := s.OpenAuth(sealed)
			return err == nil && opened == a
		},
		genAuth,
	))

	properties.TestingRun(t)
}

func TestBasicUsernameStaysPlain(t *testing.T) {
	s := newTestSealer(t)
	sealed, err := s.SealAuth(models.BasicAuth{Username: "admin", Password: "pw"})
	if err != nil {
		t.Fatalf("SealAuth: %v", err)
	}
	b := sealed.(models.BasicAuth)
	if b.Username != "admin" || !IsSealed(b.Password) {
		t.Fatalf("sealed basic = %+v", b)
	}
}

func TestOpenPassesThroughPlainValues(t *testing.T) {
	s := &Sealer{logger: slog.Default()}
	got, err := s.Open("legacy-token")
	if err != nil || got != "legacy-token" {
		t.Fatalf("Open(plain) = %q, %v", got, err)
	}
}

func TestSealWithoutPublicKey(t *testing.T) {
	s := &Sealer{logger: slog.Default()}
	if _, err := s.Seal("secret"); !errors.Is(err, ErrNoPublicKey) {
		t.Fatalf("Seal error = %v, want ErrNoPublicKey", err)
	}
	if got, err := s.Seal(""); err != nil || got != "" {
		t.Fatalf("Seal(\"\") = %q, %v", got, err)
	}
}

func TestOpenWithoutPrivateKey(t *testing.T) {
	full := newTestSealer(t)
	sealed, err := full.Seal("secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	sealOnly, err := NewSealer(&Config{AgePublicKey: full.PublicKey()}, nil)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	if !sealOnly.CanSeal() || sealOnly.CanOpen() {
		t.Fatalf("CanSeal=%v CanOpen=%v, want true/false", sealOnly.CanSeal(), sealOnly.CanOpen())
	}
	if _, err := sealOnly.Open(sealed); !errors.Is(err, ErrNoPrivateKey) {
		t.Fatalf("Open error = %v, want ErrNoPrivateKey", err)
	}
}

func TestOpenWithWrongKey(t *testing.T) {
	a := newTestSealer(t)
	b := newTestSealer(t)

	sealed, err := a.Seal("secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := b.Open(sealed); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("Open with wrong key error = %v, want ErrDecryptionFailed", err)
	}
}

func TestNewSealerKeyValidation(t *testing.T) {
	pubA, _, _ := GenerateKeyPair()
	_, privB, _ := GenerateKeyPair()

	if _, err := NewSealer(&Config{AgePublicKey: "age1notakey"}, nil); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("bad public key error = %v", err)
	}
	if _, err := NewSealer(&Config{AgePrivateKey: "AGE-SECRET-KEY-1BAD"}, nil); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("bad private key error = %v", err)
	}
	if _, err := NewSealer(&Config{AgePublicKey: pubA, AgePrivateKey: privB}, nil); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("mismatched key pair error = %v", err)
	}

	s, err := NewSealer(&Config{AgePrivateKey: privB}, nil)
	if err != nil {
		t.Fatalf("private-only sealer: %v", err)
	}
	if !s.CanSeal() || !s.CanOpen() {
		t.Fatal("private key alone should allow sealing and opening")
	}
}
