// Package main generates operator credentials and secrets for a camfleet hub.
package main

import (
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/narvanalabs/camfleet/internal/auth"
	"github.com/narvanalabs/camfleet/internal/secrets"
)

const usage = `Usage: gentoken <command> [flags]

Commands:
  jwt           Sign an operator JWT (needs --secret or JWT_SECRET)
  apikey        Generate an operator API key and its OPERATOR_API_KEYS entry
  agekey        Generate an age key pair for sealing node credentials
  secret-hash   Hash a discovery secret with bcrypt
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "jwt":
		err = runJWT(args)
	case "apikey":
		err = runAPIKey(args)
	case "agekey":
		err = runAgeKey()
	case "secret-hash":
		err = runSecretHash(args)
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runJWT(args []string) error {
	fs := flag.NewFlagSet("jwt", flag.ExitOnError)
	id := fs.String("operator", "admin", "Operator ID for the token")
	name := fs.String("name", "Administrator", "Operator display name")
	role := fs.String("role", string(auth.RoleAdmin), "Operator role (admin or viewer)")
	secret := fs.String("secret", "", "JWT secret (or set JWT_SECRET env var)")
	expiry := fs.Duration("expiry", 24*365*time.Hour, "Token expiry duration")
	fs.Parse(args)

	jwtSecret := *secret
	if jwtSecret == "" {
		jwtSecret = os.Getenv("JWT_SECRET")
	}
	if jwtSecret == "" {
		return fmt.Errorf("JWT secret required, use --secret or set JWT_SECRET")
	}
	if len(jwtSecret) < 32 {
		return fmt.Errorf("JWT secret must be at least 32 characters")
	}
	if !auth.Role(*role).Valid() {
		return fmt.Errorf("%w %q", auth.ErrInvalidRole, *role)
	}

	svc := auth.NewService(&auth.Config{JWTSecret: []byte(jwtSecret), TokenExpiry: *expiry}, nil, nil)
	token, err := svc.GenerateToken(*id, *name, auth.Role(*role))
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func runAPIKey(args []string) error {
	fs := flag.NewFlagSet("apikey", flag.ExitOnError)
	name := fs.String("name", "", "Key name shown in logs")
	role := fs.String("role", string(auth.RoleAdmin), "Operator role (admin or viewer)")
	hashed := fs.Bool("hashed", false, "Print the entry with the key's SHA-256 instead of the key")
	fs.Parse(args)

	if *name == "" {
		return fmt.Errorf("--name is required")
	}
	if !auth.Role(*role).Valid() {
		return fmt.Errorf("%w %q", auth.ErrInvalidRole, *role)
	}

	key, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("generating API key: %w", err)
	}

	entry := key
	if *hashed {
		entry = "sha256=" + auth.HashAPIKey(key)
	}
	fmt.Printf("key:   %s\n", key)
	fmt.Printf("entry: %s:%s:%s\n", *name, *role, entry)
	return nil
}

func runAgeKey() error {
	pub, priv, err := secrets.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generating age key pair: %w", err)
	}
	fmt.Printf("AGE_PUBLIC_KEY=%s\n", pub)
	fmt.Printf("AGE_PRIVATE_KEY=%s\n", priv)
	return nil
}

func runSecretHash(args []string) error {
	fs := flag.NewFlagSet("secret-hash", flag.ExitOnError)
	secret := fs.String("secret", "", "Discovery secret (or set DISCOVERY_SECRET env var)")
	fs.Parse(args)

	s := *secret
	if s == "" {
		s = os.Getenv("DISCOVERY_SECRET")
	}
	if s == "" {
		return fmt.Errorf("discovery secret required, use --secret or set DISCOVERY_SECRET")
	}

	hash, err := auth.HashSecret(s)
	if err != nil {
		return fmt.Errorf("hashing secret: %w", err)
	}
	fmt.Println(hash)
	return nil
}
