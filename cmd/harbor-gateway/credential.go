// ABOUTME: Credential management subcommands operating directly on the credential store
// ABOUTME: add, disable, enable and list client credentials, and issue operator tokens

package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/harbor-gateway/internal/auth"
	"github.com/2389/harbor-gateway/internal/config"
	"github.com/2389/harbor-gateway/internal/store"
)

// credentialArgs holds the flags accepted by the credential and token commands.
type credentialArgs struct {
	ClientID string
	Secret   string
	Company  int64
	Scopes   []string
	TTL      time.Duration
	Disabled bool
}

// parseCredentialArgs parses "--flag value" and "--flag=value" forms.
// --scope may be repeated or given a comma separated list.
func parseCredentialArgs(args []string) (*credentialArgs, error) {
	out := &credentialArgs{}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			return nil, fmt.Errorf("unexpected argument: %s", arg)
		}

		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if name == "disabled" {
			out.Disabled = true
			continue
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--%s requires a value", name)
			}
			value = args[i+1]
			i++
		}

		switch name {
		case "client-id", "id":
			out.ClientID = value
		case "secret":
			out.Secret = value
		case "company":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid --company %q: %w", value, err)
			}
			out.Company = n
		case "scope", "scopes":
			for _, s := range strings.Split(value, ",") {
				if s = strings.TrimSpace(s); s != "" {
					out.Scopes = append(out.Scopes, s)
				}
			}
		case "ttl":
			d, err := time.ParseDuration(value)
			if err != nil || d <= 0 {
				return nil, fmt.Errorf("invalid --ttl %q", value)
			}
			out.TTL = d
		default:
			return nil, fmt.Errorf("unknown flag: %s", arg)
		}
	}
	return out, nil
}

// openStore loads the config and opens its credential store.
func openStore() (*config.Config, *store.SQLiteStore, error) {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	dbPath := cfg.Database.Path
	if envPath := os.Getenv("HARBOR_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return cfg, s, nil
}

func runCredential(ctx context.Context, args []string) error {
	// Default to list
	subcmd := "list"
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	parsed, err := parseCredentialArgs(args)
	if err != nil {
		return err
	}

	_, s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	switch subcmd {
	case "list", "ls":
		return cmdCredentialList(ctx, s)
	case "add", "create":
		return cmdCredentialAdd(ctx, s, parsed)
	case "disable":
		return cmdCredentialSetEnabled(ctx, s, parsed.ClientID, false)
	case "enable":
		return cmdCredentialSetEnabled(ctx, s, parsed.ClientID, true)
	default:
		return fmt.Errorf("unknown credential subcommand: %s (use list, add, disable, enable)", subcmd)
	}
}

func generateClientSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func cmdCredentialAdd(ctx context.Context, s store.CredentialAdmin, args *credentialArgs) error {
	if args.ClientID == "" || len(args.Scopes) == 0 {
		return errors.New("usage: credential add --client-id <id> --company <n> --scope <scope> [--scope ...] [--secret <s>] [--disabled]")
	}

	secret := args.Secret
	generated := false
	if secret == "" {
		var err error
		if secret, err = generateClientSecret(); err != nil {
			return err
		}
		generated = true
	}

	hash, err := store.HashSecret(secret)
	if err != nil {
		return err
	}

	cred := &store.Credential{
		ClientID:   args.ClientID,
		SecretHash: hash,
		Enabled:    !args.Disabled,
		CompanyID:  args.Company,
		Scopes:     args.Scopes,
	}
	if err := s.CreateCredential(ctx, cred); err != nil {
		if errors.Is(err, store.ErrDuplicateClientID) {
			return fmt.Errorf("client id %q already exists", args.ClientID)
		}
		return fmt.Errorf("creating credential: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Created credential: %s\n", cred.ClientID)
	fmt.Printf("  Company:   %d\n", cred.CompanyID)
	fmt.Printf("  Scopes:    %s\n", strings.Join(cred.Scopes, ", "))
	fmt.Printf("  Enabled:   %t\n", cred.Enabled)
	if generated {
		yellow := color.New(color.FgYellow)
		yellow.Printf("  Secret:    %s\n", secret)
		fmt.Println("  (shown once, store it now)")
	}
	return nil
}

func cmdCredentialSetEnabled(ctx context.Context, s store.CredentialAdmin, clientID string, enabled bool) error {
	if clientID == "" {
		return errors.New("--client-id is required")
	}
	if err := s.SetCredentialEnabled(ctx, clientID, enabled); err != nil {
		if errors.Is(err, store.ErrCredentialNotFound) {
			return fmt.Errorf("client id %q not found", clientID)
		}
		return err
	}

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	color.Green("✓ Credential %s %s", clientID, state)
	return nil
}

func cmdCredentialList(ctx context.Context, s store.CredentialAdmin) error {
	creds, err := s.ListCredentials(ctx)
	if err != nil {
		return fmt.Errorf("listing credentials: %w", err)
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Client Credentials")
	cyan.Println("  ------------------")

	if len(creds) == 0 {
		fmt.Println("  (no credentials)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  CLIENT ID\tCOMPANY\tENABLED\tSCOPES\tCREATED")
	fmt.Fprintln(w, "  ---------\t-------\t-------\t------\t-------")
	for _, c := range creds {
		fmt.Fprintf(w, "  %s\t%d\t%t\t%s\t%s\n",
			c.ClientID, c.CompanyID, c.Enabled, strings.Join(c.Scopes, ","), c.CreatedAt.Format("Jan 02 15:04"))
	}
	w.Flush()
	fmt.Println()
	return nil
}

// runToken issues a bearer token for a stored, enabled credential without
// checking its secret.
func runToken(ctx context.Context, args []string) error {
	parsed, err := parseCredentialArgs(args)
	if err != nil {
		return err
	}
	if parsed.ClientID == "" {
		return errors.New("usage: token --client-id <id> [--ttl 1h]")
	}

	cfg, s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	token, err := issueToken(ctx, s, []byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL, parsed)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func issueToken(ctx context.Context, s store.CredentialStore, secret []byte, defaultTTL time.Duration, args *credentialArgs) (string, error) {
	cred, err := s.GetCredentialByClientID(ctx, args.ClientID)
	if err != nil {
		if errors.Is(err, store.ErrCredentialNotFound) {
			return "", fmt.Errorf("client id %q not found", args.ClientID)
		}
		return "", err
	}
	if !cred.Enabled {
		return "", fmt.Errorf("client id %q is disabled", args.ClientID)
	}

	ttl := defaultTTL
	if args.TTL > 0 {
		ttl = args.TTL
	}
	codec, err := auth.NewTokenCodec(secret, ttl)
	if err != nil {
		return "", err
	}
	return codec.Issue(auth.Principal{
		ClientID:  cred.ClientID,
		CompanyID: cred.CompanyID,
		Scopes:    cred.Scopes,
		Enabled:   cred.Enabled,
	})
}
