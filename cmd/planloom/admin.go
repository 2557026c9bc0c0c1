package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"syscall"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/planloom/planloom/internal/config"
	"github.com/planloom/planloom/internal/secrets"
)

// runAdmin dispatches admin subcommands (hash-key, show-config).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "hash-key":
		return runAdminHashKey(args[1:])
	case "show-config":
		return runAdminShowConfig(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: planloom admin <command> [options]

Commands:
  hash-key      Generate a bcrypt hash of an API key for auth configuration
  show-config   Print the effective configuration with secrets redacted
  help          Show this help message

Examples:
  planloom admin hash-key
  planloom admin hash-key --key my-secret-key
  planloom admin show-config
`)
}

func runAdminHashKey(args []string) error {
	fs := flag.NewFlagSet("hash-key", flag.ContinueOnError)
	key := fs.String("key", "", "API key to hash (prompted if not provided)") //nolint:gosec // CLI flag
	cost := fs.Int("cost", bcrypt.DefaultCost, "bcrypt cost factor")
	if err := fs.Parse(args); err != nil {
		return err
	}

	k := *key
	if k == "" {
		var err error
		k, err = promptSecret("API key: ")
		if err != nil {
			return fmt.Errorf("read key: %w", err)
		}
		confirm, err := promptSecret("Confirm key: ")
		if err != nil {
			return fmt.Errorf("read key: %w", err)
		}
		if k != confirm {
			return fmt.Errorf("keys do not match")
		}
	}
	if strings.TrimSpace(k) == "" {
		return fmt.Errorf("key must not be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(k), *cost)
	if err != nil {
		return fmt.Errorf("hash key: %w", err)
	}

	fmt.Println(string(hash))
	fmt.Fprintln(os.Stderr, "Set PLANLOOM_API_KEY_HASH to this value (or auth.api_key_hash in planloom.yaml).")
	return nil
}

func runAdminShowConfig(args []string) error {
	fs := flag.NewFlagSet("show-config", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Postgres.DSN = maskDSN(cfg.Postgres.DSN)

	vault, err := secrets.NewFromEnv()
	if err != nil {
		return fmt.Errorf("load secrets: %w", err)
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}

	fmt.Print(vault.RedactString(string(out)))
	return nil
}

// maskDSN hides the password component of a connection string.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, has := u.User.Password(); has {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

// promptSecret reads a value from the terminal without echoing.
func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // int conversion needed on some platforms
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
