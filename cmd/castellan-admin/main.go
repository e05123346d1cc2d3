// ABOUTME: Operator CLI for castellan key provisioning and audit inspection
// ABOUTME: Works directly against the whitelist directory and audit database

package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"golang.org/x/crypto/ssh"

	"github.com/castellan-dev/castellan/internal/audit"
	"github.com/castellan-dev/castellan/internal/config"
	"github.com/castellan-dev/castellan/internal/whitelist"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "keys":
		err = cmdKeys(args)
	case "audit":
		err = cmdAudit(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: castellan-admin <command> [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  keys list                    List whitelisted keys")
	fmt.Println("  keys add <file> [--legacy]   Provision a key (ssh pubkey, hex ed25519, or DER file)")
	fmt.Println("  keys revoke <key_id>         Remove a key from the whitelist")
	fmt.Println("  audit list [--type TYPE]     Show recent security events")
	fmt.Println()
	fmt.Println("Config is read from CASTELLAN_CONFIG or /etc/castellan/castellan.yaml")
}

// loadConfig reads the daemon config the CLI shares.
func loadConfig() (*config.Config, error) {
	path := os.Getenv("CASTELLAN_CONFIG")
	if path == "" {
		path = "/etc/castellan/castellan.yaml"
	}
	return config.Load(path)
}

func cmdKeys(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("keys requires a subcommand: list, add, revoke")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	keys, err := whitelist.New(cfg.Whitelist.Dir)
	if err != nil {
		return err
	}

	switch args[0] {
	case "list":
		return keysList(keys)
	case "add":
		return keysAdd(keys, args[1:])
	case "revoke":
		if len(args) < 2 {
			return fmt.Errorf("keys revoke requires a key id")
		}
		if err := keys.Revoke(args[1]); err != nil {
			return err
		}
		color.Yellow("Revoked %s", args[1])
		return nil
	default:
		return fmt.Errorf("unknown keys subcommand: %s", args[0])
	}
}

func keysList(keys *whitelist.Whitelist) error {
	entries := keys.List()
	if len(entries) == 0 {
		fmt.Println("No keys whitelisted.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY ID\tALGORITHM\tSTATUS\tCREATED\tLAST USED")
	for _, e := range entries {
		lastUsed := "never"
		if e.LastUsedAt != nil {
			lastUsed = e.LastUsedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			shortID(e.KeyID),
			e.Algorithm,
			statusColor(e.TrustStatus),
			e.CreatedAt.Format(time.RFC3339),
			lastUsed,
		)
	}
	return w.Flush()
}

// statusColor renders a trust status with color for terminal output.
func statusColor(s whitelist.TrustStatus) string {
	switch s {
	case whitelist.TrustTrusted:
		return color.GreenString(string(s))
	case whitelist.TrustLegacy:
		return color.CyanString(string(s))
	case whitelist.TrustPendingAttestation:
		return color.YellowString(string(s))
	case whitelist.TrustRejected:
		return color.RedString(string(s))
	default:
		return string(s)
	}
}

// shortID abbreviates a key id for table display.
func shortID(id string) string {
	if len(id) > 16 {
		return id[:16] + "…"
	}
	return id
}

func keysAdd(keys *whitelist.Whitelist, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("keys add requires a key file")
	}

	status := whitelist.TrustPendingAttestation
	for _, a := range args[1:] {
		if a == "--legacy" {
			status = whitelist.TrustLegacy
		}
	}

	raw, alg, err := readKeyMaterial(args[0])
	if err != nil {
		return err
	}

	entry, err := keys.Provision(raw, alg, status)
	if err != nil {
		return err
	}

	color.Green("Provisioned %s key %s (%s)", entry.Algorithm, entry.KeyID, entry.TrustStatus)
	return nil
}

// readKeyMaterial loads a public key from a file. Accepted formats: an ssh
// authorized_keys line (ed25519 only), a hex-encoded raw ed25519 key, or a
// DER-encoded PKIX file for ecdsa-p256.
func readKeyMaterial(path string) ([]byte, whitelist.Algorithm, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}

	text := strings.TrimSpace(string(data))

	if strings.HasPrefix(text, "ssh-ed25519 ") {
		pub, _, _, _, err := ssh.ParseAuthorizedKey(data)
		if err != nil {
			return nil, "", fmt.Errorf("parsing ssh public key: %w", err)
		}
		cryptoPub, ok := pub.(ssh.CryptoPublicKey)
		if !ok {
			return nil, "", fmt.Errorf("ssh key does not expose raw key material")
		}
		raw, ok := cryptoPub.CryptoPublicKey().(ed25519.PublicKey)
		if !ok {
			return nil, "", fmt.Errorf("unsupported ssh key type %s", pub.Type())
		}
		return []byte(raw), whitelist.AlgorithmEd25519, nil
	}

	if raw, err := hex.DecodeString(text); err == nil && len(raw) == 32 {
		return raw, whitelist.AlgorithmEd25519, nil
	}

	// Otherwise treat the file as DER-encoded PKIX (ecdsa-p256).
	return data, whitelist.AlgorithmECDSAP256, nil
}

func cmdAudit(args []string) error {
	if len(args) < 1 || args[0] != "list" {
		return fmt.Errorf("audit requires the list subcommand")
	}

	var typeFilter *audit.EventType
	for i := 1; i < len(args); i++ {
		if args[i] == "--type" && i+1 < len(args) {
			t := audit.EventType(args[i+1])
			typeFilter = &t
			i++
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := audit.NewSQLiteLog(cfg.Audit.DatabasePath)
	if err != nil {
		return err
	}
	defer log.Close()

	events, err := log.List(context.Background(), audit.Filter{Type: typeFilter, Limit: 100})
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("No events recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTYPE\tUID\tPID\tMETHOD\tVIOLATION")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			e.Timestamp.Format(time.RFC3339),
			eventColor(e.Type),
			e.UID,
			e.PID,
			e.Method,
			e.Violation,
		)
	}
	return w.Flush()
}

// eventColor renders an event type with severity coloring.
func eventColor(t audit.EventType) string {
	switch t {
	case audit.EventSecurityViolation, audit.EventAttestationFailed:
		return color.RedString(string(t))
	case audit.EventAuthFailed, audit.EventAPIDenied, audit.EventAuthBypass:
		return color.YellowString(string(t))
	default:
		return color.GreenString(string(t))
	}
}
