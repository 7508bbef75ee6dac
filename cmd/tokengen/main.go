// Package main provides a CLI tool for exercising a local formgate server:
// operator tokens for the admin surface and solved proof-of-work payloads for
// the public submission endpoint.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"formgate/internal/admission/challenge"
	"formgate/pkg/platform/middleware/admin"
)

const (
	defaultSubject  = "local-operator"
	defaultTokenTTL = time.Hour
)

type tokenOutput struct {
	Token     string            `json:"token"`
	Type      string            `json:"type"`
	ExpiresIn string            `json:"expires_in,omitempty"`
	Claims    map[string]any    `json:"claims,omitempty"`
	Usage     map[string]string `json:"usage"`
}

func main() {
	adminCmd := flag.NewFlagSet("admin", flag.ExitOnError)
	solveCmd := flag.NewFlagSet("solve", flag.ExitOnError)

	adminSecret := adminCmd.String("secret", os.Getenv("ADMIN_JWT_SECRET"), "HS256 secret (defaults to $ADMIN_JWT_SECRET)")
	adminSubject := adminCmd.String("subject", defaultSubject, "Token subject")
	adminRole := adminCmd.String("role", admin.RoleSuperAdmin, "Role claim")
	adminTTL := adminCmd.Duration("ttl", defaultTokenTTL, "Token time-to-live")
	adminJSON := adminCmd.Bool("json", false, "Output as JSON")

	solveFile := solveCmd.String("f", "-", "Challenge JSON file, '-' for stdin")
	solveJSON := solveCmd.Bool("json", false, "Output as JSON")

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "admin":
		adminCmd.Parse(os.Args[2:]) //nolint:errcheck // ExitOnError
		generateAdminToken(*adminSecret, *adminSubject, *adminRole, *adminTTL, *adminJSON)
	case "solve":
		solveCmd.Parse(os.Args[2:]) //nolint:errcheck // ExitOnError
		solveChallenge(*solveFile, *solveJSON)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`tokengen - Generate test credentials for a formgate server

Usage:
  tokengen <command> [flags]

Commands:
  admin     Sign an operator token for the /admin endpoints
  solve     Solve a proof-of-work challenge from GET /s/{identifier}/challenge

Examples:
  # Operator token using $ADMIN_JWT_SECRET
  tokengen admin

  # Operator token with an explicit secret and TTL
  tokengen admin -secret s3cret -ttl 15m

  # Solve a challenge and submit with it
  curl -s localhost:8080/s/contact/challenge | tokengen solve

  # Output as JSON
  tokengen admin -json

Use "tokengen <command> -h" for more information about a command.`)
}

func generateAdminToken(secret, subject, role string, ttl time.Duration, jsonOutput bool) {
	if secret == "" {
		fmt.Fprintln(os.Stderr, "Error: -secret or $ADMIN_JWT_SECRET is required")
		os.Exit(1)
	}

	token, err := admin.Sign([]byte(secret), subject, role, time.Now(), ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating token: %v\n", err)
		os.Exit(1)
	}

	if jsonOutput {
		printJSON(tokenOutput{
			Token:     token,
			Type:      "admin_token",
			ExpiresIn: ttl.String(),
			Claims: map[string]any{
				"sub":  subject,
				"role": role,
			},
			Usage: map[string]string{
				"header": "Authorization: Bearer <token>",
			},
		})
		return
	}

	fmt.Println("Operator Token (JWT)")
	fmt.Println("====================")
	fmt.Printf("Subject:     %s\n", subject)
	fmt.Printf("Role:        %s\n", role)
	fmt.Printf("Expires In:  %s\n", ttl)
	fmt.Println()
	fmt.Println("Token:")
	fmt.Println(token)
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  curl -H \"Authorization: Bearer <token>\" http://localhost:8080/admin/throttle/stats")
}

func solveChallenge(path string, jsonOutput bool) {
	raw, err := readInput(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading challenge: %v\n", err)
		os.Exit(1)
	}

	var ch challenge.Challenge
	if err := json.Unmarshal(raw, &ch); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing challenge: %v\n", err)
		os.Exit(1)
	}

	start := time.Now()
	payload, ok := challenge.Solve(ch)
	if !ok {
		fmt.Fprintln(os.Stderr, "Error: no solution within maxnumber")
		os.Exit(1)
	}

	if jsonOutput {
		printJSON(tokenOutput{
			Token: payload,
			Type:  "altcha",
			Usage: map[string]string{
				"field":  "altcha",
				"header": "X-Altcha-Spam-Filter: <token>",
				"solved": time.Since(start).String(),
			},
		})
		return
	}
	fmt.Println(payload)
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(1)
	}
}
