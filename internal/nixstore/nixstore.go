// Package nixstore provides the content store contract: store-path validity
// checks and fetches from a configured remote substituter.
package nixstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Client talks to the local Nix store and a remote substituter through the
// nix command line.
type Client struct {
	substituter string
	timeout     time.Duration
	logger      *slog.Logger
}

// Config holds content store client configuration.
type Config struct {
	// Substituter is the remote store URL that missing paths are fetched from.
	Substituter string
	// FetchTimeout bounds a single fetch.
	FetchTimeout time.Duration
}

// NewClient creates a new content store client.
func NewClient(cfg *Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		substituter: cfg.Substituter,
		timeout:     cfg.FetchTimeout,
		logger:      logger,
	}
}

// IsValidPath reports whether the path exists in the local store.
func (c *Client) IsValidPath(ctx context.Context, path string) (bool, error) {
	if !IsStorePath(path) {
		return false, fmt.Errorf("not a store path: %q", path)
	}

	cmd := exec.CommandContext(ctx, "nix-store", "--check-validity", path)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	// nix commands can leave grandchildren holding the pipes; do not let them
	// block Wait past cancellation.
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			// Nonzero exit means the path is not valid, not a client failure.
			return false, nil
		}
		return false, fmt.Errorf("checking path validity: %w", err)
	}
	return true, nil
}

// EnsurePath makes sure the path is present in the local store, fetching it
// from the configured substituter when it is missing.
func (c *Client) EnsurePath(ctx context.Context, path string) error {
	valid, err := c.IsValidPath(ctx, path)
	if err != nil {
		return err
	}
	if valid {
		return nil
	}

	c.logger.Info("fetching store path from substituter",
		"path", path,
		"substituter", c.substituter,
	)

	fetchCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(fetchCtx, "nix", "copy",
		"--extra-experimental-features", "nix-command",
		"--from", c.substituter, path)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("fetching %s from %s: %w: %s",
			path, c.substituter, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// IsStorePath checks if a string is syntactically a valid Nix store path.
// Store paths have the format /nix/store/<hash>-<name> with a 32 character
// base32 hash.
func IsStorePath(path string) bool {
	if !strings.HasPrefix(path, "/nix/store/") {
		return false
	}
	remainder := strings.TrimPrefix(path, "/nix/store/")
	if len(remainder) < 34 { // 32 char hash + dash + at least one name char
		return false
	}
	if remainder[32] != '-' {
		return false
	}
	for _, c := range remainder[:32] {
		// Nix base32 alphabet: digits and lowercase letters minus e, o, t, u.
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'z' && c != 'e' && c != 'o' && c != 't' && c != 'u':
		default:
			return false
		}
	}
	return true
}
