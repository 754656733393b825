// Package bootstrap implements the Identity Store's bootstrap protocol
// (spec §4.2): at cold start, every non-identity-store component of this
// process acquires its own MachineClient identity, persisting credentials
// to disk so restarts reuse them instead of minting a duplicate client.
//
// This binary is a monolith (api/worker modes of one process), so step 1 of
// the protocol ("log in as admin") and step 2 ("look up or create the
// client") are in-process calls into pkg/identity rather than HTTP round
// trips to itself.
package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/wisbric/agentctl/pkg/identity"
)

// Credentials is the MachineClient identity persisted to BootstrapCredentialsPath.
type Credentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// Bootstrapper runs the bootstrap protocol for a single well-known client name.
type Bootstrapper struct {
	identity        *identity.Service
	logger          *slog.Logger
	credentialsPath string
	clientName      string
	clientRoles     []string
}

// New creates a Bootstrapper.
func New(identitySvc *identity.Service, logger *slog.Logger, credentialsPath, clientName string, clientRoles []string) *Bootstrapper {
	return &Bootstrapper{
		identity:        identitySvc,
		logger:          logger,
		credentialsPath: credentialsPath,
		clientName:      clientName,
		clientRoles:     clientRoles,
	}
}

// Run loads persisted credentials if present, otherwise creates the
// MachineClient and persists the one-time secret. It is idempotent and
// at-most-once observable: if the client already exists server-side but no
// local credentials file exists, it returns an error rather than minting a
// duplicate client under the same name.
func (b *Bootstrapper) Run(ctx context.Context) (Credentials, error) {
	creds, err := loadCredentials(b.credentialsPath)
	if err == nil {
		b.logger.Info("loaded bootstrap credentials", "client_name", b.clientName, "path", b.credentialsPath)
		return creds, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return Credentials{}, fmt.Errorf("reading bootstrap credentials from %s: %w", b.credentialsPath, err)
	}

	resp, created, err := b.identity.GetOrCreateMachineClient(ctx, b.clientName, b.clientRoles)
	if err != nil {
		if errors.Is(err, identity.ErrClientExists) {
			return Credentials{}, fmt.Errorf(
				"machine client %q already exists but no credentials file at %s: refusing to create a duplicate: %w",
				b.clientName, b.credentialsPath, err)
		}
		return Credentials{}, fmt.Errorf("bootstrapping machine client %q: %w", b.clientName, err)
	}

	creds = Credentials{ClientID: resp.ClientID.String(), ClientSecret: resp.ClientSecret}
	if err := saveCredentials(b.credentialsPath, creds); err != nil {
		return Credentials{}, fmt.Errorf("persisting bootstrap credentials: %w", err)
	}

	b.logger.Info("bootstrapped machine client", "client_name", b.clientName, "created", created)
	return creds, nil
}

func loadCredentials(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, err
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("parsing credentials file %s: %w", path, err)
	}
	return creds, nil
}

func saveCredentials(path string, creds Credentials) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating credentials directory %s: %w", dir, err)
		}
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling credentials: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
