package cmd

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/insien/insien/internal/auth"
	"github.com/insien/insien/internal/db"
)

const adminTimeout = 30 * time.Second

// There is no public registration endpoint; users and API keys are
// provisioned by operators with these commands.

var createUserCmd = &cobra.Command{
	Use:   "create-user <email>",
	Short: "Create a user and mint their first API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]
		name, _ := cmd.Flags().GetString("name")
		password, _ := cmd.Flags().GetString("password")
		keyName, _ := cmd.Flags().GetString("key-name")
		keyTTL, _ := cmd.Flags().GetDuration("key-ttl")

		if name == "" {
			name = email
		}
		// Accounts without a password are API-key-only: the stored hash is of
		// random material nobody knows.
		if password == "" {
			buf := make([]byte, 32)
			if _, err := rand.Read(buf); err != nil {
				return fmt.Errorf("generate password material: %w", err)
			}
			password = hex.EncodeToString(buf)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
		defer cancel()

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		user, err := store.InsertUser(ctx, email, string(hash), name)
		if err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}

		key, err := mintKey(ctx, store, user.ID, keyName, keyTTL)
		if err != nil {
			return err
		}

		fmt.Printf("✓ User created: %s\n", user.ID)
		fmt.Printf("  Email: %s\n", user.Email)
		fmt.Printf("  API key (shown once): %s\n", key)
		return nil
	},
}

var createKeyCmd = &cobra.Command{
	Use:   "create-key <user-id>",
	Short: "Mint a new API key for an existing user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid user id %q: %w", args[0], err)
		}
		keyName, _ := cmd.Flags().GetString("name")
		keyTTL, _ := cmd.Flags().GetDuration("ttl")

		ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
		defer cancel()

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		user, err := store.GetUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("failed to load user: %w", err)
		}

		key, err := mintKey(ctx, store, user.ID, keyName, keyTTL)
		if err != nil {
			return err
		}

		fmt.Printf("✓ API key created for %s\n", user.Email)
		fmt.Printf("  Key (shown once): %s\n", key)
		return nil
	},
}

// openStore connects to the persistent store. Admin commands need only
// DATABASE_URL, not the full server configuration.
func openStore(ctx context.Context) (*db.Store, error) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return db.NewStore(ctx, url)
}

// mintKey generates an API key and persists its prefix and hash. The full key
// is returned exactly once and never stored.
func mintKey(ctx context.Context, store *db.Store, userID uuid.UUID, name string, ttl time.Duration) (string, error) {
	minted, err := auth.GenerateAPIKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}

	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}

	if _, err := store.InsertCredential(ctx, userID, minted.Prefix, minted.Hash, name, expiresAt); err != nil {
		return "", fmt.Errorf("failed to store API key: %w", err)
	}
	return minted.Key, nil
}

func init() {
	rootCmd.AddCommand(createUserCmd)
	rootCmd.AddCommand(createKeyCmd)

	createUserCmd.Flags().String("name", "", "Display name (defaults to the email)")
	createUserCmd.Flags().String("password", "", "Password (random when omitted, account is API-key-only)")
	createUserCmd.Flags().String("key-name", "default", "Name of the first API key")
	createUserCmd.Flags().Duration("key-ttl", 0, "API key lifetime (0 = never expires)")

	createKeyCmd.Flags().String("name", "cli", "Name of the API key")
	createKeyCmd.Flags().Duration("ttl", 0, "API key lifetime (0 = never expires)")
}
