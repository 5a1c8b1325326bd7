package main

import (
	"fmt"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sdrctf/challengectl/pkg/auth"
	"github.com/sdrctf/challengectl/pkg/storage"
	"github.com/sdrctf/challengectl/pkg/types"
)

// User commands operate directly on the data directory so the first
// admin can be created before the server ever runs. The store file is
// exclusively locked; stop the server first.
var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage operator accounts (offline)",
}

var userAddCmd = &cobra.Command{
	Use:   "add USERNAME",
	Short: "Create an operator account",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserAdd,
}

var userResetPasswordCmd = &cobra.Command{
	Use:   "reset-password USERNAME",
	Short: "Reset an operator's password and drop their sessions",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserResetPassword,
}

func init() {
	userCmd.PersistentFlags().String("data-dir", "./data", "Controller data directory")
	userAddCmd.Flags().Bool("admin", false, "Grant the admin permission")
	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userResetPasswordCmd)
}

func promptSecret(prompt string) (string, error) {
	fmt.Print(prompt)
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

func promptPassword() (string, error) {
	pw, err := promptSecret("Password: ")
	if err != nil {
		return "", err
	}
	confirm, err := promptSecret("Confirm: ")
	if err != nil {
		return "", err
	}
	if pw != confirm {
		return "", fmt.Errorf("passwords do not match")
	}
	if len(pw) < 12 {
		return "", fmt.Errorf("password must be at least 12 characters")
	}
	return pw, nil
}

func runUserAdd(cmd *cobra.Command, args []string) error {
	username := args[0]
	dataDir, _ := cmd.Flags().GetString("data-dir")
	admin, _ := cmd.Flags().GetBool("admin")

	password, err := promptPassword()
	if err != nil {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}

	store, err := storage.Open(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	err = store.WithWrite(func(tx *storage.Tx) error {
		if err := tx.CreateUser(&types.User{
			Username:     username,
			PasswordHash: hash,
			Enabled:      true,
			CreatedAt:    time.Now().UTC(),
		}); err != nil {
			return err
		}
		if admin {
			return tx.GrantPermission(username, types.PermAdmin)
		}
		return tx.GrantPermission(username, types.PermView)
	})
	if err != nil {
		return err
	}

	fmt.Printf("User %q created\n", username)
	if admin {
		fmt.Println("Granted: admin")
	}
	return nil
}

func runUserResetPassword(cmd *cobra.Command, args []string) error {
	username := args[0]
	dataDir, _ := cmd.Flags().GetString("data-dir")

	password, err := promptPassword()
	if err != nil {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}

	store, err := storage.Open(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	err = store.WithWrite(func(tx *storage.Tx) error {
		u, err := tx.GetUser(username)
		if err != nil {
			return err
		}
		u.PasswordHash = hash
		u.MustChangePassword = true
		if err := tx.PutUser(u); err != nil {
			return err
		}
		return tx.DeleteSessionsForUser(username, "")
	})
	if err != nil {
		return err
	}

	fmt.Printf("Password for %q reset; user must change it at next login\n", username)
	return nil
}
