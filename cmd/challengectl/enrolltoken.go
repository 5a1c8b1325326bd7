package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sdrctf/challengectl/pkg/client"
	"github.com/sdrctf/challengectl/pkg/types"
)

var enrollTokenCmd = &cobra.Command{
	Use:   "enroll-token AGENT_ID",
	Short: "Issue a one-shot enrollment token for an agent",
	Long: `Issue an enrollment token and a freshly generated credential
for the named agent. Both values are printed exactly once; only the
credential's hash is stored on the controller.`,
	Args: cobra.ExactArgs(1),
	RunE: runEnrollToken,
}

func init() {
	enrollTokenCmd.Flags().String("server", "http://localhost:8443", "Controller URL")
	enrollTokenCmd.Flags().String("username", "", "Operator username")
	enrollTokenCmd.Flags().String("password", "", "Operator password (prompted if empty)")
	enrollTokenCmd.Flags().String("totp", "", "TOTP code")
	enrollTokenCmd.Flags().String("kind", "transmitter", "Agent kind (transmitter or receiver)")
	enrollTokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token validity window")
	_ = enrollTokenCmd.MarkFlagRequired("username")
}

func runEnrollToken(cmd *cobra.Command, args []string) error {
	agentID := args[0]
	serverURL, _ := cmd.Flags().GetString("server")
	username, _ := cmd.Flags().GetString("username")
	password, _ := cmd.Flags().GetString("password")
	totp, _ := cmd.Flags().GetString("totp")
	kind, _ := cmd.Flags().GetString("kind")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	switch types.AgentKind(kind) {
	case types.AgentKindTransmitter, types.AgentKindReceiver:
	default:
		return fmt.Errorf("kind must be transmitter or receiver")
	}

	if password == "" {
		pw, err := promptSecret("Password: ")
		if err != nil {
			return err
		}
		password = pw
	}

	c, err := client.New(serverURL)
	if err != nil {
		return err
	}
	if err := c.Login(username, password, totp); err != nil {
		return err
	}

	tok, err := c.CreateEnrollToken(agentID, types.AgentKind(kind), ttl)
	if err != nil {
		return err
	}

	fmt.Printf("Agent:            %s\n", tok.AgentID)
	fmt.Printf("Enrollment token: %s\n", tok.Token)
	fmt.Printf("Credential:       %s\n", tok.Credential)
	fmt.Printf("Expires:          %s\n", tok.ExpiresAt.Format(time.RFC3339))
	fmt.Println("\nThese values are shown once. Provision them to the agent now.")
	return nil
}
