package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sdrctf/challengectl/pkg/client"
	"github.com/sdrctf/challengectl/pkg/config"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply challenge definitions from a YAML file",
	Long: `Apply challenge definitions to a running controller.

The sync is additive: new names are created, existing names get their
parameters updated, and nothing is deleted.

Examples:
  # Apply a challenge set
  challengectl apply -f challenges.yaml --username admin`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	applyCmd.Flags().String("server", "http://localhost:8443", "Controller URL")
	applyCmd.Flags().String("username", "", "Operator username")
	applyCmd.Flags().String("password", "", "Operator password (prompted if empty)")
	applyCmd.Flags().String("totp", "", "TOTP code")
	_ = applyCmd.MarkFlagRequired("file")
	_ = applyCmd.MarkFlagRequired("username")
}

// applyDoc is the file shape: a bare challenge list, reusing the
// configuration file schema.
type applyDoc struct {
	Challenges []config.ChallengeSpec `yaml:"challenges"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	serverURL, _ := cmd.Flags().GetString("server")
	username, _ := cmd.Flags().GetString("username")
	password, _ := cmd.Flags().GetString("password")
	totp, _ := cmd.Flags().GetString("totp")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	var doc applyDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	if len(doc.Challenges) == 0 {
		return fmt.Errorf("no challenges in %s", filename)
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

	existing, err := c.ListChallenges()
	if err != nil {
		return err
	}
	byName := make(map[string]string, len(existing))
	for _, ch := range existing {
		byName[ch.Name] = ch.ID
	}

	created, updated := 0, 0
	for i := range doc.Challenges {
		spec := &doc.Challenges[i]
		if id, ok := byName[spec.Name]; ok {
			if err := c.UpdateChallenge(id, spec.Name, spec.Priority, spec.Config); err != nil {
				return fmt.Errorf("update %q: %w", spec.Name, err)
			}
			updated++
		} else {
			if err := c.CreateChallenge(spec.Name, spec.Priority, spec.IsEnabled(), spec.Config); err != nil {
				return fmt.Errorf("create %q: %w", spec.Name, err)
			}
			created++
		}
	}

	fmt.Printf("Applied %s: %d created, %d updated\n", filename, created, updated)
	return nil
}
