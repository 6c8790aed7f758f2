package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/teotwaki/liro/internal/store"
)

func statsCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print community, member and challenge counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			backend, err := openStorage(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("storage connection failed: %w", err)
			}
			defer backend.Close()

			stats, err := store.New(backend).Stats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return json.NewEncoder(out).Encode(stats)
			}
			fmt.Fprintf(out, "communities:     %d\n", stats.Communities)
			fmt.Fprintf(out, "linked members:  %d\n", stats.Members)
			fmt.Fprintf(out, "unique members:  %d\n", stats.UniqueMembers)
			fmt.Fprintf(out, "open challenges: %d\n", stats.Challenges)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

// hashTokenCommand prints the bcrypt hash to put in dashboardTokenHash.
func hashTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token [token]",
		Short: "Hash a dashboard token; reads stdin when no argument is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read token: %w", err)
				}
				token = line
			}
			token = strings.TrimSpace(token)
			if token == "" {
				return errors.New("token must not be empty")
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return nil
		},
	}
}
