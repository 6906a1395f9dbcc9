package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ehr/portal/internal/config"
	"github.com/ehr/portal/internal/session"
)

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the signed-in user",
	}

	// session login
	var username, password string
	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in against the auth service and store the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadPartial()
			if err != nil {
				return err
			}
			if cfg.AuthServiceURL == "" {
				return fmt.Errorf("AUTH_SERVICE_URL is required")
			}

			s, err := session.NewAuthClient(cfg.AuthServiceURL).Login(cmd.Context(), username, password)
			if err != nil {
				return err
			}
			if err := session.NewFileStore(cfg.SessionFile).Save(cmd.Context(), s); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s (%s).\n", s.Username, roleLabel(s.Role))
			if !s.IsPatient() {
				fmt.Fprintln(cmd.ErrOrStderr(), "Warning: this account is not a patient account.")
			}
			return nil
		},
	}
	loginCmd.Flags().StringVar(&username, "username", "", "account username")
	loginCmd.Flags().StringVar(&password, "password", "", "account password")
	_ = loginCmd.MarkFlagRequired("username")
	_ = loginCmd.MarkFlagRequired("password")
	cmd.AddCommand(loginCmd)

	// session show
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadPartial()
			if err != nil {
				return err
			}
			s, err := session.NewFileStore(cfg.SessionFile).Load(cmd.Context())
			if errors.Is(err, session.ErrNoSession) {
				fmt.Fprintln(cmd.OutOrStdout(), "Not signed in.")
				return nil
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "User ID:  %s\n", s.UserID)
			fmt.Fprintf(out, "Username: %s\n", s.Username)
			fmt.Fprintf(out, "Role:     %s\n", roleLabel(s.Role))
			return nil
		},
	})

	// session logout
	cmd.AddCommand(&cobra.Command{
		Use:   "logout",
		Short: "Remove the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadPartial()
			if err != nil {
				return err
			}
			if err := session.NewFileStore(cfg.SessionFile).Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
			return nil
		},
	})

	return cmd
}

func roleLabel(role string) string {
	if role == "" {
		return "unknown role"
	}
	return role
}
