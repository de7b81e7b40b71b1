package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/persona-chat/internal/transport"
)

var loginCmd = &cobra.Command{
	Use:   "login [username]",
	Short: "Sign in and store credentials",
	Args:  cobra.MaximumNArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		in := bufio.NewReader(cmd.InOrStdin())
		username := ""
		if len(args) == 1 {
			username = args[0]
		} else {
			username = prompt(cmd, in, "Username: ")
		}
		password, _ := cmd.Flags().GetString("password")
		if password == "" {
			password = prompt(cmd, in, "Password: ")
		}
		if username == "" || password == "" {
			return errors.New("username and password are required")
		}

		user, err := a.client.Login(cmd.Context(), username, password)
		if transport.KindOf(err) == transport.KindAuth {
			return errors.New("incorrect username or password")
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (%s)\n", user.Username, user.Role)
		return nil
	}),
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and forget stored credentials",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
		if err := a.client.Logout(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
		return nil
	}),
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in user",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
		if err := a.requireLogin(); err != nil {
			return err
		}
		user, err := a.client.Me(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s <%s>\n", user.Username, user.Email)
		if user.FullName != "" {
			fmt.Fprintf(out, "  name: %s\n", user.FullName)
		}
		fmt.Fprintf(out, "  role: %s\n", user.Role)
		return nil
	}),
}

func prompt(cmd *cobra.Command, in *bufio.Reader, label string) string {
	fmt.Fprint(cmd.OutOrStdout(), label)
	line, _ := in.ReadString('\n')
	return strings.TrimSpace(line)
}

func init() {
	loginCmd.Flags().StringP("password", "p", "", "password (prompted when omitted)")
	rootCmd.AddCommand(loginCmd, logoutCmd, whoamiCmd)
}
