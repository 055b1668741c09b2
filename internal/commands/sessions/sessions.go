// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sessions implements the `relay sessions` command group.
package sessions

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tombee/relay/internal/client"
	"github.com/tombee/relay/internal/commands/cmdutil"
	"github.com/tombee/relay/internal/session"
	"github.com/tombee/relay/internal/store"
)

// NewCommand creates the sessions command group.
func NewCommand(factory cmdutil.ClientFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage sessions",
	}

	cmd.AddCommand(newCreateCommand(factory))
	cmd.AddCommand(newListCommand(factory))
	cmd.AddCommand(newGetCommand(factory))
	cmd.AddCommand(newDeleteCommand(factory))
	cmd.AddCommand(newUsageCommand(factory))
	cmd.AddCommand(newRotateSecretCommand(factory))
	return cmd
}

func newCreateCommand(factory cmdutil.ClientFactory) *cobra.Command {
	var deployments []string
	var inline []string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session bound to one or more deployments",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := factory()
			if err != nil {
				return err
			}

			req := client.CreateSessionRequest{}
			for _, id := range deployments {
				req.Deployments = append(req.Deployments, session.DeploymentRef{ID: id})
			}
			for _, name := range inline {
				req.Inline = append(req.Inline, session.InlineDeployment{Name: name})
			}

			result, err := c.CreateSession(cmd.Context(), req)
			if err != nil {
				return err
			}
			return cmdutil.PrintJSON(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().StringSliceVar(&deployments, "deployment", nil, "Existing deployment id to bind (repeatable)")
	cmd.Flags().StringSliceVar(&inline, "inline", nil, "Inline ephemeral deployment name (repeatable)")
	return cmd
}

func newListCommand(factory cmdutil.ClientFactory) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := factory()
			if err != nil {
				return err
			}

			sessions, err := c.ListSessions(cmd.Context(), store.SessionStatus(status))
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions found")
				return nil
			}
			return cmdutil.PrintJSON(cmd.OutOrStdout(), sessions)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (active, deleted)")
	return cmd
}

func newGetCommand(factory cmdutil.ClientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "get <session-id>",
		Short: "Show a session with its server sessions and connection URLs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := factory()
			if err != nil {
				return err
			}

			view, err := c.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return cmdutil.PrintJSON(cmd.OutOrStdout(), view)
		},
	}
}

func newDeleteCommand(factory cmdutil.ClientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and stop everything under it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := factory()
			if err != nil {
				return err
			}

			if err := c.DeleteSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s deleted\n", args[0])
			return nil
		},
	}
}

func newUsageCommand(factory cmdutil.ClientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "usage <session-id>",
		Short: "Show aggregate message usage for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := factory()
			if err != nil {
				return err
			}

			usage, err := c.SessionUsage(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return cmdutil.PrintJSON(cmd.OutOrStdout(), usage)
		},
	}
}

func newRotateSecretCommand(factory cmdutil.ClientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-secret <session-id>",
		Short: "Rotate the session client secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := factory()
			if err != nil {
				return err
			}

			secret, err := c.RotateSecret(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), secret)
			return nil
		},
	}
}
