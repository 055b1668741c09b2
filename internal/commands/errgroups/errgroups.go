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

// Package errgroups implements the `relay errors` command group.
package errgroups

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tombee/relay/internal/commands/cmdutil"
)

// NewCommand creates the errors command group.
func NewCommand(factory cmdutil.ClientFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "errors",
		Short: "Inspect aggregated server run errors",
	}

	cmd.AddCommand(newGroupsCommand(factory))
	cmd.AddCommand(newGroupCommand(factory))
	return cmd
}

func newGroupsCommand(factory cmdutil.ClientFactory) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "groups",
		Short: "List error groups, most recently seen first",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := factory()
			if err != nil {
				return err
			}

			groups, err := c.ErrorGroups(cmd.Context(), sessionID)
			if err != nil {
				return err
			}
			if len(groups) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No error groups found")
				return nil
			}
			return cmdutil.PrintJSON(cmd.OutOrStdout(), groups)
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Limit to one session's errors")
	return cmd
}

func newGroupCommand(factory cmdutil.ClientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "group <fingerprint>",
		Short: "Show one error group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := factory()
			if err != nil {
				return err
			}

			group, err := c.GetErrorGroup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return cmdutil.PrintJSON(cmd.OutOrStdout(), group)
		},
	}
}
