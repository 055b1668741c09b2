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

// Package events implements the `relay events` command group.
package events

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tombee/relay/internal/commands/cmdutil"
)

// NewCommand creates the events command group.
func NewCommand(factory cmdutil.ClientFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect session event streams",
	}

	cmd.AddCommand(newListCommand(factory))
	return cmd
}

func newListCommand(factory cmdutil.ClientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "list <session-id>",
		Short: "List a session's events in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := factory()
			if err != nil {
				return err
			}

			list, err := c.ListEvents(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No events found")
				return nil
			}
			return cmdutil.PrintJSON(cmd.OutOrStdout(), list)
		},
	}
}
