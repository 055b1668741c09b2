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

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tombee/relay/internal/client"
	"github.com/tombee/relay/internal/commands/cmdutil"
	"github.com/tombee/relay/internal/commands/errgroups"
	eventscmd "github.com/tombee/relay/internal/commands/events"
	sessionscmd "github.com/tombee/relay/internal/commands/sessions"
	versioncmd "github.com/tombee/relay/internal/commands/version"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		endpoint   string
		instanceID string
		secret     string
	)

	root := &cobra.Command{
		Use:           "relay",
		Short:         "relay manages MCP sessions, runs, and error groups",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&endpoint, "endpoint", envOr("RELAY_ENDPOINT", "http://127.0.0.1:7420"), "Daemon endpoint")
	root.PersistentFlags().StringVar(&instanceID, "instance", os.Getenv("RELAY_INSTANCE"), "Instance id")
	root.PersistentFlags().StringVar(&secret, "secret", os.Getenv("RELAY_SESSION_SECRET"), "Session client secret")

	factory := cmdutil.ClientFactory(func() (*client.Client, error) {
		opts := []client.Option{
			client.WithBaseURL(endpoint),
			client.WithInstanceID(instanceID),
		}
		if secret != "" {
			opts = append(opts, client.WithSessionSecret(secret))
		}
		return client.New(opts...)
	})

	root.AddCommand(sessionscmd.NewCommand(factory))
	root.AddCommand(eventscmd.NewCommand(factory))
	root.AddCommand(errgroups.NewCommand(factory))
	root.AddCommand(versioncmd.NewCommand(versioncmd.Info{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	}))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
