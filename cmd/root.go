/*
Copyright © 2025 crosscast authors

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"

	"github.com/crosscast/crosscast/internal/config"
	"github.com/crosscast/crosscast/internal/logutil"
	"github.com/crosscast/crosscast/internal/social"
	"github.com/spf13/cobra"
)

var verbose bool

// tokenStore lives for the process; token persistence is out of scope, so a
// publish that needs a token must follow the auth commands in-process or rely
// on provider credentials from the environment.
var tokenStore = social.NewMemoryTokenStore()

// Execute runs the root command.
func Execute() error {
	return newRootCommand().Execute()
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crosscast",
		Short: "Publish to multiple social platforms at once",
		Long: "crosscast publishes the same update to Discord, TikTok, Twitch, Whatnot, " +
			"YouTube, Mastodon, Twitter/X, and Bluesky through one canonical request.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logutil.SetVerbose(verbose)
		},
	}

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "V", false, "Enable verbose logging")

	cmd.AddCommand(newPublishCommand())
	cmd.AddCommand(newAuthCommand())
	cmd.AddCommand(newAccountsCommand())
	cmd.AddCommand(newCompletionCommand())

	return cmd
}

// loadRegistry builds the provider registry from the environment.
func loadRegistry(ctx context.Context) (*config.Config, *social.Registry, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	registry, err := config.BuildRegistry(ctx, cfg, tokenStore)
	if err != nil {
		return nil, nil, err
	}
	return cfg, registry, nil
}
