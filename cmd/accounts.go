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
	"fmt"
	"sort"
	"strings"

	"github.com/crosscast/crosscast/internal/logutil"
	"github.com/crosscast/crosscast/internal/social"
	"github.com/spf13/cobra"
)

func newAccountsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts [provider]",
		Short: "Show configured providers and their account details",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			_, registry, err := loadRegistry(ctx)
			if err != nil {
				return err
			}

			providers := registry.Providers()
			if len(args) == 1 {
				providers = []social.Provider{social.Provider(strings.ToLower(args[0]))}
			}
			sort.Slice(providers, func(i, j int) bool { return providers[i] < providers[j] })

			for _, provider := range providers {
				bundle, err := registry.Resolve(provider)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s\n", provider)

				account := social.Account{ID: string(provider), Provider: provider}
				identity, err := bundle.Resources.FetchIdentity(ctx, account)
				if err != nil {
					fmt.Fprintf(out, "  identity unavailable: %v\n", err)
					continue
				}
				fmt.Fprintf(out, "  %s (@%s)\n", identity.Name, identity.Username)

				if !bundle.Resources.OnlyUserAccount() {
					entities, err := bundle.Resources.FetchEntities(ctx, account)
					if err != nil {
						logutil.Warnf("%s: listing entities: %v", provider, err)
					}
					for _, entity := range entities {
						fmt.Fprintf(out, "  target: %s (%s)\n", entity.Name, entity.ID)
					}
				}

				if metrics, ok := bundle.Metrics(); ok {
					account.ExternalID = identity.ID
					account.Username = identity.Username
					m, err := metrics.FetchMetrics(ctx, account)
					if err != nil {
						logutil.Debugf("%s: metrics: %v", provider, err)
						continue
					}
					keys := make([]string, 0, len(m.Counts))
					for k := range m.Counts {
						keys = append(keys, k)
					}
					sort.Strings(keys)
					for _, k := range keys {
						fmt.Fprintf(out, "  %s: %d\n", k, m.Counts[k])
					}
					if m.Live {
						fmt.Fprintln(out, "  live: yes")
					}
				}
			}
			return nil
		},
	}
	return cmd
}
