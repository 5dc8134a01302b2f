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
	"os"
	"strings"

	"github.com/crosscast/crosscast/internal/social"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newAuthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authorize accounts with OAuth providers",
	}
	cmd.AddCommand(newAuthURLCommand())
	cmd.AddCommand(newAuthExchangeCommand())
	cmd.AddCommand(newAuthTokenCommand())
	cmd.AddCommand(newAuthRevokeCommand())
	return cmd
}

func newAuthURLCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "url <provider>",
		Short: "Print the authorization URL for a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, registry, err := loadRegistry(ctx)
			if err != nil {
				return err
			}
			auth, err := resolveAuthorizer(registry, args[0])
			if err != nil {
				return err
			}

			authURL, sessionID, err := auth.AuthorizeURL(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "open this URL in a browser:\n\n  %s\n\nsession: %s\n", authURL, sessionID)
			fmt.Fprintln(cmd.OutOrStdout(), "then run: crosscast auth exchange <provider> <session> <state> <code>")
			return nil
		},
	}
}

func newAuthExchangeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "exchange <provider> <session> <state> <code>",
		Short: "Exchange the callback state and code for a token",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, registry, err := loadRegistry(ctx)
			if err != nil {
				return err
			}
			provider := social.Provider(strings.ToLower(args[0]))
			auth, err := resolveAuthorizer(registry, args[0])
			if err != nil {
				return err
			}

			tok, err := auth.Exchange(ctx, args[1], args[2], args[3])
			if err != nil {
				return err
			}
			if err := tokenStore.SaveToken(ctx, string(provider), tok); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s authorized; token expires %s\n", provider, tok.ExpiresAt.Format("2006-01-02 15:04:05 MST"))
			return nil
		},
	}
}

// newAuthTokenCommand stores a manually obtained access token, read without
// terminal echo.
func newAuthTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "token <provider>",
		Short: "Store an access token pasted at a hidden prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			provider := social.Provider(strings.ToLower(args[0]))

			fmt.Fprint(cmd.OutOrStdout(), "access token: ")
			raw, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(cmd.OutOrStdout())
			if err != nil {
				return fmt.Errorf("read token: %w", err)
			}
			token := strings.TrimSpace(string(raw))
			if token == "" {
				return fmt.Errorf("empty token")
			}

			if err := tokenStore.SaveToken(ctx, string(provider), social.Token{AccessToken: token}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s token stored for this session\n", provider)
			return nil
		},
	}
}

// newAuthRevokeCommand revokes the stored token at the provider and drops it
// locally. Revocation is best effort; the local token goes away either way.
func newAuthRevokeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <provider>",
		Short: "Revoke a stored token at the provider and forget it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, registry, err := loadRegistry(ctx)
			if err != nil {
				return err
			}
			provider := social.Provider(strings.ToLower(args[0]))
			auth, err := resolveAuthorizer(registry, args[0])
			if err != nil {
				return err
			}

			tok, err := tokenStore.Token(ctx, string(provider))
			if err != nil {
				return fmt.Errorf("no stored token for %s", provider)
			}
			if auth.Revoke(ctx, tok) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s token revoked\n", provider)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s did not confirm revocation; token forgotten locally\n", provider)
			}
			tokenStore.Delete(string(provider))
			return nil
		},
	}
}

func resolveAuthorizer(registry *social.Registry, name string) (social.Authorizer, error) {
	provider := social.Provider(strings.ToLower(strings.TrimSpace(name)))
	bundle, err := registry.Resolve(provider)
	if err != nil {
		return nil, err
	}
	auth, ok := bundle.Authorizer()
	if !ok {
		return nil, fmt.Errorf("%s does not use the authorization-code flow; configure its credentials in the environment", provider)
	}
	return auth, nil
}
