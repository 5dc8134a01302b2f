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
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/crosscast/crosscast/internal/social"
	"github.com/crosscast/crosscast/internal/social/dispatch"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	messageFlag string
	mediaFlags  []string
	altText     string
	targetsFlag []string
	optionFlags []string
	dryRun      bool
)

const defaultAltText = "Media attached via crosscast"

func newPublishCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish [message]",
		Short: "Publish a post to one or more platforms",
		Long: "publish sends the message to every selected target in parallel. " +
			"Provide your message as an argument, with --message, or on stdin.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runPublish,
		Example: `  crosscast publish --message "hello world" --target discord
  crosscast publish "Going live!" --target twitch --target bluesky
  crosscast publish "New drop" --media ./teaser.mp4 --target youtube -o title="The Drop"
  echo "Release shipped" | crosscast publish --target all`,
	}

	cmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Message text to post")
	cmd.Flags().StringSliceVar(&mediaFlags, "media", nil, "Path or URL of media to attach (repeatable)")
	cmd.Flags().StringVar(&altText, "alt-text", "", "Alternative text to describe the media")
	cmd.Flags().StringSliceVarP(&targetsFlag, "target", "t", nil, "Targets to publish to (provider name or all)")
	cmd.Flags().StringSliceVarP(&optionFlags, "option", "o", nil, "Provider option as key=value (repeatable)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print actions without publishing")
	cmd.Flags().SortFlags = false

	return cmd
}

func runPublish(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	message, err := resolveMessage(cmd, args)
	if err != nil {
		return err
	}

	cfg, registry, err := loadRegistry(ctx)
	if err != nil {
		return err
	}

	accounts, err := resolveTargets(registry, targetsFlag)
	if err != nil {
		return err
	}

	media, err := parseMedia(mediaFlags, altText)
	if err != nil {
		return err
	}
	options, err := parseOptions(optionFlags)
	if err != nil {
		return err
	}

	post := dispatch.Post{
		ID: uuid.NewString(),
		Request: social.PublishRequest{
			Text:    message,
			Media:   media,
			Options: options,
		},
		Accounts: accounts,
	}

	if dryRun {
		for _, account := range accounts {
			fmt.Fprintf(out, "[dry-run] would publish to %s: %q\n", account.Provider, message)
		}
		for _, m := range media {
			location := m.Path
			if m.Remote() {
				location = m.URL
			}
			fmt.Fprintf(out, "[dry-run] media: %s (%s)\n", location, m.Kind)
		}
		return nil
	}

	dispatcher := dispatch.New(registry, sinkFunc(func(accountID string, result social.PublishResult) {
		provider := providerOf(accounts, accountID)
		switch {
		case result.OK() && result.Processing:
			fmt.Fprintf(out, "%s: accepted for processing (id=%s)\n", provider, result.PostID)
		case result.OK():
			fmt.Fprintf(out, "%s: published %s\n", provider, result.URL)
		default:
			fmt.Fprintf(out, "%s: failed (%s): %s\n", provider, result.Failure.Kind, result.Failure.Message)
		}
	}), cfg.Concurrency)

	summary, err := dispatcher.Dispatch(ctx, post)
	if err != nil {
		return err
	}
	if failed := summary.Failed(); failed > 0 {
		return fmt.Errorf("%d of %d targets failed", failed, len(accounts))
	}
	return nil
}

func resolveMessage(cmd *cobra.Command, args []string) (string, error) {
	var message string

	if messageFlag != "" {
		message = messageFlag
	}

	if len(args) > 0 {
		if message != "" {
			return "", errors.New("provide the message either as an argument or with --message, not both")
		}
		message = strings.Join(args, " ")
	}

	if message != "" {
		return strings.TrimSpace(message), nil
	}

	stdin := cmd.InOrStdin()
	if file, ok := stdin.(*os.File); ok {
		info, err := file.Stat()
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		if (info.Mode() & os.ModeCharDevice) == 0 {
			data, err := io.ReadAll(stdin)
			if err != nil {
				return "", fmt.Errorf("read stdin: %w", err)
			}
			message = strings.TrimSpace(string(data))
		}
	}

	if message == "" {
		return "", errors.New("message is required")
	}

	return message, nil
}

// resolveTargets maps the --target values onto one account per configured
// provider. "all" selects every provider in the registry.
func resolveTargets(registry *social.Registry, values []string) ([]social.Account, error) {
	configured := registry.Providers()

	var selected []social.Provider
	if len(values) == 0 {
		return nil, fmt.Errorf("no targets selected; use --target or --target all")
	}
	seen := map[social.Provider]struct{}{}
	for _, raw := range values {
		raw = strings.TrimSpace(strings.ToLower(raw))
		if raw == "" {
			continue
		}
		if raw == "all" {
			selected = configured
			break
		}
		p := social.Provider(raw)
		if _, err := registry.Resolve(p); err != nil {
			return nil, err
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		selected = append(selected, p)
	}
	if len(selected) == 0 {
		return nil, errors.New("no targets selected")
	}

	sort.Slice(selected, func(i, j int) bool { return selected[i] < selected[j] })

	accounts := make([]social.Account, 0, len(selected))
	for _, p := range selected {
		accounts = append(accounts, social.Account{
			ID:       string(p),
			Provider: p,
		})
	}
	return accounts, nil
}

func parseMedia(values []string, alt string) ([]social.Media, error) {
	if len(values) > 0 && strings.TrimSpace(alt) == "" {
		alt = defaultAltText
	}

	media := make([]social.Media, 0, len(values))
	for _, raw := range values {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		m := social.Media{Kind: kindForName(raw), AltText: alt}
		if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
			m.URL = raw
		} else {
			if _, err := os.Stat(raw); err != nil {
				return nil, fmt.Errorf("media %q: %w", raw, err)
			}
			m.Path = raw
		}
		media = append(media, m)
	}
	return media, nil
}

func kindForName(name string) social.MediaKind {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp4", ".mov", ".webm", ".mkv", ".avi":
		return social.MediaVideo
	case ".gif":
		return social.MediaGif
	default:
		return social.MediaPhoto
	}
}

func parseOptions(values []string) (map[string]any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	options := make(map[string]any, len(values))
	for _, raw := range values {
		key, value, found := strings.Cut(raw, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("option %q is not key=value", raw)
		}
		switch value {
		case "true":
			options[key] = true
		case "false":
			options[key] = false
		default:
			options[key] = value
		}
	}
	return options, nil
}

func providerOf(accounts []social.Account, accountID string) social.Provider {
	for _, account := range accounts {
		if account.ID == accountID {
			return account.Provider
		}
	}
	return social.Provider(accountID)
}

// sinkFunc adapts a closure to the result sink contract.
type sinkFunc func(accountID string, result social.PublishResult)

func (f sinkFunc) OnResult(_, accountID string, res social.PublishResult) { f(accountID, res) }
