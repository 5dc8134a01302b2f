// Package dispatch fans one post out to its target accounts with independent
// failure isolation: one account's failure never prevents attempts for the
// others, and each (post, account) pair gets exactly one canonical result.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/crosscast/crosscast/internal/logutil"
	"github.com/crosscast/crosscast/internal/social"
)

// DefaultConcurrency bounds how many account publishes run at once.
const DefaultConcurrency = 4

// Post is one unit of work: a request plus its target accounts.
type Post struct {
	ID       string
	Request  social.PublishRequest
	Accounts []social.Account
}

// Summary aggregates the per-account results of one dispatch.
type Summary struct {
	Results map[string]social.PublishResult // keyed by account id
}

// Published reports whether the post reached its overall terminal state:
// every account result is either a success or a non-retryable failure.
// Individual failures stay recorded per account, never collapsed.
func (s Summary) Published() bool {
	for _, res := range s.Results {
		if !res.Terminal() {
			return false
		}
	}
	return true
}

// Succeeded counts successful account results.
func (s Summary) Succeeded() int {
	n := 0
	for _, res := range s.Results {
		if res.OK() {
			n++
		}
	}
	return n
}

// Failed counts failed account results.
func (s Summary) Failed() int { return len(s.Results) - s.Succeeded() }

// Dispatcher resolves providers through the registry and publishes to each
// target account.
type Dispatcher struct {
	registry    *social.Registry
	sink        social.ResultSink
	concurrency int
}

// New builds a dispatcher. The sink may be nil when the caller only needs
// the returned summary.
func New(registry *social.Registry, sink social.ResultSink, concurrency int) *Dispatcher {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Dispatcher{registry: registry, sink: sink, concurrency: concurrency}
}

// Dispatch validates the post's account mix and fans out one publish per
// account. The returned error covers only pre-flight rejection; per-account
// outcomes are in the summary.
func (d *Dispatcher) Dispatch(ctx context.Context, post Post) (Summary, error) {
	if err := d.checkSimultaneous(post); err != nil {
		return Summary{}, err
	}

	summary := Summary{Results: make(map[string]social.PublishResult, len(post.Accounts))}
	var mu sync.Mutex

	// Deliberately not errgroup.WithContext: one account's failure must not
	// cancel the siblings.
	g := new(errgroup.Group)
	g.SetLimit(d.concurrency)

	for _, account := range post.Accounts {
		account := account
		g.Go(func() error {
			res := d.publishOne(ctx, account, post.Request)
			mu.Lock()
			summary.Results[account.ID] = res
			mu.Unlock()
			if d.sink != nil {
				d.sink.OnResult(post.ID, account.ID, res)
			}
			return nil
		})
	}
	_ = g.Wait()

	logutil.Infof("post %s: %d published, %d failed", post.ID, summary.Succeeded(), summary.Failed())
	return summary, nil
}

func (d *Dispatcher) publishOne(ctx context.Context, account social.Account, req social.PublishRequest) social.PublishResult {
	bundle, err := d.registry.Resolve(account.Provider)
	if err != nil {
		return social.ResultFromError(err)
	}
	logutil.Debugf("publishing to %s account %s", account.Provider, account.ID)
	return bundle.Publisher.Publish(ctx, account, req)
}

// checkSimultaneous rejects posts that target several accounts of a provider
// that disallows simultaneous posting. This runs before any account publish
// so a rejection causes no partial side effects.
func (d *Dispatcher) checkSimultaneous(post Post) error {
	counts := make(map[social.Provider]int)
	for _, account := range post.Accounts {
		counts[account.Provider]++
	}
	for provider, n := range counts {
		if n < 2 {
			continue
		}
		bundle, err := d.registry.Resolve(provider)
		if err != nil {
			return err
		}
		if !bundle.Capabilities.SimultaneousPosting {
			return social.ValidationError{
				Provider: provider,
				Reason:   fmt.Sprintf("%d accounts targeted but provider disallows simultaneous posting", n),
			}
		}
	}
	return nil
}
