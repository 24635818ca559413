// Package gateway abstracts the Git hosting providers the engine merges
// against. Clients are stateless per call; the engine decides when to fetch
// state and when to merge.
package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Remote pull request states as the engine sees them.
const (
	StateOpen   = "open"
	StateClosed = "closed"
	StateMerged = "merged"
)

// ErrorKind classifies provider failures for per-item error messages.
type ErrorKind string

const (
	KindConflict    ErrorKind = "conflict"
	KindPermission  ErrorKind = "permission"
	KindRateLimited ErrorKind = "rate_limited"
	KindNetwork     ErrorKind = "network"
	KindValidation  ErrorKind = "validation"
)

// ProviderError is any error returned by a provider API call. It is recorded
// per item and never aborts the batch.
type ProviderError struct {
	Kind    ErrorKind
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// MergeOutcome is the result of a successful merge call.
type MergeOutcome struct {
	CommitID string
}

// Client is the per-provider API surface the engine consumes.
type Client interface {
	// FetchState returns the current remote state of a pull request.
	FetchState(ctx context.Context, repository string, number int) (string, error)
	// Merge merges a pull request and returns the merge commit identifier.
	Merge(ctx context.Context, repository string, number int, strategy string, deleteBranch bool) (MergeOutcome, error)
}

// Registry maps provider names to configured clients.
type Registry struct {
	clients map[string]Client
}

func NewRegistry() *Registry {
	return &Registry{clients: map[string]Client{}}
}

func (r *Registry) Register(provider string, c Client) {
	r.clients[strings.ToLower(provider)] = c
}

// For returns the client for a provider, or an error naming the providers
// that are configured.
func (r *Registry) For(provider string) (Client, error) {
	c, ok := r.clients[strings.ToLower(provider)]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured (have: %s)", provider, strings.Join(r.Providers(), ", "))
	}
	return c, nil
}

func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
