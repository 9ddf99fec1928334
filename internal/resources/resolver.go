package resources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/petrijr/jobflow/pkg/api"
)

const (
	varPrefix = "$var:"
	resPrefix = "$res:"

	// maxDepth bounds resources that reference other resources.
	maxDepth = 8
)

// Fetcher is what Resolver needs from a Client.
type Fetcher interface {
	GetResource(ctx context.Context, workspace, path, token string) (json.RawMessage, error)
	GetVariable(ctx context.Context, workspace, path, token string) (string, error)
}

// Resolver replaces "$var:<path>" and "$res:<path>" string values in job
// arguments with the fetched variable or resource. Resources are resolved
// recursively, so a resource may itself hold "$var:" references.
type Resolver struct {
	f Fetcher
}

// NewResolver builds a Resolver backed by f.
func NewResolver(f Fetcher) *Resolver { return &Resolver{f: f} }

// Resolve returns args with every reference substituted. A failed fetch
// returns a JobError of kind NotFound naming the path.
func (r *Resolver) Resolve(ctx context.Context, workspace, token string, args json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 || !strings.Contains(string(args), "$var:") && !strings.Contains(string(args), "$res:") {
		return args, nil
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	out, err := r.transform(ctx, workspace, token, v, 0)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func (r *Resolver) transform(ctx context.Context, workspace, token string, v any, depth int) (any, error) {
	switch t := v.(type) {
	case string:
		switch {
		case strings.HasPrefix(t, varPrefix):
			path := strings.TrimPrefix(t, varPrefix)
			s, err := r.f.GetVariable(ctx, workspace, path, token)
			if err != nil {
				return nil, notFound("variable", path, err)
			}
			return s, nil
		case strings.HasPrefix(t, resPrefix):
			path := strings.TrimPrefix(t, resPrefix)
			if depth >= maxDepth {
				return nil, &api.JobError{Kind: api.ErrKindNotFound, Message: fmt.Sprintf("resource %s: references nested too deep", path)}
			}
			raw, err := r.f.GetResource(ctx, workspace, path, token)
			if err != nil {
				return nil, notFound("resource", path, err)
			}
			var inner any
			if err := json.Unmarshal(raw, &inner); err != nil {
				return nil, notFound("resource", path, err)
			}
			return r.transform(ctx, workspace, token, inner, depth+1)
		}
		return t, nil
	case map[string]any:
		for k, e := range t {
			nv, err := r.transform(ctx, workspace, token, e, depth)
			if err != nil {
				return nil, err
			}
			t[k] = nv
		}
		return t, nil
	case []any:
		for i, e := range t {
			nv, err := r.transform(ctx, workspace, token, e, depth)
			if err != nil {
				return nil, err
			}
			t[i] = nv
		}
		return t, nil
	default:
		return v, nil
	}
}

func notFound(what, path string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &api.JobError{Kind: api.ErrKindNotFound, Message: fmt.Sprintf("error fetching %s %s: %v", what, path, err)}
}
