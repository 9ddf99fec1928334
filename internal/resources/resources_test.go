package resources

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/jobflow/pkg/api"
)

func newServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/w/demo/variables/get_value/f/secrets/db_password", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`"s3cret"`))
	})
	mux.HandleFunc("/api/w/demo/resources/get_value_interpolated/f/db/main", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"host":"db.local","port":5432,"password":"$var:f/secrets/db_password"}`))
	})
	mux.HandleFunc("/api/w/demo/resources/get_value_interpolated/f/loop", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`"$res:f/loop"`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestGetVariable(t *testing.T) {
	srv, _ := newServer(t)
	c := NewClient(Options{BaseURL: srv.URL + "/", Token: "tok"})

	v, err := c.GetVariable(context.Background(), "demo", "f/secrets/db_password", "")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", v)

	_, err = c.GetVariable(context.Background(), "demo", "f/secrets/db_password", "wrong")
	require.ErrorIs(t, err, api.ErrNotFound)
}

func TestGetResourceMissing(t *testing.T) {
	srv, _ := newServer(t)
	c := NewClient(Options{BaseURL: srv.URL, Token: "tok"})

	raw, err := c.GetResource(context.Background(), "demo", "f/db/main", "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"host":"db.local","port":5432,"password":"$var:f/secrets/db_password"}`, string(raw))

	_, err = c.GetResource(context.Background(), "demo", "f/db/other", "")
	require.ErrorIs(t, err, api.ErrNotFound)
}

func TestClientWithoutBaseURL(t *testing.T) {
	c := NewClient(Options{})
	_, err := c.GetVariable(context.Background(), "demo", "x", "")
	require.ErrorIs(t, err, api.ErrNotFound)
}

func TestClientRateLimit(t *testing.T) {
	srv, hits := newServer(t)
	c := NewClient(Options{BaseURL: srv.URL, Token: "tok", RPS: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := c.GetVariable(ctx, "demo", "f/secrets/db_password", "")
	require.NoError(t, err)
	_, err = c.GetVariable(ctx, "demo", "f/secrets/db_password", "")
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestResolveNestedReferences(t *testing.T) {
	srv, _ := newServer(t)
	r := NewResolver(NewClient(Options{BaseURL: srv.URL, Token: "tok"}))

	out, err := r.Resolve(context.Background(), "demo", "", json.RawMessage(
		`{"db":"$res:f/db/main","pw":"$var:f/secrets/db_password","list":["$var:f/secrets/db_password",1],"plain":"x"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"db": {"host":"db.local","port":5432,"password":"s3cret"},
		"pw": "s3cret",
		"list": ["s3cret", 1],
		"plain": "x"
	}`, string(out))
}

func TestResolveWithoutReferencesIsUntouched(t *testing.T) {
	r := NewResolver(NewClient(Options{}))
	in := json.RawMessage(`{"a": 1,  "b": "x"}`)
	out, err := r.Resolve(context.Background(), "demo", "", in)
	require.NoError(t, err)
	assert.Equal(t, string(in), string(out))
}

func TestResolveFailureIsNotFound(t *testing.T) {
	srv, _ := newServer(t)
	r := NewResolver(NewClient(Options{BaseURL: srv.URL, Token: "tok"}))

	for name, args := range map[string]string{
		"missing variable": `{"a":"$var:f/nope"}`,
		"missing resource": `{"a":"$res:f/nope"}`,
		"cyclic resource":  `{"a":"$res:f/loop"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := r.Resolve(context.Background(), "demo", "", json.RawMessage(args))
			var je *api.JobError
			require.True(t, errors.As(err, &je), "got %v", err)
			assert.Equal(t, api.ErrKindNotFound, je.Kind)
		})
	}
}
