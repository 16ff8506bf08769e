package capture

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/readlater-archiver/internal/archive"
)

func TestCollyPreflightAcceptsAnyHTTPStatus(t *testing.T) {
	t.Parallel()

	methods := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods <- r.Method
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer srv.Close()

	p := NewCollyPreflight(PreflightConfig{Timeout: 2 * time.Second, UserAgent: "archiver-test"})
	require.NoError(t, p.Check(context.Background(), srv.URL+"/article"))
	assert.Equal(t, http.MethodHead, <-methods)

	// The same URL can be checked again on retry.
	require.NoError(t, p.Check(context.Background(), srv.URL+"/article"))
}

func TestCollyPreflightReportsConnectionFailure(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	p := NewCollyPreflight(PreflightConfig{Timeout: 2 * time.Second})
	err = p.Check(context.Background(), "http://"+addr+"/")
	require.Error(t, err)

	ce := archive.AsCaptureError(err)
	assert.Equal(t, archive.FailureNetwork, ce.Kind)
}

func TestCollyPreflightHonoursContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	p := NewCollyPreflight(PreflightConfig{Timeout: 5 * time.Second})
	err := p.Check(ctx, srv.URL)
	require.Error(t, err)
	assert.Equal(t, archive.FailureTimeout, archive.AsCaptureError(err).Kind)
}
