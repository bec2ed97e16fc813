package mux

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T) (*Mux, *Mux) {
	t.Helper()
	c1, c2 := net.Pipe()
	a := New(c1, nil, 8)
	b := New(c2, nil, 8)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.Run(ctx)
	go b.Run(ctx)
	return a, b
}

func TestRequestResponseRoundTrip(t *testing.T) {
	a, b := newPair(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := <-b.Incoming()
		var payload string
		require.NoError(t, req.UnmarshalPayload(&payload))
		assert.Equal(t, "ping", payload)
		require.NoError(t, b.ReportSuccess(req.ID, "pong"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := a.Request(ctx, "ping", 1, 0)
	require.NoError(t, err)

	var got string
	require.NoError(t, json.Unmarshal(resp, &got))
	assert.Equal(t, "pong", got)
	<-done
}

func TestApplicativeFailureDoesNotRetry(t *testing.T) {
	a, b := newPair(t)

	attempts := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		req := <-b.Incoming()
		attempts++
		require.NoError(t, b.ReportFailure(req.ID, "denied"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := a.Request(ctx, "do-thing", 5, 10*time.Millisecond)
	require.Error(t, err)
	var failed *FailedRequest
	require.ErrorAs(t, err, &failed)
	assert.True(t, failed.Applicative)

	<-done
	assert.Equal(t, 1, attempts, "applicative failure must not be retried")
}

func TestConcurrentRequestsDoNotCrossTalk(t *testing.T) {
	a, b := newPair(t)

	go func() {
		for req := range b.Incoming() {
			req := req
			go func() {
				var payload string
				_ = req.UnmarshalPayload(&payload)
				_ = b.ReportSuccess(req.ID, payload+"-reply")
			}()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	const n = 10
	results := make(chan string, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			resp, err := a.Request(ctx, requestLabel(i), 1, 0)
			require.NoError(t, err)
			var got string
			require.NoError(t, json.Unmarshal(resp, &got))
			results <- got
		}()
	}

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		seen[<-results] = true
	}
	for i := 0; i < n; i++ {
		assert.True(t, seen[requestLabel(i)+"-reply"])
	}
}

func requestLabel(i int) string {
	return fmt.Sprintf("msg-%d", i)
}

func TestTransportFailureIsNotApplicative(t *testing.T) {
	c1, c2 := net.Pipe()
	a := New(c1, nil, 8)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.Run(ctx)

	// Close the peer side immediately so the first write's read side is
	// already gone; Request should report a transport-level (not
	// applicative) failure rather than hang. It stops retrying as soon as
	// the mux sees the closed stream.
	c2.Close()

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer reqCancel()
	_, err := a.Request(reqCtx, "ping", 2, 5*time.Millisecond)
	require.Error(t, err)
	var failed *FailedRequest
	require.ErrorAs(t, err, &failed)
	assert.False(t, failed.Applicative)
}
