package devicectl

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

type fakeDoer struct {
	requests []downlinkRequest
	uris     []string
	status   int
	err      error
}

func (f *fakeDoer) DoDeadline(req *fasthttp.Request, resp *fasthttp.Response, _ time.Time) error {
	if f.err != nil {
		return f.err
	}
	var dl downlinkRequest
	_ = json.Unmarshal(req.Body(), &dl)
	f.requests = append(f.requests, dl)
	f.uris = append(f.uris, string(req.URI().FullURI()))
	status := f.status
	if status == 0 {
		status = fasthttp.StatusAccepted
	}
	resp.SetStatusCode(status)
	return nil
}

func newTestClient(doer *fakeDoer) *Client {
	c := NewClient(Config{
		BaseURL:    "http://lns.local",
		APIKey:     "key",
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
	})
	c.http = doer
	return c
}

func TestClient_SendRelay(t *testing.T) {
	t.Run("queues a confirmed downlink", func(t *testing.T) {
		doer := &fakeDoer{}
		c := newTestClient(doer)

		err := c.SendRelay(context.Background(), "24E124445C312345", "off", "EM300")
		require.NoError(t, err)

		require.Len(t, doer.requests, 1)
		assert.Equal(t, "24E124445C312345", doer.requests[0].DeviceEUI)
		assert.Equal(t, "relay_off", doer.requests[0].Command)
		assert.True(t, doer.requests[0].Confirmed)
		assert.Contains(t, doer.uris[0], "/api/devices/24E124445C312345/queue")
	})

	t.Run("rejects unknown actions", func(t *testing.T) {
		c := newTestClient(&fakeDoer{})
		err := c.SendRelay(context.Background(), "24E124445C312345", "toggle", "EM300")
		assert.ErrorIs(t, err, ErrBadAction)
	})

	t.Run("retries then reports the last error", func(t *testing.T) {
		doer := &fakeDoer{err: errors.New("connection refused")}
		c := newTestClient(doer)

		err := c.SendRelay(context.Background(), "24E124445C312345", "on", "EM300")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "after 2 attempts")
	})

	t.Run("non-2xx is a failure", func(t *testing.T) {
		doer := &fakeDoer{status: fasthttp.StatusBadGateway}
		c := newTestClient(doer)

		err := c.SendRelay(context.Background(), "24E124445C312345", "on", "EM300")
		require.Error(t, err)
	})
}

func TestClient_CircuitBreaker(t *testing.T) {
	doer := &fakeDoer{err: errors.New("down")}
	c := NewClient(Config{
		BaseURL:                 "http://lns.local",
		MaxRetries:              1,
		RetryDelay:              time.Millisecond,
		CircuitBreakerThreshold: 4,
		CircuitBreakerTimeout:   time.Minute,
	})
	c.http = doer

	// Two calls at two attempts each cross the threshold.
	_ = c.SendRelay(context.Background(), "EUI1", "off", "EM300")
	_ = c.SendRelay(context.Background(), "EUI1", "off", "EM300")

	err := c.SendRelay(context.Background(), "EUI1", "off", "EM300")
	assert.ErrorIs(t, err, ErrCircuitOpen)

	// Circuit closes again after the timeout.
	c.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	doer.err = nil
	err = c.SendRelay(context.Background(), "EUI1", "off", "EM300")
	assert.NoError(t, err)
}
