package collect

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetClassifiesStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte("payload"))
		case "/limited":
			w.WriteHeader(http.StatusTooManyRequests)
		case "/forbidden":
			w.WriteHeader(http.StatusForbidden)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	b := newBase("probe", "test")
	ctx := context.Background()

	body, err := b.get(ctx, srv.URL+"/ok", nil)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))

	_, err = b.get(ctx, srv.URL+"/limited", nil)
	assert.ErrorIs(t, err, ErrRateLimited)

	var upstream *UpstreamError
	_, err = b.get(ctx, srv.URL+"/forbidden", nil)
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusForbidden, upstream.Status)
	assert.True(t, upstream.AuthRejected())

	_, err = b.get(ctx, srv.URL+"/oops", nil)
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusBadGateway, upstream.Status)
	assert.False(t, upstream.AuthRejected())
}

func TestGetNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connections now refused

	b := newBase("probe", "test")
	_, err := b.get(context.Background(), srv.URL, nil)

	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.NotNil(t, netErr.Unwrap())
	assert.Contains(t, netErr.Error(), srv.URL)
}

func TestGetSendsHeaders(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	b := newBase("probe", "test")
	_, err := b.get(context.Background(), srv.URL, http.Header{"User-Agent": {"ThePulse/1.0 test"}})
	require.NoError(t, err)
	assert.Equal(t, "ThePulse/1.0 test", got)
}

func TestGetCapsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), (8<<20)+1024))
	}))
	defer srv.Close()

	b := newBase("probe", "test")
	body, err := b.get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Len(t, body, 8<<20)
}

func TestCollectedItemHash(t *testing.T) {
	full := CollectedItem{Title: "t", Summary: "s", RawContent: "r"}
	noRaw := CollectedItem{Title: "t", Summary: "s"}
	titleOnly := CollectedItem{Title: "t"}

	assert.Equal(t, ContentHash("r", "", ""), full.Hash(), "raw content wins")
	assert.Equal(t, ContentHash("", "s", ""), noRaw.Hash())
	assert.Equal(t, ContentHash("", "", "t"), titleOnly.Hash())
	assert.NotEqual(t, full.Hash(), noRaw.Hash())
}
