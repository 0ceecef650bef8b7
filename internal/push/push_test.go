package push

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/presence/internal/domain"
)

func TestHTTPPusherClassifiesResponses(t *testing.T) {
	var gotAuth, gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.EscapedPath()
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		switch r.URL.Path {
		case "/@connections/gone":
			w.WriteHeader(http.StatusGone)
		case "/@connections/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	p := NewHTTPPusher(srv.URL+"/", "secret", time.Second)
	ctx := context.Background()

	require.NoError(t, p.Push(ctx, "c 1", []byte("hello")))
	require.Equal(t, "Bearer secret", gotAuth)
	require.Equal(t, "/@connections/c%201", gotPath)
	require.Equal(t, "hello", gotBody)

	err := p.Push(ctx, "gone", nil)
	require.ErrorIs(t, err, domain.ErrGone)

	err = p.Push(ctx, "busy", nil)
	require.ErrorIs(t, err, domain.ErrTransientDelivery)
	require.NotErrorIs(t, err, domain.ErrGone)
	var delivery *DeliveryError
	require.True(t, errors.As(err, &delivery))
	require.Equal(t, http.StatusServiceUnavailable, delivery.Status)
}

func TestHTTPPusherNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := NewHTTPPusher(url, "", time.Second).Push(context.Background(), "c1", nil)
	require.ErrorIs(t, err, domain.ErrTransientDelivery)
}

func TestMemoryPusherScriptedOutcomes(t *testing.T) {
	p := NewMemoryPusher()
	p.SetOutcome("dead", domain.ErrGone)

	require.NoError(t, p.Push(context.Background(), "live", []byte("x")))
	require.ErrorIs(t, p.Push(context.Background(), "dead", []byte("x")), domain.ErrGone)

	require.Equal(t, 2, p.Calls())
	require.Equal(t, []Delivery{{ConnectionID: "live", Payload: []byte("x")}}, p.Deliveries())
}
