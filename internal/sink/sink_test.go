package sink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

func TestJSONCodecRoundTrip(t *testing.T) {
	c := jsonCodec{}
	assert.Equal(t, "json", c.Name())

	in := batchMessage{Records: []map[string]any{{"a": 1.0}}}
	data, err := c.Marshal(in)
	require.NoError(t, err)

	var out batchMessage
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, in.Records[0]["a"], out.Records[0]["a"])
}

func TestCapBackoffStaysWithinCeiling(t *testing.T) {
	base := 100 * time.Millisecond
	ceiling := 5 * time.Second
	for attempt := 1; attempt <= 20; attempt++ {
		d := capBackoff(attempt, base, ceiling)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, ceiling)
	}
}

func TestTokenManagerCachesUntilForceRefresh(t *testing.T) {
	var issued int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		issued++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "token-" + string(rune('a'+issued)),
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	tm := newTokenManager(clientcredentials.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		TokenURL:     srv.URL,
	})

	ctx := context.Background()
	tok1, err := tm.GetToken(ctx)
	require.NoError(t, err)
	tok2, err := tm.GetToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, tok1, tok2, "cached token should be reused")
	assert.Equal(t, 1, issued)

	tok3, err := tm.ForceRefresh(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, tok1, tok3, "force refresh should fetch a new token")
	assert.Equal(t, 2, issued)
}

func TestTokenManagerRefreshesAt80PercentLifetime(t *testing.T) {
	// A long lifetime keeps oauth2.Token's own built-in expiry buffer (a
	// fixed ~10s window before the real expiry) from masking the 80%
	// check this test targets.
	const lifetime = 200 * time.Second
	now := time.Now()

	tm := newTokenManager(clientcredentials.Config{})
	tm.fetchedAt = now.Add(-150 * time.Second) // 75% of lifetime elapsed
	tm.tok = &oauth2.Token{AccessToken: "tok", Expiry: tm.fetchedAt.Add(lifetime)}
	assert.True(t, tm.validLocked(), "token should still be valid before its 80% mark")

	tm2 := newTokenManager(clientcredentials.Config{})
	tm2.fetchedAt = now.Add(-170 * time.Second) // 85% of lifetime elapsed
	tm2.tok = &oauth2.Token{AccessToken: "tok", Expiry: tm2.fetchedAt.Add(lifetime)}
	assert.False(t, tm2.validLocked(), "token should be considered stale past its 80% mark")
}
