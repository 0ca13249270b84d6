package main

import (
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyChannelAuth(t *testing.T) {
	app := newTestApp(t)
	private := subscription{Channel: "private-orders"}
	private.Auth = app.Key + ":" + sign(app.Secret, "1.2:private-orders")
	require.NoError(t, verifyChannelAuth(app, "1.2", private))
	assert.Equal(t, codeUnauthorized, errorCode(verifyChannelAuth(app, "1.3", private)))

	presence := subscription{Channel: "presence-room", ChannelData: []byte(`"{\"user_id\":\"u1\"}"`)}
	presence.Auth = app.Key + ":" + sign(app.Secret, `1.2:presence-room:{"user_id":"u1"}`)
	require.NoError(t, verifyChannelAuth(app, "1.2", presence))

	for _, auth := range []string{"", "no-colon", "wrong-key:" + sign(app.Secret, "1.2:private-orders")} {
		s := subscription{Channel: "private-orders", Auth: auth}
		assert.Equal(t, codeUnauthorized, errorCode(verifyChannelAuth(app, "1.2", s)), "auth %q", auth)
	}
}

// signedQuery builds the query string of a correctly signed API request.
func signedQuery(app *application, method, path string, params url.Values, body []byte, now time.Time) url.Values {
	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("auth_key", app.Key)
	q.Set("auth_timestamp", strconv.FormatInt(now.Unix(), 10))
	q.Set("auth_version", "1.0")
	if len(body) > 0 {
		q.Set("body_md5", bodyMD5(body))
	}
	q.Set("auth_signature", apiSignature(app.Secret, method, path, q))
	return q
}

func TestVerifyAPISignature(t *testing.T) {
	app := newTestApp(t)
	now := time.Now()
	body := []byte(`{"name":"e","channel":"c","data":"{}"}`)
	path := "/apps/app/events"

	q := signedQuery(app, "POST", path, nil, body, now)
	require.NoError(t, verifyAPISignature(app, "POST", path, q, body, now))

	tests := []struct {
		name   string
		mutate func(q url.Values) url.Values
		body   []byte
		now    time.Time
	}{
		{"tampered body", nil, []byte(`{}`), now},
		{"wrong method", nil, body, now},
		{"stale timestamp", nil, body, now.Add(11 * time.Minute)},
		{"future timestamp", nil, body, now.Add(-11 * time.Minute)},
		{"unknown key", func(q url.Values) url.Values { q.Set("auth_key", "other"); return q }, body, now},
		{"bad timestamp", func(q url.Values) url.Values { q.Set("auth_timestamp", "soon"); return q }, body, now},
		{"extra param", func(q url.Values) url.Values { q.Set("info", "user_count"); return q }, body, now},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := signedQuery(app, "POST", path, nil, body, now)
			if tt.mutate != nil {
				q = tt.mutate(q)
			}
			method := "POST"
			if tt.name == "wrong method" {
				method = "GET"
			}
			err := verifyAPISignature(app, method, path, q, tt.body, tt.now)
			assert.Equal(t, codeInvalidSignature, errorCode(err))
		})
	}
}

func TestAPISignatureIgnoresOwnParameter(t *testing.T) {
	q := url.Values{"b": {"2"}, "a": {"1"}}
	want := sign("secret", "GET\n/apps/1/channels\na=1&b=2")
	assert.Equal(t, want, apiSignature("secret", "GET", "/apps/1/channels", q))

	q.Set("auth_signature", "whatever")
	assert.Equal(t, want, apiSignature("secret", "GET", "/apps/1/channels", q))
}
