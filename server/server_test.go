package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bezorgmoment/pkg/delivery"
	"bezorgmoment/poll"
)

type fakeChecker struct {
	rec   *delivery.Record
	err   error
	flags []poll.Flags
}

func (c *fakeChecker) Check(_ context.Context, flags poll.Flags) (*delivery.Record, error) {
	c.flags = append(c.flags, flags)
	return c.rec, c.err
}

var errMissing = errors.New("missing")

type fakeFiles map[string][]byte

func (f fakeFiles) Get(_ context.Context, name string) ([]byte, error) {
	data, ok := f[name]
	if !ok {
		return nil, errMissing
	}
	return data, nil
}

func newServer(c *fakeChecker, files fakeFiles) *Server {
	return New(&Config{
		Checker:    c,
		Files:      files,
		Flags:      poll.Flags{Faster: true},
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		IsNotFound: func(err error) bool { return errors.Is(err, errMissing) },
	})
}

func TestHandleDelivery(t *testing.T) {
	ts := time.Date(2018, time.August, 16, 10, 0, 0, 0, time.UTC)
	c := &fakeChecker{rec: &delivery.Record{Label: delivery.Ptr("zaterdag 18 augustus (16:00 - 18:00)"), Timestamp: ts}}
	srv := newServer(c, nil)

	req := httptest.NewRequest(http.MethodGet, "http://bezorg.example/delivery?withPdf&cached", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	if got["label"] != "zaterdag 18 augustus (16:00 - 18:00)" {
		t.Errorf("label = %v", got["label"])
	}

	require.Len(t, c.flags, 1)
	flags := c.flags[0]
	if !flags.PDF || !flags.Cached || !flags.Faster || flags.Compare {
		t.Errorf("flags = %+v", flags)
	}
	if flags.ServerURL != "http://bezorg.example/files" {
		t.Errorf("ServerURL = %q", flags.ServerURL)
	}
}

func TestHandleDeliveryErrorRecord(t *testing.T) {
	ts := time.Date(2018, time.August, 16, 10, 0, 0, 0, time.UTC)
	c := &fakeChecker{
		rec: delivery.Failed("session", "unexpected failure", "chrome not found", ts),
		err: errors.New("chrome not found"),
	}
	rr := httptest.NewRecorder()
	newServer(c, nil).Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/delivery", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	if got["error"] != "unexpected failure" || got["errorKind"] != "session" {
		t.Errorf("body = %v", got)
	}
	if _, ok := got["label"]; ok {
		t.Error("error record carries delivery fields")
	}
}

func TestHandlePoll(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		checkErr error
		want     int
	}{
		{"completed", http.MethodPost, nil, http.StatusOK},
		{"failed", http.MethodPost, errors.New("boom"), http.StatusInternalServerError},
		{"wrong method", http.MethodGet, nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &fakeChecker{rec: &delivery.Record{}, err: tt.checkErr}
			rr := httptest.NewRecorder()
			newServer(c, nil).Handler().ServeHTTP(rr, httptest.NewRequest(tt.method, "/pollz", nil))
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
			if tt.method == http.MethodPost && !c.flags[0].Compare {
				t.Error("poll should request a comparison")
			}
		})
	}
}

func TestHandleFile(t *testing.T) {
	files := fakeFiles{"bezorgmoment.pdf": []byte("%PDF-1.4")}
	h := newServer(&fakeChecker{}, files).Handler()

	tests := []struct {
		path string
		want int
		ct   string
	}{
		{"/files/bezorgmoment.pdf", http.StatusOK, "application/pdf"},
		{"/files/missing.png", http.StatusNotFound, ""},
		{"/files/", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
			if tt.ct != "" && rr.Header().Get("Content-Type") != tt.ct {
				t.Errorf("Content-Type = %q, want %q", rr.Header().Get("Content-Type"), tt.ct)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	rr := httptest.NewRecorder()
	newServer(&fakeChecker{}, nil).Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"healthy"}`, rr.Body.String())
}

func TestServerURL(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		tls     bool
		want    string
	}{
		{"plain", nil, false, "http://bezorg.example/files"},
		{"tls", nil, true, "https://bezorg.example/files"},
		{"behind proxy", map[string]string{"X-Forwarded-Proto": "https", "X-Forwarded-Host": "thuis.example"}, false, "https://thuis.example/files"},
		{"bogus proto", map[string]string{"X-Forwarded-Proto": "gopher"}, false, "http://bezorg.example/files"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://bezorg.example/delivery", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if tt.tls {
				r.TLS = &tls.ConnectionState{}
			}
			if got := serverURL(r); got != tt.want {
				t.Errorf("serverURL() = %q, want %q", got, tt.want)
			}
		})
	}
}
