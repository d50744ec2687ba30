package geo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/weatherdash/internal/models"
)

func TestMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrPermissionDenied, "Location access was denied"},
		{fmt.Errorf("wrap: %w", ErrPositionUnavailable), "Location information is unavailable"},
		{ErrTimeout, "Location request timed out"},
		{context.DeadlineExceeded, "Location request timed out"},
		{ErrUnsupported, "Geolocation is not supported"},
		{errors.New("weird"), "An unknown error occurred"},
	}
	for _, tt := range tests {
		if got := Message(tt.err); got != tt.want {
			t.Errorf("Message(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestStatic(t *testing.T) {
	c, err := Static{Coords: models.Coordinates{Lat: 1, Lon: 2}}.Locate(context.Background())
	if err != nil || c.Lat != 1 || c.Lon != 2 {
		t.Errorf("Locate() = %v, %v", c, err)
	}
	if _, err := (Static{Err: ErrPermissionDenied}).Locate(context.Background()); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Locate() err = %v", err)
	}
}

func TestIPLocator_SuccessAndCache(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"status":"success","lat":48.8566,"lon":2.3522}`))
	}))
	defer srv.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewIPLocator(srv.URL, time.Second, 5*time.Minute, nil)
	l.now = func() time.Time { return now }

	c, err := l.Locate(context.Background())
	if err != nil || c.Lat != 48.8566 || c.Lon != 2.3522 {
		t.Fatalf("Locate() = %v, %v", c, err)
	}
	now = now.Add(4 * time.Minute)
	_, _ = l.Locate(context.Background())
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want cached answer within max age", calls.Load())
	}
	now = now.Add(2 * time.Minute)
	_, _ = l.Locate(context.Background())
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want refresh after max age", calls.Load())
	}
}

func TestIPLocator_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{"forbidden", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusForbidden) }, ErrPermissionDenied},
		{"server error", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) }, ErrPositionUnavailable},
		{"fail status", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"status":"fail","message":"private range"}`))
		}, ErrPositionUnavailable},
		{"garbage", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`<html>`)) }, ErrPositionUnavailable},
		{"slow", func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
		}, ErrTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			l := NewIPLocator(srv.URL, 50*time.Millisecond, 0, nil)
			if _, err := l.Locate(context.Background()); !errors.Is(err, tt.want) {
				t.Errorf("Locate() err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNewIPLocator_Defaults(t *testing.T) {
	l := NewIPLocator("", 0, 0, nil)
	if l.url != DefaultURL || l.timeout != DefaultTimeout || l.maxAge != DefaultMaxAge {
		t.Errorf("defaults = %s %v %v", l.url, l.timeout, l.maxAge)
	}
}
