package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tack-api/domain"
)

func TestStreamBoardEmitsSnapshots(t *testing.T) {
	engine := &fakeEngine{
		getBoardFn: func(context.Context, string, string) (*domain.BoardSnapshot, error) {
			return &domain.BoardSnapshot{Board: domain.Board{ID: "b1", Title: "Plan"}}, nil
		},
	}
	e, _ := newTestServer(t, engine, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/boards/b1/stream", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer x.y.z")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type: %s", ct)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "data: ") || !strings.Contains(body, `"b1"`) {
		t.Fatalf("unexpected stream body: %q", body)
	}
}

func TestStreamBoardAcceptsTokenQueryParam(t *testing.T) {
	engine := &fakeEngine{
		getBoardFn: func(context.Context, string, string) (*domain.BoardSnapshot, error) {
			return &domain.BoardSnapshot{Board: domain.Board{ID: "b1"}}, nil
		},
	}
	e, _ := newTestServer(t, engine, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/boards/b1/stream?token=x.y.z", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if !strings.HasPrefix(rec.Body.String(), "data: ") {
		t.Fatalf("unexpected stream body: %q", rec.Body.String())
	}
}
