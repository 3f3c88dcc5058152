package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"

	"tack-api/domain"
)

func BenchmarkMoveTask(b *testing.B) {
	shutdownEventSender()
	defer shutdownEventSender()

	engine := &fakeEngine{
		moveTaskFn: func(_ context.Context, _, _, taskID, _, columnID string, idx *int) (*domain.Task, error) {
			order := 0
			if idx != nil {
				order = *idx
			}
			return &domain.Task{ID: taskID, ColumnID: columnID, Title: "bench", Order: order}, nil
		},
	}
	logger, _ := test.NewNullLogger()
	e := echo.New()
	Register(e, engine, &fakePublisher{}, fakeAuth{userID: "user-1"}, nil, logger)

	body := `{"columnId":"c2","index":1}`

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			req := httptest.NewRequest(http.MethodPost, "/api/boards/b1/tasks/t1/move", strings.NewReader(body))
			req.Header.Set(echo.HeaderAuthorization, "Bearer x.y.z")
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				b.Fatalf("unexpected status: %d", rec.Code)
			}
		}
	})
}
