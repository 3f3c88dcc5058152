package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"tack-api/domain"
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, engine Engine, pub Publisher, auth Authenticator, deduper Deduper, logger *log.Logger) {
	e.GET("/api/boards", listBoards(engine, auth))
	e.POST("/api/boards", createBoard(engine, auth, deduper))
	e.GET("/api/boards/:boardID", getBoard(engine, auth))
	e.GET("/api/boards/:boardID/stream", streamBoard(engine, auth))
	e.POST("/api/boards/:boardID/archive", archiveBoard(engine, auth, deduper))
	e.POST("/api/boards/:boardID/restore", restoreBoard(engine, auth, deduper))
	e.POST("/api/boards/:boardID/columns", createColumn(engine, auth, deduper))
	e.POST("/api/boards/:boardID/columns/:columnID/move", moveColumn(engine, auth, deduper))
	e.POST("/api/boards/:boardID/tasks", createTask(engine, auth, deduper))
	e.POST("/api/boards/:boardID/tasks/:taskID/move", moveTask(engine, auth, deduper, logger))
	e.PATCH("/api/boards/:boardID/tasks/:taskID", updateTask(engine, auth, deduper))
	e.DELETE("/api/boards/:boardID/tasks/:taskID", deleteTask(engine, auth, deduper))
	e.POST("/api/boards/:boardID/tasks/:taskID/archive", archiveTask(engine, auth, deduper))
	e.POST("/api/boards/:boardID/tasks/:taskID/restore", restoreTask(engine, auth, deduper))
	e.GET("/healthz", healthz())
	e.GET("/healthz/outbox", outboxStatsHandler())

	initEventSender(pub, logger)
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, requestMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// domainError translates domain rejections into HTTP responses. The board
// identity on archived-board rejections lets clients offer restoring first.
func domainError(c echo.Context, err error) error {
	var notFound domain.NotFoundError
	if errors.As(err, &notFound) {
		return c.JSON(http.StatusNotFound, errorResponse{
			Code: "not_found", Message: err.Error(), Kind: notFound.Kind, EntityID: notFound.ID,
		})
	}
	if errors.Is(err, domain.ErrForbidden) {
		return c.JSON(http.StatusForbidden, errorResponse{Code: "forbidden", Message: err.Error()})
	}
	var invalidTarget domain.InvalidCreationTargetError
	if errors.As(err, &invalidTarget) {
		return c.JSON(http.StatusBadRequest, errorResponse{
			Code: "invalid_creation_target", Message: err.Error(), Kind: "column", EntityID: invalidTarget.ColumnID,
		})
	}
	var crossBoard domain.CrossBoardMoveError
	if errors.As(err, &crossBoard) {
		return c.JSON(http.StatusBadRequest, errorResponse{
			Code: "cross_board_move", Message: err.Error(), Kind: "task", EntityID: crossBoard.TaskID,
		})
	}
	var locked domain.TaskLockedError
	if errors.As(err, &locked) {
		return c.JSON(http.StatusConflict, errorResponse{
			Code: "task_locked", Message: err.Error(), Kind: "task", EntityID: locked.TaskID,
		})
	}
	var boardArchived domain.BoardArchivedError
	if errors.As(err, &boardArchived) {
		return c.JSON(http.StatusConflict, errorResponse{
			Code: "board_archived", Message: err.Error(), BoardID: boardArchived.BoardID, BoardTitle: boardArchived.Title,
		})
	}
	if errors.Is(err, domain.ErrConcurrentMoveConflict) {
		return c.JSON(http.StatusConflict, errorResponse{Code: "conflict", Message: err.Error()})
	}
	c.Logger().Error(err)
	return c.JSON(http.StatusInternalServerError, errorResponse{Code: "internal", Message: "internal error"})
}

// claimKey applies the Idempotency-Key header, if present, against the
// deduper. The second return is true when this key was already processed.
func claimKey(c echo.Context, deduper Deduper, userID string) (string, bool, error) {
	key := c.Request().Header.Get("Idempotency-Key")
	if key == "" || deduper == nil {
		return "", false, nil
	}
	added, err := deduper.Add(c.Request().Context(), userID, key)
	if err != nil {
		return "", false, err
	}
	return key, !added, nil
}

// releaseKey rolls a claimed key back so the client may retry after a failure.
func releaseKey(c echo.Context, deduper Deduper, userID, key string) {
	if key == "" || deduper == nil {
		return
	}
	if err := deduper.Remove(context.Background(), userID, key); err != nil {
		c.Logger().Errorf("dedupe rollback failed: %v, key: %s, user: %s", err, key, userID)
	}
}

func duplicateRequest(c echo.Context) error {
	return c.JSON(http.StatusConflict, errorResponse{Code: "duplicate_request", Message: "request with this idempotency key was already processed"})
}

func listBoards(engine Engine, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		refs, err := engine.ListBoards(c.Request().Context(), userID)
		if err != nil {
			return domainError(c, err)
		}
		return c.JSON(http.StatusOK, map[string][]domain.BoardRef{"boards": refs})
	}
}

func createBoard(engine Engine, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req createBoardRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if req.Title == "" {
			return c.String(http.StatusBadRequest, "title is required")
		}
		key, dup, err := claimKey(c, deduper, userID)
		if err != nil {
			return domainError(c, err)
		}
		if dup {
			return duplicateRequest(c)
		}
		snap, err := engine.CreateBoard(c.Request().Context(), userID, req.Title)
		if err != nil {
			releaseKey(c, deduper, userID, key)
			return domainError(c, err)
		}
		publish(c, userID, domain.Event{
			ID:         uuid.NewString(),
			BoardID:    snap.Board.ID,
			EntityID:   snap.Board.ID,
			EntityType: "board",
			Type:       domain.EventBoardCreated,
			Timestamp:  nextTimestamp(),
		})
		return c.JSON(http.StatusCreated, snap)
	}
}

func getBoard(engine Engine, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		snap, err := engine.GetBoard(c.Request().Context(), userID, c.Param("boardID"))
		if err != nil {
			return domainError(c, err)
		}
		return c.JSON(http.StatusOK, snap)
	}
}

func archiveBoard(engine Engine, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return boardLifecycleHandler(auth, deduper, domain.EventBoardArchived, func(ctx context.Context, e Engine, userID, boardID string) (*domain.Board, error) {
		return e.ArchiveBoard(ctx, userID, boardID)
	}, engine)
}

func restoreBoard(engine Engine, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return boardLifecycleHandler(auth, deduper, domain.EventBoardRestored, func(ctx context.Context, e Engine, userID, boardID string) (*domain.Board, error) {
		return e.RestoreBoard(ctx, userID, boardID)
	}, engine)
}

func boardLifecycleHandler(auth Authenticator, deduper Deduper, eventType string, op func(context.Context, Engine, string, string) (*domain.Board, error), engine Engine) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		boardID := c.Param("boardID")
		key, dup, err := claimKey(c, deduper, userID)
		if err != nil {
			return domainError(c, err)
		}
		if dup {
			return duplicateRequest(c)
		}
		board, err := op(c.Request().Context(), engine, userID, boardID)
		if err != nil {
			releaseKey(c, deduper, userID, key)
			return domainError(c, err)
		}
		publish(c, userID, domain.Event{
			ID:         uuid.NewString(),
			BoardID:    board.ID,
			EntityID:   board.ID,
			EntityType: "board",
			Type:       eventType,
			Timestamp:  nextTimestamp(),
		})
		return c.JSON(http.StatusOK, board)
	}
}

func createColumn(engine Engine, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req createColumnRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if req.Title == "" {
			return c.String(http.StatusBadRequest, "title is required")
		}
		role := domain.ColumnRole(req.Role)
		switch role {
		case "", domain.RoleBacklog, domain.RoleInProgress, domain.RoleTerminal:
		default:
			return c.String(http.StatusBadRequest, "invalid role")
		}
		key, dup, err := claimKey(c, deduper, userID)
		if err != nil {
			return domainError(c, err)
		}
		if dup {
			return duplicateRequest(c)
		}
		col, err := engine.CreateColumn(c.Request().Context(), userID, c.Param("boardID"), req.Title, role)
		if err != nil {
			releaseKey(c, deduper, userID, key)
			return domainError(c, err)
		}
		publish(c, userID, columnEvent(col, domain.EventColumnCreated))
		return c.JSON(http.StatusCreated, col)
	}
}

func moveColumn(engine Engine, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req moveRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		key, dup, err := claimKey(c, deduper, userID)
		if err != nil {
			return domainError(c, err)
		}
		if dup {
			return duplicateRequest(c)
		}
		col, err := engine.MoveColumn(c.Request().Context(), userID, c.Param("boardID"), c.Param("columnID"), req.Index)
		if err != nil {
			releaseKey(c, deduper, userID, key)
			return domainError(c, err)
		}
		publish(c, userID, columnEvent(col, domain.EventColumnMoved))
		return c.JSON(http.StatusOK, col)
	}
}

func createTask(engine Engine, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req createTaskRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if req.Title == "" || req.ColumnID == "" {
			return c.String(http.StatusBadRequest, "title and columnId are required")
		}
		key, dup, err := claimKey(c, deduper, userID)
		if err != nil {
			return domainError(c, err)
		}
		if dup {
			return duplicateRequest(c)
		}
		nt := domain.NewTask{
			Title:    req.Title,
			Notes:    req.Notes,
			DueDate:  req.DueDate,
			Priority: domain.Priority(req.Priority),
		}
		task, err := engine.CreateTask(c.Request().Context(), userID, c.Param("boardID"), req.ColumnID, nt, req.Index)
		if err != nil {
			releaseKey(c, deduper, userID, key)
			return domainError(c, err)
		}
		publish(c, userID, taskEvent(c.Param("boardID"), task, domain.EventTaskCreated))
		return c.JSON(http.StatusCreated, task)
	}
}

func moveTask(engine Engine, auth Authenticator, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newMoveRequestMetrics(ctx, logger)
		if spanCtx != nil {
			req := c.Request().WithContext(spanCtx)
			c.SetRequest(req)
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		var req moveTaskRequest
		if decodeErr := decodeBody(c, &req); decodeErr != nil {
			metrics.SetErrorStage("decode")
			err = c.String(http.StatusBadRequest, "invalid body")
			return err
		}
		if req.ColumnID == "" {
			metrics.SetErrorStage("decode")
			err = c.String(http.StatusBadRequest, "columnId is required")
			return err
		}
		metrics.SetIndexProvided(req.Index != nil)

		key, dup, claimErr := claimKey(c, deduper, userID)
		if claimErr != nil {
			metrics.SetErrorStage("dedupe")
			err = domainError(c, claimErr)
			return err
		}
		if dup {
			metrics.SetErrorStage("duplicate")
			err = duplicateRequest(c)
			return err
		}

		moveStart := time.Now()
		task, moveErr := engine.MoveTask(ctx, userID, c.Param("boardID"), c.Param("taskID"), req.BoardID, req.ColumnID, req.Index)
		metrics.ObserveMove(time.Since(moveStart))
		if moveErr != nil {
			releaseKey(c, deduper, userID, key)
			metrics.SetErrorStage(moveErrorStage(moveErr))
			err = domainError(c, moveErr)
			return err
		}
		publish(c, userID, taskEvent(c.Param("boardID"), task, domain.EventTaskMoved))

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, task)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func moveErrorStage(err error) string {
	switch {
	case errors.Is(err, domain.ErrConcurrentMoveConflict):
		return "conflict"
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden"
	default:
		var notFound domain.NotFoundError
		if errors.As(err, &notFound) {
			return "not_found"
		}
		return "storage"
	}
}

func updateTask(engine Engine, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req updateTaskRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		key, dup, err := claimKey(c, deduper, userID)
		if err != nil {
			return domainError(c, err)
		}
		if dup {
			return duplicateRequest(c)
		}
		edit := domain.TaskEdit{Title: req.Title, Notes: req.Notes, DueDate: req.DueDate, Priority: req.Priority}
		task, err := engine.UpdateTask(c.Request().Context(), userID, c.Param("boardID"), c.Param("taskID"), edit)
		if err != nil {
			releaseKey(c, deduper, userID, key)
			return domainError(c, err)
		}
		publish(c, userID, taskEvent(c.Param("boardID"), task, domain.EventTaskUpdated))
		return c.JSON(http.StatusOK, task)
	}
}

func deleteTask(engine Engine, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		key, dup, err := claimKey(c, deduper, userID)
		if err != nil {
			return domainError(c, err)
		}
		if dup {
			return duplicateRequest(c)
		}
		boardID, taskID := c.Param("boardID"), c.Param("taskID")
		if err := engine.DeleteTask(c.Request().Context(), userID, boardID, taskID); err != nil {
			releaseKey(c, deduper, userID, key)
			return domainError(c, err)
		}
		publish(c, userID, domain.Event{
			ID:         uuid.NewString(),
			BoardID:    boardID,
			EntityID:   taskID,
			EntityType: "task",
			Type:       domain.EventTaskDeleted,
			Timestamp:  nextTimestamp(),
		})
		return c.NoContent(http.StatusNoContent)
	}
}

func archiveTask(engine Engine, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return taskLifecycleHandler(auth, deduper, domain.EventTaskArchived, Engine.ArchiveTask, engine)
}

func restoreTask(engine Engine, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return taskLifecycleHandler(auth, deduper, domain.EventTaskRestored, Engine.RestoreTask, engine)
}

func taskLifecycleHandler(auth Authenticator, deduper Deduper, eventType string, op func(Engine, context.Context, string, string, string) (*domain.Task, error), engine Engine) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		key, dup, err := claimKey(c, deduper, userID)
		if err != nil {
			return domainError(c, err)
		}
		if dup {
			return duplicateRequest(c)
		}
		task, err := op(engine, c.Request().Context(), userID, c.Param("boardID"), c.Param("taskID"))
		if err != nil {
			releaseKey(c, deduper, userID, key)
			return domainError(c, err)
		}
		publish(c, userID, taskEvent(c.Param("boardID"), task, eventType))
		return c.JSON(http.StatusOK, task)
	}
}

func columnEvent(col *domain.Column, eventType string) domain.Event {
	data, _ := sonic.Marshal(col)
	return domain.Event{
		ID:         uuid.NewString(),
		BoardID:    col.BoardID,
		EntityID:   col.ID,
		EntityType: "column",
		Type:       eventType,
		Data:       data,
		Timestamp:  nextTimestamp(),
	}
}

func taskEvent(boardID string, task *domain.Task, eventType string) domain.Event {
	data, _ := sonic.Marshal(task)
	return domain.Event{
		ID:         uuid.NewString(),
		BoardID:    boardID,
		EntityID:   task.ID,
		EntityType: "task",
		Type:       eventType,
		Data:       data,
		Timestamp:  nextTimestamp(),
	}
}
