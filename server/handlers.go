package server

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/xhad/formulary/internal/models"
	"github.com/xhad/formulary/pkg/llm"
	"github.com/xhad/formulary/pkg/pipeline"
	"github.com/xhad/formulary/pkg/retry"
)

type QueryRequest struct {
	Query string `json:"query"`
}

type QueryResponse struct {
	Response   string   `json:"response"`
	Refused    bool     `json:"refused"`
	Generation int64    `json:"generation"`
	Sources    []string `json:"sources"`
}

type UploadResponse struct {
	Message    string `json:"message"`
	DocumentID string `json:"document_id"`
	Generation int64  `json:"generation"`
	Chunks     int    `json:"chunks"`
}

type StatusResponse struct {
	Ingestion pipeline.Status  `json:"ingestion"`
	Document  *DocumentSummary `json:"document,omitempty"`
}

type DocumentSummary struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	UploadedBy string    `json:"uploaded_by"`
	UploadedAt time.Time `json:"uploaded_at"`
	Generation int64     `json:"generation"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleUpload stores the uploaded formulary and ingests it, retrying
// retryable failures.
func (s *Server) handleUpload(c echo.Context) error {
	caller, _ := identityFrom(c)

	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field \"file\" is required")
	}
	path, err := s.saveUpload(fh)
	if err != nil {
		return err
	}

	doc := models.SourceDocument{
		ID:          uuid.NewString(),
		Title:       filepath.Base(fh.Filename),
		Path:        path,
		ContentType: fh.Header.Get("Content-Type"),
		UploadedAt:  time.Now().UTC(),
		UploadedBy:  caller.Subject,
	}

	ctx := c.Request().Context()
	report, err := retry.Do(ctx, s.config.Retry, func(ctx context.Context) (pipeline.IngestReport, error) {
		return s.ingestion.Ingest(ctx, doc)
	}, s.logRetry(c, "ingest"))
	if err != nil {
		return s.httpError(c, err)
	}

	return c.JSON(http.StatusOK, UploadResponse{
		Message:    "KNMF uploaded successfully",
		DocumentID: doc.ID,
		Generation: report.Manifest.Generation,
		Chunks:     report.Chunks,
	})
}

func (s *Server) saveUpload(fh *multipart.FileHeader) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "unreadable upload")
	}
	defer src.Close()

	if err := os.MkdirAll(s.config.UploadDir, 0o755); err != nil {
		return "", fmt.Errorf("creating upload dir: %w", err)
	}
	path := filepath.Join(s.config.UploadDir, uuid.NewString()+strings.ToLower(filepath.Ext(fh.Filename)))
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("saving upload: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return "", fmt.Errorf("saving upload: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("saving upload: %w", err)
	}
	return path, nil
}

func (s *Server) handleQuery(c echo.Context) error {
	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	caller, _ := identityFrom(c)

	answer, err := retry.Do(c.Request().Context(), s.config.Retry, func(ctx context.Context) (llm.Answer, error) {
		return s.query.Ask(ctx, caller, req.Query)
	}, s.logRetry(c, "query"))
	if err != nil {
		return s.httpError(c, err)
	}

	return c.JSON(http.StatusOK, QueryResponse{
		Response:   answer.Text,
		Refused:    answer.Refused,
		Generation: answer.Result.Generation,
		Sources:    answer.Result.ChunkIDs(),
	})
}

func (s *Server) handleStatus(c echo.Context) error {
	resp := StatusResponse{Ingestion: s.ingestion.Status()}
	if s.records != nil {
		doc, manifest, err := s.records.LatestDocument(c.Request().Context())
		switch {
		case err == nil:
			resp.Document = &DocumentSummary{
				ID:         doc.ID,
				Title:      doc.Title,
				UploadedBy: doc.UploadedBy,
				UploadedAt: doc.UploadedAt,
				Generation: manifest.Generation,
			}
		case models.KindOf(err) != models.ErrIndexNotFound:
			return s.httpError(c, err)
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRecentAnswers(c echo.Context) error {
	if s.records == nil {
		return c.JSON(http.StatusOK, []models.AnswerRecord{})
	}
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 1000")
		}
		limit = n
	}
	answers, err := s.records.RecentAnswers(c.Request().Context(), limit)
	if err != nil {
		return s.httpError(c, err)
	}
	if answers == nil {
		answers = []models.AnswerRecord{}
	}
	return c.JSON(http.StatusOK, answers)
}

func (s *Server) logRetry(c echo.Context, op string) func(int, time.Duration, error) {
	return func(attempt int, delay time.Duration, err error) {
		s.logger.Warn().
			Err(err).
			Str("request_id", requestID(c)).
			Str("op", op).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("retrying")
	}
}
