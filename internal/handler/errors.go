package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/seatwatch/internal/middleware"
	"github.com/hitoshi/seatwatch/internal/model"
)

// writeAPIErrorResponse はAPIErrorを統一フォーマットで書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	if errors.Is(err, model.ErrStoreUnavailable) {
		slog.Warn("store unavailable", slog.String("error", err.Error()))
		writeAPIErrorResponse(w, http.StatusServiceUnavailable, model.NewStoreUnavailableError())
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidMonitor, model.ErrCodeInvalidInterval, model.ErrCodeInvalidWebhook, "INVALID_REQUEST":
		return http.StatusBadRequest
	case model.ErrCodeMonitorNotFound, model.ErrCodeCourseNotFound:
		return http.StatusNotFound
	case model.ErrCodeCheckInFlight:
		return http.StatusConflict
	case model.ErrCodeUpstreamFailed:
		return http.StatusBadGateway
	case model.ErrCodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// invalidRequestError はリクエストの形式エラーを生成する。
func invalidRequestError(message string) *model.APIError {
	return &model.APIError{
		Code:     "INVALID_REQUEST",
		Message:  message,
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}
