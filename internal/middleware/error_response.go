package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/hitoshi/seatwatch/internal/model"
)

// ErrorResponseBody はモニターAPIが返すエラーボディ。
// codeはmodel.ErrCode*の値で、クライアントはこれで分岐する。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
	// RetryAfterSeconds は429のときのみ設定する。Retry-Afterヘッダーと同じ値。
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
}

func errorBody(apiErr *model.APIError) ErrorResponseBody {
	return ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	}
}

func writeErrorBody(w http.ResponseWriter, statusCode int, body ErrorResponseBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteErrorResponse はサービス層のAPIErrorをJSONで書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	writeErrorBody(w, statusCode, errorBody(apiErr))
}

// WriteRateLimited は429を書き込む。即時チェックとテスト通知の連打もここに来る。
func WriteRateLimited(w http.ResponseWriter, retryAfterSec int) {
	body := errorBody(&model.APIError{
		Code:     "RATE_LIMIT_EXCEEDED",
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterの秒数が経過してから再度お試しください。",
	})
	body.RetryAfterSeconds = retryAfterSec

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	writeErrorBody(w, http.StatusTooManyRequests, body)
}

// WriteInternalServerError は500を書き込む。
// panicやスケジューラー内部の詳細はログのみに残し、レスポンスには含めない。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}
