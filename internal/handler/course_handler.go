package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/seatwatch/internal/model"
)

// CourseFetcher はコースの定員データを取得する。upstream.Clientが実装する。
type CourseFetcher interface {
	FetchAllowStale(ctx context.Context, term, subject, courseNumber string) (*model.CourseData, bool, error)
}

// CourseHandler はモニター登録前のコース確認用ハンドラー。
type CourseHandler struct {
	fetcher CourseFetcher
}

// NewCourseHandler はCourseHandlerを生成する。
func NewCourseHandler(fetcher CourseFetcher) *CourseHandler {
	return &CourseHandler{fetcher: fetcher}
}

type courseResponse struct {
	*model.CourseData
	Stale bool `json:"stale"`
}

// GetCourse は上流APIからコースの定員データを取得して返す。
// 上流障害時はキャッシュ済みのデータをstale=trueで返す。
// GET /api/courses/:term/:subject/:number
func (h *CourseHandler) GetCourse(w http.ResponseWriter, r *http.Request) {
	term := chi.URLParam(r, "term")
	subject := chi.URLParam(r, "subject")
	number := chi.URLParam(r, "number")

	course, stale, err := h.fetcher.FetchAllowStale(r.Context(), term, subject, number)
	if err != nil {
		var upErr *model.UpstreamError
		switch {
		case errors.As(err, &upErr) && upErr.StatusCode == http.StatusNotFound:
			handleServiceError(w, model.NewCourseNotFoundError(subject, number))
		case errors.As(err, &upErr):
			handleServiceError(w, model.NewUpstreamFailedError(upErr.Error()))
		default:
			handleServiceError(w, err)
		}
		return
	}

	writeJSON(w, http.StatusOK, courseResponse{CourseData: course, Stale: stale})
}
