package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/seatwatch/internal/model"
	"github.com/hitoshi/seatwatch/internal/monitor"
	"github.com/hitoshi/seatwatch/internal/scheduler"
)

// MonitorServiceInterface はモニターハンドラーが必要とするサービスインターフェース。
// monitor.Serviceが実装する。
type MonitorServiceInterface interface {
	Create(ctx context.Context, in monitor.CreateInput) (*model.Monitor, error)
	Get(ctx context.Context, id string) (*model.Monitor, error)
	List(ctx context.Context) ([]*model.Monitor, error)
	Delete(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) (*model.Monitor, error)
	Resume(ctx context.Context, id string, immediate bool) (*model.Monitor, error)
	UpdateInterval(ctx context.Context, id string, interval time.Duration) (*model.Monitor, error)
	Update(ctx context.Context, id string, in monitor.UpdateInput) (*model.Monitor, error)
	SendTestNotification(ctx context.Context, id string) ([]model.DeliveryAttempt, error)
	TriggerCheck(ctx context.Context, id string) error
	Snapshots(ctx context.Context, id string, limit int) ([]*model.EnrollmentSnapshot, error)
	Deliveries(ctx context.Context, id string, limit int) ([]*model.DeliveryAttempt, error)
}

// StatusReader はスケジューラー上のモニター状態を返す。
type StatusReader interface {
	Status(id string) (scheduler.Status, bool)
}

// MonitorHandler はモニター管理のHTTPハンドラー。
type MonitorHandler struct {
	service MonitorServiceInterface
	status  StatusReader
}

// NewMonitorHandler はMonitorHandlerを生成する。statusはnilでもよい。
func NewMonitorHandler(service MonitorServiceInterface, status StatusReader) *MonitorHandler {
	return &MonitorHandler{
		service: service,
		status:  status,
	}
}

// createMonitorRequest はモニター登録リクエストのボディ。
type createMonitorRequest struct {
	Term                 string   `json:"term"`
	Subject              string   `json:"subject"`
	CourseNumber         string   `json:"course_number"`
	Sections             []string `json:"sections"`
	NotifyOnOpen         *bool    `json:"notify_on_open"`
	NotifyOnWaitlist     bool     `json:"notify_on_waitlist"`
	CheckIntervalSeconds int      `json:"check_interval_seconds"`
	CooldownSeconds      int      `json:"cooldown_seconds"`
	NotifyChannels       []string `json:"notify_channels"`
	Email                string   `json:"email"`
	PhoneNumber          string   `json:"phone_number"`
	WebhookURL           string   `json:"webhook_url"`
}

// intervalRequest はチェック間隔変更リクエストのボディ。
type intervalRequest struct {
	CheckIntervalSeconds int `json:"check_interval_seconds"`
}

// updateMonitorRequest はモニター更新リクエストのボディ。省略したフィールドは変更しない。
type updateMonitorRequest struct {
	Active               *bool    `json:"active"`
	CheckIntervalSeconds *int     `json:"check_interval_seconds"`
	CooldownSeconds      *int     `json:"cooldown_seconds"`
	NotifyOnOpen         *bool    `json:"notify_on_open"`
	NotifyOnWaitlist     *bool    `json:"notify_on_waitlist"`
	NotifyChannels       []string `json:"notify_channels"`
	Email                *string  `json:"email"`
	PhoneNumber          *string  `json:"phone_number"`
	WebhookURL           *string  `json:"webhook_url"`
}

func (req updateMonitorRequest) toInput() monitor.UpdateInput {
	in := monitor.UpdateInput{
		Active:           req.Active,
		NotifyOnOpen:     req.NotifyOnOpen,
		NotifyOnWaitlist: req.NotifyOnWaitlist,
		Email:            req.Email,
		SMS:              req.PhoneNumber,
		Webhook:          req.WebhookURL,
	}
	if req.CheckIntervalSeconds != nil {
		d := time.Duration(*req.CheckIntervalSeconds) * time.Second
		in.CheckInterval = &d
	}
	if req.CooldownSeconds != nil {
		d := time.Duration(*req.CooldownSeconds) * time.Second
		in.Cooldown = &d
	}
	if req.NotifyChannels != nil {
		in.NotifyChannels = make([]model.Channel, len(req.NotifyChannels))
		for i, ch := range req.NotifyChannels {
			in.NotifyChannels[i] = model.Channel(ch)
		}
	}
	return in
}

// testNotificationResponse はテスト通知の結果。
type testNotificationResponse struct {
	Success  bool                    `json:"success"`
	Attempts []model.DeliveryAttempt `json:"attempts"`
}

// scheduleResponse はスケジューラー上の状態。
type scheduleResponse struct {
	State    string     `json:"state"`
	NextRun  *time.Time `json:"next_run,omitempty"`
	InFlight bool       `json:"in_flight"`
}

// monitorResponse はモニター情報のAPIレスポンス。
type monitorResponse struct {
	ID                   string            `json:"id"`
	Term                 string            `json:"term"`
	Subject              string            `json:"subject"`
	CourseNumber         string            `json:"course_number"`
	Sections             []string          `json:"sections"`
	NotifyOnOpen         bool              `json:"notify_on_open"`
	NotifyOnWaitlist     bool              `json:"notify_on_waitlist"`
	CheckIntervalSeconds int               `json:"check_interval_seconds"`
	CooldownSeconds      int               `json:"cooldown_seconds"`
	NotifyChannels       []string          `json:"notify_channels"`
	Email                string            `json:"email,omitempty"`
	PhoneNumber          string            `json:"phone_number,omitempty"`
	WebhookURL           string            `json:"webhook_url,omitempty"`
	Active               bool              `json:"active"`
	LastChecked          *time.Time        `json:"last_checked,omitempty"`
	LastSuccessfulCheck  *time.Time        `json:"last_successful_check,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
	Schedule             *scheduleResponse `json:"schedule,omitempty"`
}

func (h *MonitorHandler) toResponse(m *model.Monitor) monitorResponse {
	channels := make([]string, len(m.NotifyChannels))
	for i, ch := range m.NotifyChannels {
		channels[i] = string(ch)
	}
	resp := monitorResponse{
		ID:                   m.ID,
		Term:                 m.Term,
		Subject:              m.Subject,
		CourseNumber:         m.CourseNumber,
		Sections:             m.Sections,
		NotifyOnOpen:         m.NotifyOnOpen,
		NotifyOnWaitlist:     m.NotifyOnWaitlist,
		CheckIntervalSeconds: int(m.CheckInterval / time.Second),
		CooldownSeconds:      int(m.Cooldown / time.Second),
		NotifyChannels:       channels,
		Email:                m.Channels.Email,
		PhoneNumber:          m.Channels.SMS,
		WebhookURL:           m.Channels.Webhook,
		Active:               m.Active,
		LastChecked:          m.LastChecked,
		LastSuccessfulCheck:  m.LastSuccessfulCheck,
		CreatedAt:            m.CreatedAt,
		UpdatedAt:            m.UpdatedAt,
	}
	if h.status != nil {
		if st, ok := h.status.Status(m.ID); ok {
			sr := &scheduleResponse{State: string(st.State), InFlight: st.InFlight}
			if !st.NextRun.IsZero() {
				next := st.NextRun
				sr.NextRun = &next
			}
			resp.Schedule = sr
		}
	}
	return resp
}

// CreateMonitor はモニターを登録する。
// POST /api/monitors
func (h *MonitorHandler) CreateMonitor(w http.ResponseWriter, r *http.Request) {
	var req createMonitorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidRequestError("リクエストボディの解析に失敗しました。"))
		return
	}

	channels := make([]model.Channel, len(req.NotifyChannels))
	for i, ch := range req.NotifyChannels {
		channels[i] = model.Channel(ch)
	}

	m, err := h.service.Create(r.Context(), monitor.CreateInput{
		Term:             req.Term,
		Subject:          req.Subject,
		CourseNumber:     req.CourseNumber,
		Sections:         req.Sections,
		NotifyOnOpen:     req.NotifyOnOpen,
		NotifyOnWaitlist: req.NotifyOnWaitlist,
		CheckInterval:    time.Duration(req.CheckIntervalSeconds) * time.Second,
		Cooldown:         time.Duration(req.CooldownSeconds) * time.Second,
		NotifyChannels:   channels,
		Channels: model.ChannelEndpoints{
			Email:   req.Email,
			SMS:     req.PhoneNumber,
			Webhook: req.WebhookURL,
		},
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, h.toResponse(m))
}

// ListMonitors はモニター一覧を返す。
// GET /api/monitors
func (h *MonitorHandler) ListMonitors(w http.ResponseWriter, r *http.Request) {
	monitors, err := h.service.List(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]monitorResponse, 0, len(monitors))
	for _, m := range monitors {
		resp = append(resp, h.toResponse(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetMonitor はモニターを1件返す。
// GET /api/monitors/:id
func (h *MonitorHandler) GetMonitor(w http.ResponseWriter, r *http.Request) {
	m, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toResponse(m))
}

// DeleteMonitor はモニターを削除する。
// DELETE /api/monitors/:id
func (h *MonitorHandler) DeleteMonitor(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PauseMonitor はモニターを一時停止する。
// POST /api/monitors/:id/pause
func (h *MonitorHandler) PauseMonitor(w http.ResponseWriter, r *http.Request) {
	m, err := h.service.Pause(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toResponse(m))
}

// ResumeMonitor はモニターを再開する。?immediate=trueで即時チェックする。
// POST /api/monitors/:id/resume
func (h *MonitorHandler) ResumeMonitor(w http.ResponseWriter, r *http.Request) {
	immediate, _ := strconv.ParseBool(r.URL.Query().Get("immediate"))

	m, err := h.service.Resume(r.Context(), chi.URLParam(r, "id"), immediate)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toResponse(m))
}

// UpdateInterval はチェック間隔を変更する。
// PUT /api/monitors/:id/interval
func (h *MonitorHandler) UpdateInterval(w http.ResponseWriter, r *http.Request) {
	var req intervalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidRequestError("リクエストボディの解析に失敗しました。"))
		return
	}

	interval := time.Duration(req.CheckIntervalSeconds) * time.Second
	m, err := h.service.UpdateInterval(r.Context(), chi.URLParam(r, "id"), interval)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toResponse(m))
}

// UpdateMonitor はモニターの通知設定やチェック間隔を更新する。
// PATCH /api/monitors/:id
func (h *MonitorHandler) UpdateMonitor(w http.ResponseWriter, r *http.Request) {
	var req updateMonitorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidRequestError("リクエストボディの解析に失敗しました。"))
		return
	}

	m, err := h.service.Update(r.Context(), chi.URLParam(r, "id"), req.toInput())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toResponse(m))
}

// SendTestNotification は設定済みの全チャネルへテスト通知を送る。
// 配信に失敗したチャネルがあってもHTTPとしては200を返し、結果をattemptsで示す。
// POST /api/monitors/:id/test-notification
func (h *MonitorHandler) SendTestNotification(w http.ResponseWriter, r *http.Request) {
	attempts, err := h.service.SendTestNotification(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := testNotificationResponse{Success: len(attempts) > 0, Attempts: attempts}
	for _, a := range attempts {
		if a.Outcome != model.OutcomeSuccess {
			resp.Success = false
		}
	}
	if resp.Attempts == nil {
		resp.Attempts = []model.DeliveryAttempt{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// TriggerCheck は即時チェックを要求する。受け付けた場合は202を返す。
// POST /api/monitors/:id/check
func (h *MonitorHandler) TriggerCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.service.TriggerCheck(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ListSnapshots はスナップショット履歴を返す。
// GET /api/monitors/:id/snapshots?limit=N
func (h *MonitorHandler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.Snapshots(r.Context(), chi.URLParam(r, "id"), parseLimit(r))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if list == nil {
		list = []*model.EnrollmentSnapshot{}
	}
	writeJSON(w, http.StatusOK, list)
}

// ListDeliveries は配信履歴を返す。
// GET /api/monitors/:id/deliveries?limit=N
func (h *MonitorHandler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.Deliveries(r.Context(), chi.URLParam(r, "id"), parseLimit(r))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if list == nil {
		list = []*model.DeliveryAttempt{}
	}
	writeJSON(w, http.StatusOK, list)
}

// parseLimit はlimitクエリを読む。不正値は0（デフォルト件数）として扱う。
func parseLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
