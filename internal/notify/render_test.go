package notify

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/hitoshi/seatwatch/internal/model"
	"github.com/hitoshi/seatwatch/internal/security"
)

func TestRender_Deterministic(t *testing.T) {
	r := NewRenderer(security.NewEmailSanitizer())
	ev := sampleEvent(model.EventSeatOpened)

	for _, ch := range model.AllChannels {
		first, err := r.Render(ev, ch)
		if err != nil {
			t.Fatalf("Render(%s) error = %v", ch, err)
		}
		second, err := r.Render(ev, ch)
		if err != nil {
			t.Fatalf("Render(%s) error = %v", ch, err)
		}
		if first != second {
			t.Errorf("%s: 同じ入力に対して出力が異なる", ch)
		}
	}
}

func TestRender_Email(t *testing.T) {
	r := NewRenderer(security.NewEmailSanitizer())
	msg, err := r.Render(sampleEvent(model.EventSeatOpened), model.ChannelEmail)
	if err != nil {
		t.Fatalf("Render error = %v", err)
	}

	if msg.Subject != "Seat available: COMP SCI 400 section 001" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if msg.ContentType != "text/html" {
		t.Errorf("ContentType = %q, want text/html", msg.ContentType)
	}
	for _, want := range []string{"Programming III", "001", "12345", "Smith", "CLOSED", "OPEN", "<table>"} {
		if !strings.Contains(msg.Body, want) {
			t.Errorf("本文に %q が含まれていない:\n%s", want, msg.Body)
		}
	}
}

func TestRender_EmailEscapesUpstreamText(t *testing.T) {
	r := NewRenderer(security.NewEmailSanitizer())
	ev := sampleEvent(model.EventSeatOpened)
	ev.CourseTitle = `<script>alert("x")</script>Intro`
	ev.Current.Instructor = `<img src=x onerror=alert(1)>`

	msg, err := r.Render(ev, model.ChannelEmail)
	if err != nil {
		t.Fatalf("Render error = %v", err)
	}
	if strings.Contains(msg.Body, "<script") || strings.Contains(msg.Body, "<img") {
		t.Errorf("上流由来のHTMLが無害化されていない:\n%s", msg.Body)
	}
	if !strings.Contains(msg.Body, "Intro") {
		t.Error("テキスト部分は残るべき")
	}
}

func TestRender_SMS(t *testing.T) {
	r := NewRenderer(nil)

	msg, err := r.Render(sampleEvent(model.EventSeatOpened), model.ChannelSMS)
	if err != nil {
		t.Fatalf("Render error = %v", err)
	}
	if msg.Body != "Seat available: COMP SCI 400 sec 001, 2/30 seats open." {
		t.Errorf("Body = %q", msg.Body)
	}

	waitlist := sampleEvent(model.EventWaitlistOpened)
	waitlist.Current.WaitlistOpen = model.IntPtr(3)
	msg, _ = r.Render(waitlist, model.ChannelSMS)
	if !strings.Contains(msg.Body, "3 waitlist spots open") {
		t.Errorf("Body = %q", msg.Body)
	}
}

func TestRender_SMSTruncated(t *testing.T) {
	r := NewRenderer(nil)
	ev := sampleEvent(model.EventSeatOpened)
	ev.SectionID = strings.Repeat("長", 200)

	msg, err := r.Render(ev, model.ChannelSMS)
	if err != nil {
		t.Fatalf("Render error = %v", err)
	}
	if n := utf8.RuneCountInString(msg.Body); n != smsMaxLength {
		t.Errorf("SMS文字数 = %d, want %d", n, smsMaxLength)
	}
	if !strings.HasSuffix(msg.Body, "…") {
		t.Errorf("切り詰めた本文は省略記号で終わるべき: %q", msg.Body)
	}
}

func TestRender_Webhook(t *testing.T) {
	r := NewRenderer(nil)
	msg, err := r.Render(sampleEvent(model.EventSeatOpened), model.ChannelWebhook)
	if err != nil {
		t.Fatalf("Render error = %v", err)
	}
	if msg.ContentType != "application/json" {
		t.Errorf("ContentType = %q", msg.ContentType)
	}

	var payload struct {
		Event     string         `json:"event"`
		Timestamp string         `json:"timestamp"`
		Data      map[string]any `json:"data"`
	}
	if err := json.Unmarshal([]byte(msg.Body), &payload); err != nil {
		t.Fatalf("JSONの解析に失敗: %v", err)
	}

	if payload.Event != "course_available" {
		t.Errorf("event = %q, want course_available", payload.Event)
	}
	if payload.Timestamp != "2025-01-10T09:00:00Z" {
		t.Errorf("timestamp = %q", payload.Timestamp)
	}

	wantStrings := map[string]string{
		"event_id":        "evt-1",
		"kind":            "SEAT_OPENED",
		"monitor_id":      "m-1",
		"term":            "1252",
		"subject":         "COMP SCI",
		"course_number":   "400",
		"section_id":      "001",
		"status":          "OPEN",
		"previous_status": "CLOSED",
	}
	for k, want := range wantStrings {
		if got, _ := payload.Data[k].(string); got != want {
			t.Errorf("data.%s = %v, want %q", k, payload.Data[k], want)
		}
	}
	if got, _ := payload.Data["open_seats"].(float64); got != 2 {
		t.Errorf("data.open_seats = %v, want 2", payload.Data["open_seats"])
	}
	if got, _ := payload.Data["waitlist_total"].(float64); got != 10 {
		t.Errorf("data.waitlist_total = %v, want 10", payload.Data["waitlist_total"])
	}
}

func TestWebhookEventName(t *testing.T) {
	tests := []struct {
		kind model.EventKind
		want string
	}{
		{model.EventSeatOpened, "course_available"},
		{model.EventSeatCountIncreased, "course_available"},
		{model.EventWaitlistOpened, "waitlist_available"},
		{model.EventStatusChanged, "status_changed"},
		{model.EventTestNotification, "test_notification"},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := webhookEventName(tt.kind); got != tt.want {
				t.Errorf("webhookEventName(%s) = %q, want %q", tt.kind, got, tt.want)
			}
		})
	}
}

func TestRender_TestNotificationEmail(t *testing.T) {
	r := NewRenderer(security.NewEmailSanitizer())
	msg, err := r.Render(sampleEvent(model.EventTestNotification), model.ChannelEmail)
	if err != nil {
		t.Fatalf("Render error = %v", err)
	}

	if msg.Subject != "Test notification: COMP SCI 400 section 001" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if !strings.Contains(msg.Body, "No seat change was detected.") {
		t.Errorf("テスト通知の文言が含まれていない:\n%s", msg.Body)
	}
}

func TestRender_UnsupportedChannel(t *testing.T) {
	r := NewRenderer(nil)
	if _, err := r.Render(sampleEvent(model.EventSeatOpened), model.Channel("fax")); err == nil {
		t.Error("未対応チャネルはエラーになるべき")
	}
}
