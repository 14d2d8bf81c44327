package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/seatwatch/internal/model"
	"github.com/hitoshi/seatwatch/internal/security"
)

// smsMaxLength はSMS1通分の最大文字数。
const smsMaxLength = 160

// Renderer はイベントをチャネル別のメッセージに変換する。
// 出力はイベントとチャネルのみで決まり、時刻やランダム値に依存しない。
type Renderer struct {
	sanitizer security.HTMLSanitizer
	emailTmpl *template.Template
}

// NewRenderer はRendererの新しいインスタンスを生成する。
func NewRenderer(sanitizer security.HTMLSanitizer) *Renderer {
	return &Renderer{
		sanitizer: sanitizer,
		emailTmpl: template.Must(template.New("email").Parse(emailTemplate)),
	}
}

// Render は指定チャネル向けのメッセージを生成する。
func (r *Renderer) Render(event model.NotificationEvent, channel model.Channel) (Message, error) {
	switch channel {
	case model.ChannelEmail:
		return r.renderEmail(event)
	case model.ChannelSMS:
		return Message{Body: renderSMS(event), ContentType: "text/plain"}, nil
	case model.ChannelWebhook:
		body, err := renderWebhook(event)
		if err != nil {
			return Message{}, err
		}
		return Message{Body: body, ContentType: "application/json"}, nil
	default:
		return Message{}, fmt.Errorf("unsupported channel: %q", channel)
	}
}

// courseLabel は "COMP SCI 400" 形式のコース表記を返す。
func courseLabel(e model.NotificationEvent) string {
	label := strings.TrimSpace(e.Subject + " " + e.CourseNumber)
	if label == "" {
		return "monitor " + e.MonitorID
	}
	return label
}

// headline はイベント種別ごとの見出しを返す。
func headline(e model.NotificationEvent) string {
	switch e.Kind {
	case model.EventSeatOpened:
		return "Seat available"
	case model.EventWaitlistOpened:
		return "Waitlist spot available"
	case model.EventSeatCountIncreased:
		return "More seats available"
	case model.EventTestNotification:
		return "Test notification"
	default:
		return "Status changed"
	}
}

func previousStatus(e model.NotificationEvent) string {
	if e.Previous == nil {
		return ""
	}
	return string(e.Previous.Status)
}

func optionalCount(p *int) string {
	if p == nil {
		return "-"
	}
	return strconv.Itoa(*p)
}

const emailTemplate = `<h2>{{.Headline}}: {{.Course}}</h2>
{{if .Title}}<p><em>{{.Title}}</em></p>
{{end}}<table>
<tr><th>Term</th><td>{{.Term}}</td></tr>
<tr><th>Section</th><td>{{.Section}}</td></tr>
{{if .ClassNumber}}<tr><th>Class number</th><td>{{.ClassNumber}}</td></tr>
{{end}}{{if .Instructor}}<tr><th>Instructor</th><td>{{.Instructor}}</td></tr>
{{end}}<tr><th>Status</th><td>{{if .Previous}}{{.Previous}} &rarr; {{end}}<strong>{{.Status}}</strong></td></tr>
<tr><th>Open seats</th><td><strong>{{.Open}}</strong> of {{.Total}}</td></tr>
<tr><th>Waitlist open</th><td>{{.WaitlistOpen}} of {{.WaitlistTotal}}</td></tr>
<tr><th>Checked at</th><td>{{.CheckedAt}}</td></tr>
</table>
{{if .Test}}<p>This is a test message from seatwatch. No seat change was detected.</p>
{{else}}<p>Enroll as soon as possible. Seats can fill quickly.</p>
{{end}}`

type emailView struct {
	Headline      string
	Course        string
	Title         string
	Term          string
	Section       string
	ClassNumber   string
	Instructor    string
	Previous      string
	Status        string
	Open          int
	Total         int
	WaitlistOpen  string
	WaitlistTotal string
	CheckedAt     string
	Test          bool
}

func (r *Renderer) renderEmail(e model.NotificationEvent) (Message, error) {
	view := emailView{
		Headline:      headline(e),
		Course:        courseLabel(e),
		Title:         e.CourseTitle,
		Term:          e.Term,
		Section:       e.SectionID,
		ClassNumber:   e.Current.ClassNumber,
		Instructor:    e.Current.Instructor,
		Previous:      previousStatus(e),
		Status:        string(e.Current.Status),
		Open:          e.Current.OpenSeats,
		Total:         e.Current.TotalSeats,
		WaitlistOpen:  optionalCount(e.Current.WaitlistOpen),
		WaitlistTotal: optionalCount(e.Current.WaitlistTotal),
		CheckedAt:     e.Current.Timestamp.UTC().Format(time.RFC1123),
		Test:          e.Kind == model.EventTestNotification,
	}

	var buf bytes.Buffer
	if err := r.emailTmpl.Execute(&buf, view); err != nil {
		return Message{}, fmt.Errorf("メール本文の生成に失敗しました: %w", err)
	}

	body := buf.String()
	if r.sanitizer != nil {
		body = r.sanitizer.Sanitize(body)
	}

	return Message{
		Subject:     fmt.Sprintf("%s: %s section %s", headline(e), courseLabel(e), e.SectionID),
		Body:        body,
		ContentType: "text/html",
	}, nil
}

func renderSMS(e model.NotificationEvent) string {
	var detail string
	switch e.Kind {
	case model.EventWaitlistOpened:
		detail = fmt.Sprintf("%s waitlist spots open", optionalCount(e.Current.WaitlistOpen))
	case model.EventStatusChanged:
		detail = fmt.Sprintf("%s -> %s", previousStatus(e), e.Current.Status)
	default:
		detail = fmt.Sprintf("%d/%d seats open", e.Current.OpenSeats, e.Current.TotalSeats)
	}
	text := fmt.Sprintf("%s: %s sec %s, %s.", headline(e), courseLabel(e), e.SectionID, detail)
	return truncateRunes(text, smsMaxLength)
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-1]) + "…"
}

// webhookEventName はWebhookペイロードのeventフィールド値を返す。
func webhookEventName(kind model.EventKind) string {
	switch kind {
	case model.EventSeatOpened, model.EventSeatCountIncreased:
		return "course_available"
	case model.EventWaitlistOpened:
		return "waitlist_available"
	case model.EventTestNotification:
		return "test_notification"
	default:
		return "status_changed"
	}
}

type webhookPayload struct {
	Event     string      `json:"event"`
	Timestamp string      `json:"timestamp"`
	Data      webhookData `json:"data"`
}

type webhookData struct {
	EventID        string `json:"event_id"`
	Kind           string `json:"kind"`
	MonitorID      string `json:"monitor_id"`
	Term           string `json:"term"`
	Subject        string `json:"subject"`
	CourseNumber   string `json:"course_number"`
	CourseTitle    string `json:"course_title,omitempty"`
	SectionID      string `json:"section_id"`
	ClassNumber    string `json:"class_number,omitempty"`
	Instructor     string `json:"instructor,omitempty"`
	Status         string `json:"status"`
	PreviousStatus string `json:"previous_status,omitempty"`
	OpenSeats      int    `json:"open_seats"`
	TotalSeats     int    `json:"total_seats"`
	WaitlistOpen   *int   `json:"waitlist_open"`
	WaitlistTotal  *int   `json:"waitlist_total"`
}

func renderWebhook(e model.NotificationEvent) (string, error) {
	payload := webhookPayload{
		Event:     webhookEventName(e.Kind),
		Timestamp: e.GeneratedAt.UTC().Format(time.RFC3339),
		Data: webhookData{
			EventID:        e.ID,
			Kind:           string(e.Kind),
			MonitorID:      e.MonitorID,
			Term:           e.Term,
			Subject:        e.Subject,
			CourseNumber:   e.CourseNumber,
			CourseTitle:    e.CourseTitle,
			SectionID:      e.SectionID,
			ClassNumber:    e.Current.ClassNumber,
			Instructor:     e.Current.Instructor,
			Status:         string(e.Current.Status),
			PreviousStatus: previousStatus(e),
			OpenSeats:      e.Current.OpenSeats,
			TotalSeats:     e.Current.TotalSeats,
			WaitlistOpen:   e.Current.WaitlistOpen,
			WaitlistTotal:  e.Current.WaitlistTotal,
		},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("Webhookペイロードの生成に失敗しました: %w", err)
	}
	return string(b), nil
}
