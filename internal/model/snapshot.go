package model

import "time"

// SectionStatus はセクションの受付状態を表す。
type SectionStatus string

const (
	// StatusOpen は空席ありの状態。
	StatusOpen SectionStatus = "OPEN"
	// StatusClosed は満席の状態。
	StatusClosed SectionStatus = "CLOSED"
	// StatusWaitlist はウェイトリストのみ受付中の状態。
	StatusWaitlist SectionStatus = "WAITLIST"
	// StatusCancelled は開講中止の状態。
	StatusCancelled SectionStatus = "CANCELLED"
)

// Valid は既知のステータスかを返す。
func (s SectionStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusClosed, StatusWaitlist, StatusCancelled:
		return true
	}
	return false
}

// EnrollmentSnapshot はあるセクションの定員情報の時点記録。
// 一度書き込まれたら変更しない。
type EnrollmentSnapshot struct {
	ID            int64         `json:"id,omitempty"`
	MonitorID     string        `json:"monitor_id"`
	SectionID     string        `json:"section_id"`
	ClassNumber   string        `json:"class_number,omitempty"`
	Instructor    string        `json:"instructor,omitempty"`
	TotalSeats    int           `json:"total_seats"`
	OpenSeats     int           `json:"open_seats"`
	EnrolledSeats int           `json:"enrolled_seats"`
	WaitlistTotal *int          `json:"waitlist_total"`
	WaitlistOpen  *int          `json:"waitlist_open"`
	Status        SectionStatus `json:"status"`
	Timestamp     time.Time     `json:"timestamp"`
}

// WaitlistOpenCount はウェイトリスト空き数を返す。未取得の場合は0。
func (s *EnrollmentSnapshot) WaitlistOpenCount() int {
	if s.WaitlistOpen == nil {
		return 0
	}
	return *s.WaitlistOpen
}

// CourseData は上流APIから取得したコース単位の定員データ。
type CourseData struct {
	Term         string        `json:"term"`
	Subject      string        `json:"subject"`
	CourseNumber string        `json:"courseNumber"`
	Title        string        `json:"courseTitle"`
	Sections     []SectionData `json:"sections"`
}

// SectionData は上流APIのセクション単位データ。
type SectionData struct {
	SectionID     string        `json:"sectionId"`
	ClassNumber   string        `json:"classNumber"`
	Instructor    string        `json:"instructor"`
	TotalSeats    int           `json:"totalSeats"`
	EnrolledSeats int           `json:"enrolledSeats"`
	OpenSeats     int           `json:"openSeats"`
	WaitlistTotal *int          `json:"waitlistTotal,omitempty"`
	WaitlistOpen  *int          `json:"waitlistOpen,omitempty"`
	Status        SectionStatus `json:"status,omitempty"`
}

// DeriveStatus は上流がステータスを返さない場合に件数から状態を導出する。
// 空席があればOPEN、ウェイトリストに空きがあればWAITLIST、それ以外はCLOSED。
func DeriveStatus(openSeats int, waitlistOpen *int) SectionStatus {
	if openSeats > 0 {
		return StatusOpen
	}
	if waitlistOpen != nil && *waitlistOpen > 0 {
		return StatusWaitlist
	}
	return StatusClosed
}

// NewSnapshot は上流のセクションデータからスナップショットを生成する。
// 件数とステータスが矛盾する場合はステータスを優先する。
func NewSnapshot(monitorID string, sec SectionData, at time.Time) EnrollmentSnapshot {
	status := sec.Status
	if !status.Valid() {
		status = DeriveStatus(sec.OpenSeats, sec.WaitlistOpen)
	}

	open := sec.OpenSeats
	if open < 0 {
		open = 0
	}
	// CLOSED/CANCELLEDで空席数が正の場合はステータスを信頼して0とする
	if (status == StatusClosed || status == StatusCancelled) && open > 0 {
		open = 0
	}

	return EnrollmentSnapshot{
		MonitorID:     monitorID,
		SectionID:     sec.SectionID,
		ClassNumber:   sec.ClassNumber,
		Instructor:    sec.Instructor,
		TotalSeats:    sec.TotalSeats,
		OpenSeats:     open,
		EnrolledSeats: sec.EnrolledSeats,
		WaitlistTotal: copyIntPtr(sec.WaitlistTotal),
		WaitlistOpen:  copyIntPtr(sec.WaitlistOpen),
		Status:        status,
		Timestamp:     at,
	}
}

func copyIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// IntPtr はint値のポインタを返す。
func IntPtr(v int) *int {
	return &v
}
