package schema

import "time"

// Tables living in each tenant's dedicated store.

type User struct {
	ID                 uint   `gorm:"primaryKey"`
	Email              string `gorm:"uniqueIndex;not null"`
	Name               string `gorm:"not null"`
	Role               string `gorm:"not null;index"`
	PasswordHash       string `gorm:"not null"`
	MustChangePassword bool   `gorm:"not null"`
	IsActive           bool   `gorm:"not null"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type Class struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex:idx_class_section;not null"`
	Section   string `gorm:"uniqueIndex:idx_class_section;not null"`
	Grade     int    `gorm:"not null"`
	CreatedAt time.Time
}

type Student struct {
	ID           uint   `gorm:"primaryKey"`
	AdmissionNo  string `gorm:"uniqueIndex;not null"`
	Name         string `gorm:"not null"`
	ClassID      *uint  `gorm:"index"`
	RollNumber   int
	DateOfBirth  *time.Time
	GuardianName string
	Phone        string
	PhotoPath    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Teacher struct {
	ID         uint   `gorm:"primaryKey"`
	EmployeeID string `gorm:"uniqueIndex;not null"`
	Name       string `gorm:"not null"`
	Email      string
	Phone      string
	PhotoPath  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Subject struct {
	ID      uint   `gorm:"primaryKey"`
	Code    string `gorm:"uniqueIndex;not null"`
	Name    string `gorm:"not null"`
	ClassID *uint  `gorm:"index"`
}

type Attendance struct {
	ID        uint      `gorm:"primaryKey"`
	StudentID uint      `gorm:"uniqueIndex:idx_attendance_day;not null"`
	Date      time.Time `gorm:"uniqueIndex:idx_attendance_day;not null"`
	Status    string    `gorm:"not null"`
}

func (Attendance) TableName() string { return "attendance" }

type Fee struct {
	ID        uint    `gorm:"primaryKey"`
	StudentID uint    `gorm:"index;not null"`
	Amount    float64 `gorm:"not null"`
	DueDate   time.Time
	PaidAt    *time.Time
	Status    string `gorm:"not null"`
	ReceiptNo string
}

type Exam struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"not null"`
	ClassID   uint   `gorm:"index"`
	StartDate time.Time
	EndDate   time.Time
}

type Result struct {
	ID        uint `gorm:"primaryKey"`
	ExamID    uint `gorm:"uniqueIndex:idx_result;not null"`
	StudentID uint `gorm:"uniqueIndex:idx_result;not null"`
	SubjectID uint `gorm:"uniqueIndex:idx_result;not null"`
	Marks     float64
	MaxMarks  float64
	Grade     string
}

type LibraryBook struct {
	ID        uint   `gorm:"primaryKey"`
	ISBN      string `gorm:"index"`
	Title     string `gorm:"not null"`
	Author    string
	Copies    int `gorm:"not null"`
	CoverPath string
}

type LibraryIssue struct {
	ID         uint `gorm:"primaryKey"`
	BookID     uint `gorm:"index;not null"`
	StudentID  uint `gorm:"index;not null"`
	IssuedAt   time.Time
	DueAt      time.Time
	ReturnedAt *time.Time
}

type Event struct {
	ID          uint   `gorm:"primaryKey"`
	Title       string `gorm:"not null"`
	Description string
	StartsAt    time.Time
	EndsAt      time.Time
}

type Notification struct {
	ID       uint   `gorm:"primaryKey"`
	Title    string `gorm:"not null"`
	Body     string
	Audience string `gorm:"index"`
	SentAt   *time.Time
}

type Timetable struct {
	ID        uint   `gorm:"primaryKey"`
	ClassID   uint   `gorm:"index;not null"`
	SubjectID uint   `gorm:"not null"`
	TeacherID uint   `gorm:"not null"`
	DayOfWeek int    `gorm:"not null"`
	StartTime string `gorm:"not null"`
	EndTime   string `gorm:"not null"`
}

// StorageBucket backs the database bucket store.
type StorageBucket struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex;not null"`
	Public    bool   `gorm:"not null"`
	CreatedAt time.Time
}

// StoragePolicy grants a role an action on a bucket.
type StoragePolicy struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex;not null"`
	Bucket    string `gorm:"not null"`
	Role      string `gorm:"not null"`
	Action    string `gorm:"not null"`
	CreatedAt time.Time
}
