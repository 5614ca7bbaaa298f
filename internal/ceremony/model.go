package ceremony

import "time"

// Student is a graduate registered for the ceremony. QRCode is the
// unique scan token encoded in the student's printed QR code and never
// changes after creation.
type Student struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	FirstName string     `json:"firstName"`
	LastName  string     `json:"lastName"`
	Photo     string     `json:"photo"`
	Section   string     `json:"section"`
	Awards    []string   `json:"awards"`
	QRCode    string     `json:"qrCode"`
	HasWalked bool       `json:"hasWalked"`
	WalkedAt  *time.Time `json:"walkedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Section groups students for staged scanning. At most one section is
// active at a time, and only the active section may have scanning
// enabled.
type Section struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Order           int    `json:"order"`
	IsActive        bool   `json:"isActive"`
	ScanningEnabled bool   `json:"scanningEnabled"`
}

// State is the singleton ceremony state shared with display surfaces.
// IsDisplaying is derived: true iff CurrentStudent is set.
type State struct {
	CurrentStudent  *Student `json:"currentStudent"`
	IsDisplaying    bool     `json:"isDisplaying"`
	CeremonyStarted bool     `json:"ceremonyStarted"`
	ActiveSection   string   `json:"activeSection,omitempty"`
}

// WalkedEntry is a snapshot of a student at the moment they were marked
// walked. Entries reference nobody; deleting the student later leaves
// them intact.
type WalkedEntry struct {
	Student  Student   `json:"student"`
	WalkedAt time.Time `json:"walkedAt"`
}

// InitialState returns the ceremony state before anything has happened.
func InitialState() State {
	return State{}
}

// StudentUpdate carries the partially-updated fields for a student.
// Nil fields are left untouched. ID and QRCode are immutable and have
// no corresponding field.
type StudentUpdate struct {
	Name      *string   `json:"name,omitempty"`
	FirstName *string   `json:"firstName,omitempty"`
	LastName  *string   `json:"lastName,omitempty"`
	Photo     *string   `json:"photo,omitempty"`
	Section   *string   `json:"section,omitempty"`
	Awards    *[]string `json:"awards,omitempty"`
}

// SectionUpdate carries the partially-updated fields for a section.
type SectionUpdate struct {
	Name  *string `json:"name,omitempty"`
	Order *int    `json:"order,omitempty"`
}

func (u StudentUpdate) apply(s *Student) {
	if u.Name != nil {
		s.Name = *u.Name
	}
	if u.FirstName != nil {
		s.FirstName = *u.FirstName
	}
	if u.LastName != nil {
		s.LastName = *u.LastName
	}
	if u.Photo != nil {
		s.Photo = *u.Photo
	}
	if u.Section != nil {
		s.Section = *u.Section
	}
	if u.Awards != nil {
		s.Awards = append([]string(nil), (*u.Awards)...)
	}
}

func (u SectionUpdate) apply(s *Section) {
	if u.Name != nil {
		s.Name = *u.Name
	}
	if u.Order != nil {
		s.Order = *u.Order
	}
}
