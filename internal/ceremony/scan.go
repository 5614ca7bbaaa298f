package ceremony

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Scan outcomes.
const (
	ScanOK            = "ok"
	ScanDuplicate     = "duplicate"
	ScanUnknown       = "unknown"
	ScanAlreadyWalked = "already_walked"
	ScanWrongSection  = "wrong_section"
	ScanDisabled      = "scanning_disabled"
)

// Announcement is a queued voice announcement for a graduate.
type Announcement struct {
	Name   string   `json:"name"`
	Awards []string `json:"awards,omitempty"`
}

// Announcer hands an announcement off for asynchronous speaking. It
// must not block the scan; failures are logged, never surfaced.
type Announcer interface {
	EnqueueAnnouncement(ctx context.Context, a Announcement) error
}

// ScanResult describes how a decoded token was handled.
type ScanResult struct {
	Status  string   `json:"status"`
	Message string   `json:"message"`
	Student *Student `json:"student,omitempty"`
}

// ScanService resolves decoded scan tokens against the store. Decodes
// arrive from the camera at a bounded rate and the same code tends to
// repeat while it is in frame, so identical tokens inside the debounce
// window are suppressed. A successful scan displays the student, marks
// them walked, queues the announcement and schedules the display clear.
type ScanService struct {
	store      *Store
	announcer  Announcer
	debounce   time.Duration
	clearDelay time.Duration

	mu         sync.Mutex
	lastToken  string
	lastSeen   time.Time
	clearTimer *time.Timer
}

// NewScanService creates the scan flow. announcer may be nil when no
// voice service is wired. A zero clearDelay disables the scheduled
// clear.
func NewScanService(store *Store, announcer Announcer, debounce, clearDelay time.Duration) *ScanService {
	if debounce <= 0 {
		debounce = 3 * time.Second
	}
	return &ScanService{
		store:      store,
		announcer:  announcer,
		debounce:   debounce,
		clearDelay: clearDelay,
	}
}

// Scan handles one decoded token.
func (s *ScanService) Scan(ctx context.Context, token string) (ScanResult, error) {
	if s.suppressed(token) {
		scansTotal.WithLabelValues(ScanDuplicate).Inc()
		return ScanResult{Status: ScanDuplicate, Message: "duplicate scan ignored"}, nil
	}

	student := s.store.GetStudentByQR(token)
	if student == nil {
		scansTotal.WithLabelValues(ScanUnknown).Inc()
		return ScanResult{Status: ScanUnknown, Message: "this code is not registered"}, nil
	}
	if student.HasWalked {
		scansTotal.WithLabelValues(ScanAlreadyWalked).Inc()
		return ScanResult{Status: ScanAlreadyWalked, Message: student.Name + " has already walked", Student: student}, nil
	}

	state := s.store.State()
	if state.ActiveSection == "" {
		scansTotal.WithLabelValues(ScanDisabled).Inc()
		return ScanResult{Status: ScanDisabled, Message: "no active section"}, nil
	}
	var active *Section
	for _, sec := range s.store.Sections() {
		if sec.ID == state.ActiveSection {
			a := sec
			active = &a
			break
		}
	}
	if active == nil || !active.ScanningEnabled {
		scansTotal.WithLabelValues(ScanDisabled).Inc()
		return ScanResult{Status: ScanDisabled, Message: "scanning is not enabled"}, nil
	}
	if student.Section != active.Name {
		scansTotal.WithLabelValues(ScanWrongSection).Inc()
		msg := fmt.Sprintf("%s is from %s, not %s", student.Name, student.Section, active.Name)
		return ScanResult{Status: ScanWrongSection, Message: msg, Student: student}, nil
	}

	if err := s.display(ctx, student); err != nil {
		return ScanResult{}, err
	}
	scansTotal.WithLabelValues(ScanOK).Inc()
	return ScanResult{Status: ScanOK, Message: student.Name + " is now showing", Student: student}, nil
}

// Display puts a student on the display without the section and
// walked guards, for manual override from the admin console.
func (s *ScanService) Display(ctx context.Context, studentID string) (ScanResult, error) {
	student := s.store.GetStudent(studentID)
	if student == nil {
		return ScanResult{Status: ScanUnknown, Message: "student not found"}, nil
	}
	if err := s.display(ctx, student); err != nil {
		return ScanResult{}, err
	}
	return ScanResult{Status: ScanOK, Message: student.Name + " is now showing", Student: student}, nil
}

func (s *ScanService) display(ctx context.Context, student *Student) error {
	if err := s.store.SetCurrentStudent(ctx, student); err != nil {
		return err
	}
	if _, err := s.store.MarkStudentWalked(ctx, student.ID); err != nil {
		return err
	}
	if s.announcer != nil {
		if err := s.announcer.EnqueueAnnouncement(ctx, Announcement{Name: student.Name, Awards: student.Awards}); err != nil {
			log.Printf("scan: announcement enqueue failed: %v", err)
		}
	}
	s.scheduleClear()
	return nil
}

// suppressed reports whether the token repeats within the debounce
// window, refreshing the window either way.
func (s *ScanService) suppressed(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	dup := token == s.lastToken && now.Sub(s.lastSeen) < s.debounce
	s.lastToken = token
	s.lastSeen = now
	return dup
}

// scheduleClear arms the display clear. A newer display supersedes a
// pending clear so a fast sequence of scans never blanks early.
func (s *ScanService) scheduleClear() {
	if s.clearDelay <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clearTimer != nil {
		s.clearTimer.Stop()
	}
	s.clearTimer = time.AfterFunc(s.clearDelay, func() {
		if err := s.store.SetCurrentStudent(context.Background(), nil); err != nil {
			log.Printf("scan: display clear failed: %v", err)
		}
	})
}

// Stop cancels a pending display clear.
func (s *ScanService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clearTimer != nil {
		s.clearTimer.Stop()
		s.clearTimer = nil
	}
}
