package ceremony

import (
	"context"
	"errors"
	"log"
	"sync"
)

// Collection caps, enforced in the store regardless of what callers
// already checked.
const (
	MaxSections = 50
	MaxStudents = 500
)

var (
	// ErrSectionLimit is returned when the section cap is reached.
	ErrSectionLimit = errors.New("maximum number of sections reached")
	// ErrStudentLimit is returned when the student cap is reached.
	ErrStudentLimit = errors.New("maximum number of students reached")
	// ErrSectionNotActive is returned when scanning is toggled on a
	// section that is not the active one.
	ErrSectionNotActive = errors.New("section is not active")
)

// Broadcaster publishes ceremony state snapshots to other surfaces.
// Delivery is best effort; a failed publish never fails the mutation.
type Broadcaster interface {
	Publish(ctx context.Context, st State) error
}

// Store is the authoritative in-memory ceremony state. Every mutation
// is written through the repository before the in-memory copy changes,
// so a storage failure leaves prior state intact. Mutations that touch
// fields material to the display surface broadcast the new state.
type Store struct {
	mu   sync.Mutex
	repo *Repository
	bc   Broadcaster

	students []Student
	sections []Section
	walked   []WalkedEntry
	state    State
}

// NewStore loads persisted collections into memory.
func NewStore(ctx context.Context, repo *Repository, bc Broadcaster) (*Store, error) {
	s := &Store{repo: repo, bc: bc}
	var err error
	if s.students, err = repo.Students(ctx); err != nil {
		return nil, err
	}
	if s.sections, err = repo.Sections(ctx); err != nil {
		return nil, err
	}
	if s.walked, err = repo.WalkedLog(ctx); err != nil {
		return nil, err
	}
	if s.state, err = repo.State(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) broadcast(ctx context.Context) {
	if s.bc == nil {
		return
	}
	if err := s.bc.Publish(ctx, s.state); err != nil {
		log.Printf("ceremony: broadcast failed: %v", err)
	}
}

// Students returns a copy of the student collection.
func (s *Store) Students() []Student {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Student(nil), s.students...)
}

// Sections returns a copy of the section collection.
func (s *Store) Sections() []Section {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Section(nil), s.sections...)
}

// WalkedLog returns a copy of the walked log.
func (s *Store) WalkedLog() []WalkedEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]WalkedEntry(nil), s.walked...)
}

// State returns the current ceremony state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// GetStudent returns the student with the given id, nil when absent.
func (s *Store) GetStudent(id string) *Student {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.students {
		if s.students[i].ID == id {
			st := s.students[i]
			return &st
		}
	}
	return nil
}

// GetStudentByQR resolves a scan token, nil when unknown.
func (s *Store) GetStudentByQR(qrCode string) *Student {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.students {
		if s.students[i].QRCode == qrCode {
			st := s.students[i]
			return &st
		}
	}
	return nil
}

// AddStudent registers a new student with a fresh id and scan token.
func (s *Store) AddStudent(ctx context.Context, st Student) (Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.students) >= MaxStudents {
		return Student{}, ErrStudentLimit
	}
	st.ID = ""
	st.QRCode = s.uniqueTokenLocked()
	created, err := s.repo.InsertStudent(ctx, st)
	if err != nil {
		return Student{}, err
	}
	s.students = append(s.students, created)
	return created, nil
}

// uniqueTokenLocked mints a token that collides with no existing one.
// A uuid collision is vanishingly unlikely; the loop is the guarantee.
func (s *Store) uniqueTokenLocked() string {
	for {
		token := NewScanToken()
		taken := false
		for i := range s.students {
			if s.students[i].QRCode == token {
				taken = true
				break
			}
		}
		if !taken {
			return token
		}
	}
}

// UpdateStudent applies a partial update, nil when the id is absent.
func (s *Store) UpdateStudent(ctx context.Context, id string, upd StudentUpdate) (*Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	updated, err := s.repo.UpdateStudent(ctx, id, upd)
	if err != nil || updated == nil {
		return nil, err
	}
	for i := range s.students {
		if s.students[i].ID == id {
			s.students[i] = *updated
			break
		}
	}
	return updated, nil
}

// DeleteStudent removes a student, false when the id is absent. Prior
// walked-log snapshots are untouched.
func (s *Store) DeleteStudent(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.repo.DeleteStudent(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	kept := s.students[:0]
	for _, st := range s.students {
		if st.ID != id {
			kept = append(kept, st)
		}
	}
	s.students = kept
	return true, nil
}

// MarkStudentWalked flags a student as walked and appends a snapshot
// to the walked log. An unknown id is a silent no-op.
func (s *Store) MarkStudentWalked(ctx context.Context, id string) (*Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	walked, err := s.repo.MarkStudentWalked(ctx, id)
	if err != nil || walked == nil {
		return nil, err
	}
	for i := range s.students {
		if s.students[i].ID == id {
			s.students[i] = *walked
			break
		}
	}
	s.walked = append(s.walked, WalkedEntry{Student: *walked, WalkedAt: *walked.WalkedAt})
	studentsWalked.Inc()
	return walked, nil
}

// SetCurrentStudent puts a student on (or clears) the display and
// broadcasts the new state.
func (s *Store) SetCurrentStudent(ctx context.Context, st *Student) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.state
	next.CurrentStudent = st
	next.IsDisplaying = st != nil
	if err := s.repo.SaveState(ctx, next); err != nil {
		return err
	}
	s.state = next
	s.broadcast(ctx)
	return nil
}

// StartCeremony marks the event in session and broadcasts.
func (s *Store) StartCeremony(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.state
	next.CeremonyStarted = true
	if err := s.repo.SaveState(ctx, next); err != nil {
		return err
	}
	s.state = next
	s.broadcast(ctx)
	return nil
}

// EndCeremony ends the event, clears the display and broadcasts.
func (s *Store) EndCeremony(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.state
	next.CeremonyStarted = false
	next.CurrentStudent = nil
	next.IsDisplaying = false
	if err := s.repo.SaveState(ctx, next); err != nil {
		return err
	}
	s.state = next
	s.broadcast(ctx)
	return nil
}

// SetActiveSection activates a section (or none, with an empty id).
// Every other section loses scanning; the newly-active section keeps
// its previous scanning flag. Active-section changes are an admin-only
// concern and are not broadcast.
func (s *Store) SetActiveSection(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sections := append([]Section(nil), s.sections...)
	for i := range sections {
		sections[i].IsActive = sections[i].ID == id
		if sections[i].ID != id {
			sections[i].ScanningEnabled = false
		}
	}
	next := s.state
	next.ActiveSection = id
	if err := s.repo.ReplaceSections(ctx, sections); err != nil {
		return err
	}
	if err := s.repo.SaveState(ctx, next); err != nil {
		return err
	}
	s.sections = sections
	s.state = next
	return nil
}

// ToggleSectionScanning flips the scanning flag. Only the active
// section may be toggled.
func (s *Store) ToggleSectionScanning(ctx context.Context, id string) (*Section, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.ActiveSection != id {
		return nil, ErrSectionNotActive
	}
	sections := append([]Section(nil), s.sections...)
	var toggled *Section
	for i := range sections {
		if sections[i].ID == id {
			sections[i].ScanningEnabled = !sections[i].ScanningEnabled
			toggled = &sections[i]
			break
		}
	}
	if toggled == nil {
		return nil, nil
	}
	if err := s.repo.ReplaceSections(ctx, sections); err != nil {
		return nil, err
	}
	s.sections = sections
	return toggled, nil
}

// AddSection appends a section, enforcing the cap.
func (s *Store) AddSection(ctx context.Context, name string) (Section, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sections) >= MaxSections {
		return Section{}, ErrSectionLimit
	}
	created, err := s.repo.InsertSection(ctx, Section{Name: name, Order: len(s.sections) + 1})
	if err != nil {
		return Section{}, err
	}
	s.sections = append(s.sections, created)
	return created, nil
}

// UpdateSection applies a partial update, nil when the id is absent.
func (s *Store) UpdateSection(ctx context.Context, id string, upd SectionUpdate) (*Section, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	updated, err := s.repo.UpdateSection(ctx, id, upd)
	if err != nil || updated == nil {
		return nil, err
	}
	for i := range s.sections {
		if s.sections[i].ID == id {
			s.sections[i] = *updated
			break
		}
	}
	return updated, nil
}

// DeleteSection removes a section, false when the id is absent.
// Deleting the active section clears the active-section reference so
// no dangling id is left in the ceremony state.
func (s *Store) DeleteSection(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.repo.DeleteSection(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	kept := s.sections[:0]
	for _, sec := range s.sections {
		if sec.ID != id {
			kept = append(kept, sec)
		}
	}
	s.sections = kept
	if s.state.ActiveSection == id {
		next := s.state
		next.ActiveSection = ""
		if err := s.repo.SaveState(ctx, next); err != nil {
			return true, err
		}
		s.state = next
		s.broadcast(ctx)
	}
	return true, nil
}

// ClearWalkedLog empties the walked log.
func (s *Store) ClearWalkedLog(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.repo.ClearWalkedLog(ctx); err != nil {
		return err
	}
	s.walked = nil
	return nil
}

// ResetCeremony clears walk flags on every student, empties the walked
// log, restores the initial ceremony state and broadcasts. Destructive
// and irreversible; confirmation is the caller's job.
func (s *Store) ResetCeremony(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	students := append([]Student(nil), s.students...)
	for i := range students {
		students[i].HasWalked = false
		students[i].WalkedAt = nil
	}
	initial := InitialState()
	if err := s.repo.Reset(ctx, students, initial); err != nil {
		return err
	}
	s.students = students
	s.walked = nil
	s.state = initial
	s.broadcast(ctx)
	return nil
}

// ApplyRemote overwrites local ceremony state with a received
// snapshot. Last write wins; nothing is merged and nothing is
// re-broadcast.
func (s *Store) ApplyRemote(ctx context.Context, st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.repo.SaveState(ctx, st); err != nil {
		return err
	}
	s.state = st
	return nil
}
