package ceremony

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"qrgrad/internal/store"
)

// Storage keys. Each collection is one JSON document under its own key.
const (
	keyStudents = "qrgrad:students"
	keySections = "qrgrad:sections"
	keyWalked   = "qrgrad:walked"
	keyState    = "qrgrad:ceremony_state"

	// KeySync is the depth-one broadcast mirror read by late subscribers.
	KeySync = "qrgrad:sync"
)

// Repository persists ceremony data as whole-collection documents in a
// key-value store. Lookups re-read the collection; writes overwrite it.
type Repository struct {
	kv store.KV
}

// NewRepository creates a repo on top of a KV backend.
func NewRepository(kv store.KV) *Repository {
	return &Repository{kv: kv}
}

func (r *Repository) loadInto(ctx context.Context, key string, out any) error {
	raw, ok, err := r.kv.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (r *Repository) save(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return r.kv.Set(ctx, key, raw)
}

// Students returns all students in insertion order.
func (r *Repository) Students(ctx context.Context) ([]Student, error) {
	var students []Student
	err := r.loadInto(ctx, keyStudents, &students)
	return students, err
}

// StudentByID returns a student or nil when absent.
func (r *Repository) StudentByID(ctx context.Context, id string) (*Student, error) {
	students, err := r.Students(ctx)
	if err != nil {
		return nil, err
	}
	for i := range students {
		if students[i].ID == id {
			return &students[i], nil
		}
	}
	return nil, nil
}

// StudentByQR resolves a scan token to a student, nil when unknown.
func (r *Repository) StudentByQR(ctx context.Context, qrCode string) (*Student, error) {
	students, err := r.Students(ctx)
	if err != nil {
		return nil, err
	}
	for i := range students {
		if students[i].QRCode == qrCode {
			return &students[i], nil
		}
	}
	return nil, nil
}

// InsertStudent appends a student, assigning id, scan token and
// defaults when unset.
func (r *Repository) InsertStudent(ctx context.Context, st Student) (Student, error) {
	students, err := r.Students(ctx)
	if err != nil {
		return Student{}, err
	}
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if st.QRCode == "" {
		st.QRCode = NewScanToken()
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	st.HasWalked = false
	st.WalkedAt = nil
	students = append(students, st)
	if err := r.save(ctx, keyStudents, students); err != nil {
		return Student{}, err
	}
	return st, nil
}

// UpdateStudent applies a partial update, returning nil when the id is
// absent. ID and QRCode cannot change.
func (r *Repository) UpdateStudent(ctx context.Context, id string, upd StudentUpdate) (*Student, error) {
	students, err := r.Students(ctx)
	if err != nil {
		return nil, err
	}
	for i := range students {
		if students[i].ID == id {
			upd.apply(&students[i])
			if err := r.save(ctx, keyStudents, students); err != nil {
				return nil, err
			}
			return &students[i], nil
		}
	}
	return nil, nil
}

// DeleteStudent removes a student, returning false when the id is
// absent. Walked-log snapshots referencing the student stay.
func (r *Repository) DeleteStudent(ctx context.Context, id string) (bool, error) {
	students, err := r.Students(ctx)
	if err != nil {
		return false, err
	}
	kept := students[:0]
	for _, st := range students {
		if st.ID != id {
			kept = append(kept, st)
		}
	}
	if len(kept) == len(students) {
		return false, nil
	}
	if err := r.save(ctx, keyStudents, kept); err != nil {
		return false, err
	}
	return true, nil
}

// MarkStudentWalked flags the student and appends a snapshot to the
// walked log. Both collections are written in one SetMulti so the
// storage backend can apply them atomically. Returns nil for an
// unknown id without error.
func (r *Repository) MarkStudentWalked(ctx context.Context, id string) (*Student, error) {
	students, err := r.Students(ctx)
	if err != nil {
		return nil, err
	}
	var walked *Student
	now := time.Now().UTC()
	for i := range students {
		if students[i].ID == id {
			students[i].HasWalked = true
			students[i].WalkedAt = &now
			walked = &students[i]
			break
		}
	}
	if walked == nil {
		return nil, nil
	}
	log, err := r.WalkedLog(ctx)
	if err != nil {
		return nil, err
	}
	log = append(log, WalkedEntry{Student: *walked, WalkedAt: now})

	rawStudents, err := json.Marshal(students)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", keyStudents, err)
	}
	rawLog, err := json.Marshal(log)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", keyWalked, err)
	}
	if err := r.kv.SetMulti(ctx, map[string][]byte{
		keyStudents: rawStudents,
		keyWalked:   rawLog,
	}); err != nil {
		return nil, err
	}
	return walked, nil
}

// ReplaceStudents overwrites the whole students collection.
func (r *Repository) ReplaceStudents(ctx context.Context, students []Student) error {
	return r.save(ctx, keyStudents, students)
}

// Sections returns all sections in insertion order.
func (r *Repository) Sections(ctx context.Context) ([]Section, error) {
	var sections []Section
	err := r.loadInto(ctx, keySections, &sections)
	return sections, err
}

// SectionByID returns a section or nil when absent.
func (r *Repository) SectionByID(ctx context.Context, id string) (*Section, error) {
	sections, err := r.Sections(ctx)
	if err != nil {
		return nil, err
	}
	for i := range sections {
		if sections[i].ID == id {
			return &sections[i], nil
		}
	}
	return nil, nil
}

// InsertSection appends a section, assigning id and order when unset.
func (r *Repository) InsertSection(ctx context.Context, sec Section) (Section, error) {
	sections, err := r.Sections(ctx)
	if err != nil {
		return Section{}, err
	}
	if sec.ID == "" {
		sec.ID = uuid.NewString()
	}
	if sec.Order == 0 {
		sec.Order = len(sections) + 1
	}
	sections = append(sections, sec)
	if err := r.save(ctx, keySections, sections); err != nil {
		return Section{}, err
	}
	return sec, nil
}

// UpdateSection applies a partial update, returning nil when absent.
func (r *Repository) UpdateSection(ctx context.Context, id string, upd SectionUpdate) (*Section, error) {
	sections, err := r.Sections(ctx)
	if err != nil {
		return nil, err
	}
	for i := range sections {
		if sections[i].ID == id {
			upd.apply(&sections[i])
			if err := r.save(ctx, keySections, sections); err != nil {
				return nil, err
			}
			return &sections[i], nil
		}
	}
	return nil, nil
}

// DeleteSection removes a section, returning false when absent.
func (r *Repository) DeleteSection(ctx context.Context, id string) (bool, error) {
	sections, err := r.Sections(ctx)
	if err != nil {
		return false, err
	}
	kept := sections[:0]
	for _, sec := range sections {
		if sec.ID != id {
			kept = append(kept, sec)
		}
	}
	if len(kept) == len(sections) {
		return false, nil
	}
	if err := r.save(ctx, keySections, kept); err != nil {
		return false, err
	}
	return true, nil
}

// ReplaceSections overwrites the whole sections collection.
func (r *Repository) ReplaceSections(ctx context.Context, sections []Section) error {
	return r.save(ctx, keySections, sections)
}

// WalkedLog returns the walked log in append order.
func (r *Repository) WalkedLog(ctx context.Context) ([]WalkedEntry, error) {
	var log []WalkedEntry
	err := r.loadInto(ctx, keyWalked, &log)
	return log, err
}

// ClearWalkedLog empties the walked log.
func (r *Repository) ClearWalkedLog(ctx context.Context) error {
	return r.save(ctx, keyWalked, []WalkedEntry{})
}

// State returns the persisted ceremony state, zero-valued when never
// written.
func (r *Repository) State(ctx context.Context) (State, error) {
	var st State
	err := r.loadInto(ctx, keyState, &st)
	return st, err
}

// SaveState persists the ceremony state singleton.
func (r *Repository) SaveState(ctx context.Context, st State) error {
	return r.save(ctx, keyState, st)
}

// Reset overwrites students, walked log and state in one write.
func (r *Repository) Reset(ctx context.Context, students []Student, st State) error {
	rawStudents, err := json.Marshal(students)
	if err != nil {
		return fmt.Errorf("encode %s: %w", keyStudents, err)
	}
	rawLog, err := json.Marshal([]WalkedEntry{})
	if err != nil {
		return fmt.Errorf("encode %s: %w", keyWalked, err)
	}
	rawState, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode %s: %w", keyState, err)
	}
	return r.kv.SetMulti(ctx, map[string][]byte{
		keyStudents: rawStudents,
		keyWalked:   rawLog,
		keyState:    rawState,
	})
}

// NewScanToken mints a globally-unique scan token for a QR code.
func NewScanToken() string {
	return "QRGRAD-" + uuid.NewString()
}

// Seed writes default sections and sample students when the respective
// collection is empty. Callers opt in once at startup; it is not an
// ambient side effect of data access.
func (r *Repository) Seed(ctx context.Context) error {
	students, err := r.Students(ctx)
	if err != nil {
		return err
	}
	if len(students) == 0 {
		now := time.Now().UTC()
		samples := []Student{
			{ID: uuid.NewString(), Name: "John Doe", FirstName: "John", LastName: "Doe",
				Section: "Section A", Awards: []string{"Summa Cum Laude", "Computer Science"},
				QRCode: NewScanToken(), CreatedAt: now},
			{ID: uuid.NewString(), Name: "Jane Smith", FirstName: "Jane", LastName: "Smith",
				Section: "Section A", Awards: []string{"Magna Cum Laude", "Information Technology"},
				QRCode: NewScanToken(), CreatedAt: now},
			{ID: uuid.NewString(), Name: "Michael Johnson", FirstName: "Michael", LastName: "Johnson",
				Section: "Section B", Awards: []string{"Cum Laude", "Computer Engineering"},
				QRCode: NewScanToken(), CreatedAt: now},
		}
		if err := r.save(ctx, keyStudents, samples); err != nil {
			return err
		}
	}

	sections, err := r.Sections(ctx)
	if err != nil {
		return err
	}
	if len(sections) == 0 {
		defaults := []Section{
			{ID: "section-a", Name: "Section A", Order: 1},
			{ID: "section-b", Name: "Section B", Order: 2},
			{ID: "section-c", Name: "Section C", Order: 3},
		}
		if err := r.save(ctx, keySections, defaults); err != nil {
			return err
		}
	}
	return nil
}
