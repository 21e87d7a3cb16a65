package services

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/philocalist9/gym-manage-sub000/internal/models"
	"github.com/philocalist9/gym-manage-sub000/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(now time.Time) *testClock {
	return &testClock{now: now}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

type eventRecorder struct {
	mu     sync.Mutex
	events []models.AppointmentEvent
}

func (r *eventRecorder) Enqueue(event models.AppointmentEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) ofType(kind models.AppointmentEventType) []models.AppointmentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []models.AppointmentEvent
	for _, event := range r.events {
		if event.Type == kind {
			matched = append(matched, event)
		}
	}
	return matched
}

// Monday 2030-03-04 08:00 UTC.
var testNow = time.Date(2030, 3, 4, 8, 0, 0, 0, time.UTC)

func mustDate(t *testing.T, value string) models.Date {
	t.Helper()
	date, err := models.ParseDate(value)
	require.NoError(t, err)
	return date
}

func hm(hour, minute int) models.TimeOfDay {
	return models.NewTimeOfDay(hour, minute)
}

func trainerDraft(trainerID string, date models.Date, start, end models.TimeOfDay) models.AppointmentDraft {
	return models.AppointmentDraft{
		MemberID:  "member-1",
		TrainerID: trainerID,
		GymID:     "gym-1",
		Date:      date,
		StartTime: start,
		EndTime:   end,
		Type:      models.TypePersonalTraining,
		Initiator: models.InitiatorTrainer,
	}
}

func memberDraft(memberID, trainerID string, date models.Date, start, end models.TimeOfDay) models.AppointmentDraft {
	draft := trainerDraft(trainerID, date, start, end)
	draft.MemberID = memberID
	draft.Initiator = models.InitiatorMember
	return draft
}

type serviceFixture struct {
	service *AppointmentService
	store   *repository.MemoryStore
	clock   *testClock
	events  *eventRecorder
}

func newServiceFixture(t *testing.T, policy SchedulingPolicy) *serviceFixture {
	t.Helper()

	store := repository.NewMemoryStore()
	clock := newTestClock(testNow)
	recorder := &eventRecorder{}
	service := NewAppointmentService(store, store, policy, WithClock(clock.Now), WithEventPublisher(recorder))

	return &serviceFixture{service: service, store: store, clock: clock, events: recorder}
}

func TestBookAppointmentDefaultsStatusByInitiator(t *testing.T) {
	f := newServiceFixture(t, DefaultSchedulingPolicy())
	ctx := context.Background()
	monday := mustDate(t, "2030-03-04")

	byTrainer, err := f.service.BookAppointment(ctx, trainerDraft("trainer-1", monday, hm(9, 0), hm(10, 0)))
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, byTrainer.Status)
	assert.Equal(t, int64(1), byTrainer.Version)
	assert.NotEmpty(t, byTrainer.ID)

	byMember, err := f.service.BookAppointment(ctx, memberDraft("member-2", "trainer-1", monday, hm(11, 0), hm(12, 0)))
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, byMember.Status)

	booked := f.events.ofType(models.EventAppointmentBooked)
	require.Len(t, booked, 2)
	assert.Equal(t, byTrainer.ID, booked[0].AppointmentID)
	assert.Equal(t, "trainer-1", booked[0].TrainerID)
}

func TestBookAppointmentUsesHalfOpenIntervals(t *testing.T) {
	f := newServiceFixture(t, DefaultSchedulingPolicy())
	ctx := context.Background()
	monday := mustDate(t, "2030-03-04")

	first, err := f.service.BookAppointment(ctx, trainerDraft("trainer-1", monday, hm(9, 0), hm(10, 0)))
	require.NoError(t, err)

	second, err := f.service.BookAppointment(ctx, trainerDraft("trainer-1", monday, hm(10, 0), hm(11, 0)))
	require.NoError(t, err, "back-to-back appointments share only an endpoint")

	_, err = f.service.BookAppointment(ctx, trainerDraft("trainer-1", monday, hm(9, 59), hm(10, 1)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)

	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.ElementsMatch(t, []string{first.ID, second.ID}, conflict.ConflictingIDs)

	_, err = f.service.BookAppointment(ctx, trainerDraft("trainer-2", monday, hm(9, 30), hm(10, 30)))
	assert.NoError(t, err, "other trainers are unaffected")

	_, err = f.service.BookAppointment(ctx, trainerDraft("trainer-1", mustDate(t, "2030-03-05"), hm(9, 30), hm(10, 30)))
	assert.NoError(t, err, "same time on another date is free")
}

func TestBookAppointmentReusesCancelledInterval(t *testing.T) {
	f := newServiceFixture(t, DefaultSchedulingPolicy())
	ctx := context.Background()
	monday := mustDate(t, "2030-03-04")

	first, err := f.service.BookAppointment(ctx, trainerDraft("trainer-1", monday, hm(9, 0), hm(10, 0)))
	require.NoError(t, err)

	_, err = f.service.UpdateAppointmentStatus(ctx, first.ID, "cancel")
	require.NoError(t, err)

	_, err = f.service.BookAppointment(ctx, trainerDraft("trainer-1", monday, hm(9, 0), hm(10, 0)))
	assert.NoError(t, err)
}

func TestBookAppointmentRejectsPastTimes(t *testing.T) {
	f := newServiceFixture(t, DefaultSchedulingPolicy())
	ctx := context.Background()

	_, err := f.service.BookAppointment(ctx, trainerDraft("trainer-1", mustDate(t, "2030-03-03"), hm(9, 0), hm(10, 0)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)

	f.clock.Set(time.Date(2030, 3, 4, 12, 30, 0, 0, time.UTC))
	_, err = f.service.BookAppointment(ctx, trainerDraft("trainer-1", mustDate(t, "2030-03-04"), hm(12, 0), hm(13, 0)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.service.BookAppointment(ctx, trainerDraft("trainer-1", mustDate(t, "2030-03-04"), hm(13, 0), hm(14, 0)))
	assert.NoError(t, err)

	appointments, err := f.service.ListAppointments(ctx, "trainer-1", mustDate(t, "2030-03-01"), mustDate(t, "2030-03-31"))
	require.NoError(t, err)
	assert.Len(t, appointments, 1, "rejected drafts leave no trace")
}

func TestBookAppointmentValidatesDraft(t *testing.T) {
	monday := mustDate(t, "2030-03-04")
	notes := strings.Repeat("x", maxNotesLength+1)

	cases := map[string]struct {
		mutate func(d *models.AppointmentDraft)
		field  string
	}{
		"end before start":       {mutate: func(d *models.AppointmentDraft) { d.EndTime = hm(8, 30) }, field: "endTime"},
		"zero length":            {mutate: func(d *models.AppointmentDraft) { d.EndTime = d.StartTime }, field: "endTime"},
		"before opening":         {mutate: func(d *models.AppointmentDraft) { d.StartTime = hm(6, 30) }, field: "startTime"},
		"after closing":          {mutate: func(d *models.AppointmentDraft) { d.EndTime = hm(21, 30) }, field: "startTime"},
		"missing trainer":        {mutate: func(d *models.AppointmentDraft) { d.TrainerID = "  " }, field: "trainerId"},
		"missing gym":            {mutate: func(d *models.AppointmentDraft) { d.GymID = "" }, field: "gymId"},
		"unknown type":           {mutate: func(d *models.AppointmentDraft) { d.Type = "yoga" }, field: "type"},
		"member cannot confirm":  {mutate: func(d *models.AppointmentDraft) { d.Initiator = models.InitiatorMember; d.Status = models.StatusConfirmed }, field: "status"},
		"cannot create terminal": {mutate: func(d *models.AppointmentDraft) { d.Status = models.StatusCompleted }, field: "status"},
		"notes too long":         {mutate: func(d *models.AppointmentDraft) { d.Notes = &notes }, field: "notes"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newServiceFixture(t, DefaultSchedulingPolicy())
			draft := trainerDraft("trainer-1", monday, hm(9, 0), hm(10, 0))
			tc.mutate(&draft)

			_, err := f.service.BookAppointment(context.Background(), draft)
			require.Error(t, err)

			var validation *ValidationError
			require.True(t, errors.As(err, &validation), "expected ValidationError, got %v", err)
			assert.Equal(t, tc.field, validation.Field)
			assert.Empty(t, f.events.ofType(models.EventAppointmentBooked))
		})
	}
}

func TestBookAppointmentConcurrentRaceHasOneWinner(t *testing.T) {
	f := newServiceFixture(t, DefaultSchedulingPolicy())
	monday := mustDate(t, "2030-03-04")

	const contenders = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   int
		conflicts int
		others    []error
	)
	start := make(chan struct{})
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start

			// Every draft overlaps 09:00-10:00 by at least one minute.
			offset := i % 30
			_, err := f.service.BookAppointment(context.Background(),
				trainerDraft("trainer-1", monday, hm(9, offset), hm(10, offset)))

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				others = append(others, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Empty(t, others)
	assert.Equal(t, 1, winners)
	assert.Equal(t, contenders-1, conflicts)
}

// blindStore never sees existing appointments, so the pre-insert check
// passes and only the store's own overlap exclusion rejects the write.
type blindStore struct {
	*repository.MemoryStore
}

func (blindStore) ListRange(context.Context, repository.AppointmentRangeFilter) ([]models.Appointment, error) {
	return []models.Appointment{}, nil
}

type blindLocker struct {
	store *repository.MemoryStore
}

func (l blindLocker) WithTrainerLock(_ context.Context, _ string, fn func(store repository.AppointmentStore) error) error {
	return fn(blindStore{l.store})
}

func TestBookAppointmentMapsStoreOverlapToConflict(t *testing.T) {
	memory := repository.NewMemoryStore()
	service := NewAppointmentService(memory, blindLocker{memory}, DefaultSchedulingPolicy(), WithClock(newTestClock(testNow).Now))
	monday := mustDate(t, "2030-03-04")

	existing, err := memory.Create(context.Background(), repository.CreateAppointmentInput{
		MemberID: "member-1", TrainerID: "trainer-1", GymID: "gym-1",
		Date: monday, StartTime: hm(9, 0), EndTime: hm(10, 0),
		Type: models.TypeAssessment, Status: models.StatusConfirmed,
	})
	require.NoError(t, err)

	_, err = service.BookAppointment(context.Background(), trainerDraft("trainer-1", monday, hm(9, 30), hm(10, 30)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)

	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, []string{existing.ID}, conflict.ConflictingIDs)
}

func TestNoOverlapInvariantUnderRandomConcurrentLoad(t *testing.T) {
	f := newServiceFixture(t, DefaultSchedulingPolicy())
	ctx := context.Background()

	trainers := []string{"trainer-a", "trainer-b", "trainer-c"}
	dates := []models.Date{mustDate(t, "2030-03-05"), mustDate(t, "2030-03-06")}
	durations := []int{15, 30, 45, 60, 90}

	const workers = 8
	const attemptsPerWorker = 60

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))

			for i := 0; i < attemptsPerWorker; i++ {
				duration := durations[rng.Intn(len(durations))]
				latestStart := 21*60 - duration
				startMinute := 7*60 + rng.Intn((latestStart-7*60)/15+1)*15
				draft := trainerDraft(
					trainers[rng.Intn(len(trainers))],
					dates[rng.Intn(len(dates))],
					models.TimeOfDay(startMinute),
					models.TimeOfDay(startMinute+duration),
				)

				appointment, err := f.service.BookAppointment(ctx, draft)
				if err != nil {
					if !errors.Is(err, ErrConflict) {
						t.Errorf("unexpected booking error: %v", err)
					}
					continue
				}
				mu.Lock()
				accepted++
				mu.Unlock()

				// Cancel some to free intervals for later attempts.
				if rng.Intn(4) == 0 {
					if _, err := f.service.UpdateAppointmentStatus(ctx, appointment.ID, "cancelled"); err != nil {
						t.Errorf("cancel: %v", err)
					}
				}
			}
		}(int64(w + 1))
	}
	wg.Wait()

	all, err := f.store.ListRange(ctx, repository.AppointmentRangeFilter{
		StartDate: dates[0],
		EndDate:   dates[len(dates)-1],
	})
	require.NoError(t, err)
	assert.Len(t, all, accepted)

	for i := range all {
		for j := i + 1; j < len(all); j++ {
			a, b := all[i], all[j]
			if a.TrainerID != b.TrainerID || !a.Status.Active() || !b.Status.Active() {
				continue
			}
			assert.False(t, a.Overlaps(b.Date, b.StartTime, b.EndTime),
				"active appointments %s (%s %s-%s) and %s (%s %s-%s) overlap",
				a.ID, a.Date, a.StartTime, a.EndTime, b.ID, b.Date, b.StartTime, b.EndTime)
		}
	}
}

func TestUpdateAppointmentStatusIsIdempotent(t *testing.T) {
	f := newServiceFixture(t, DefaultSchedulingPolicy())
	ctx := context.Background()

	pending, err := f.service.BookAppointment(ctx, memberDraft("member-1", "trainer-1", mustDate(t, "2030-03-04"), hm(9, 0), hm(10, 0)))
	require.NoError(t, err)

	confirmed, err := f.service.UpdateAppointmentStatus(ctx, pending.ID, "confirm")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, confirmed.Status)
	assert.Equal(t, int64(2), confirmed.Version)

	again, err := f.service.UpdateAppointmentStatus(ctx, pending.ID, "Confirmed")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, again.Status)
	assert.Equal(t, int64(2), again.Version, "repeating a transition must not write")

	changes := f.events.ofType(models.EventAppointmentStatusChanged)
	require.Len(t, changes, 1)
	assert.Equal(t, models.StatusPending, changes[0].PreviousStatus)
	assert.Equal(t, models.StatusConfirmed, changes[0].Status)
}

func TestUpdateAppointmentStatusRejectsLeavingTerminalStates(t *testing.T) {
	policy := DefaultSchedulingPolicy()
	policy.Completion = CompletionRelaxed
	f := newServiceFixture(t, policy)
	ctx := context.Background()

	appointment, err := f.service.BookAppointment(ctx, trainerDraft("trainer-1", mustDate(t, "2030-03-04"), hm(9, 0), hm(10, 0)))
	require.NoError(t, err)

	completed, err := f.service.UpdateAppointmentStatus(ctx, appointment.ID, "complete")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, completed.Status)

	for _, requested := range []string{"cancel", "pending", "confirmed"} {
		_, err := f.service.UpdateAppointmentStatus(ctx, appointment.ID, requested)
		require.Error(t, err, requested)
		assert.ErrorIs(t, err, ErrInvalidTransition)

		var transition *InvalidTransitionError
		require.True(t, errors.As(err, &transition))
		assert.Equal(t, models.StatusCompleted, transition.From)
	}

	current, err := f.service.GetAppointment(ctx, appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, current.Status)
	assert.Equal(t, completed.Version, current.Version)
}

func TestUpdateAppointmentStatusRejectsUnknownStatus(t *testing.T) {
	f := newServiceFixture(t, DefaultSchedulingPolicy())

	appointment, err := f.service.BookAppointment(context.Background(), trainerDraft("trainer-1", mustDate(t, "2030-03-04"), hm(9, 0), hm(10, 0)))
	require.NoError(t, err)

	_, err = f.service.UpdateAppointmentStatus(context.Background(), appointment.ID, "postponed")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestUpdateAppointmentStatusTimingRules(t *testing.T) {
	f := newServiceFixture(t, DefaultSchedulingPolicy())
	ctx := context.Background()
	monday := mustDate(t, "2030-03-04")

	confirmed, err := f.service.BookAppointment(ctx, trainerDraft("trainer-1", monday, hm(9, 0), hm(10, 0)))
	require.NoError(t, err)
	pending, err := f.service.BookAppointment(ctx, memberDraft("member-2", "trainer-1", monday, hm(11, 0), hm(12, 0)))
	require.NoError(t, err)

	_, err = f.service.UpdateAppointmentStatus(ctx, confirmed.ID, "completed")
	assert.ErrorIs(t, err, ErrInvalidTransition, "strict policy waits for the session to end")

	f.clock.Set(time.Date(2030, 3, 4, 10, 0, 0, 0, time.UTC))
	_, err = f.service.UpdateAppointmentStatus(ctx, confirmed.ID, "cancelled")
	assert.ErrorIs(t, err, ErrInvalidTransition, "a finished session cannot be cancelled")

	completed, err := f.service.UpdateAppointmentStatus(ctx, confirmed.ID, "completed")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, completed.Status)

	f.clock.Set(time.Date(2030, 3, 4, 11, 0, 0, 0, time.UTC))
	_, err = f.service.UpdateAppointmentStatus(ctx, pending.ID, "confirmed")
	assert.ErrorIs(t, err, ErrInvalidTransition, "a request cannot be confirmed once it has started")

	cancelled, err := f.service.UpdateAppointmentStatus(ctx, pending.ID, "cancelled")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
}

// interferingStore applies a competing write right before the service's
// first compare-and-swap.
type interferingStore struct {
	*repository.MemoryStore
	once      sync.Once
	interfere func()
}

func (s *interferingStore) UpdateIfVersion(ctx context.Context, id string, version int64, changes repository.AppointmentChanges) (*models.Appointment, error) {
	s.once.Do(s.interfere)
	return s.MemoryStore.UpdateIfVersion(ctx, id, version, changes)
}

func setStatus(status models.AppointmentStatus) repository.AppointmentChanges {
	return repository.AppointmentChanges{Status: &status}
}

func TestUpdateAppointmentStatusConcurrentWrites(t *testing.T) {
	monday := mustDate(t, "2030-03-04")

	cases := map[string]struct {
		competing   func(ctx context.Context, store *repository.MemoryStore, id string)
		requested   string
		wantErr     error
		wantStatus  models.AppointmentStatus
		wantVersion int64
	}{
		"competing cancel wins": {
			competing: func(ctx context.Context, store *repository.MemoryStore, id string) {
				_, _ = store.UpdateIfVersion(ctx, id, 1, setStatus(models.StatusCancelled))
			},
			requested: "confirmed",
			wantErr:   ErrConflict,
		},
		"competing write reached the same status": {
			competing: func(ctx context.Context, store *repository.MemoryStore, id string) {
				_, _ = store.UpdateIfVersion(ctx, id, 1, setStatus(models.StatusConfirmed))
			},
			requested:   "confirmed",
			wantStatus:  models.StatusConfirmed,
			wantVersion: 2,
		},
		"competing notes edit is retried": {
			competing: func(ctx context.Context, store *repository.MemoryStore, id string) {
				notes := "bring water"
				_, _ = store.UpdateIfVersion(ctx, id, 1, repository.AppointmentChanges{Notes: &notes, SetNotes: true})
			},
			requested:   "confirmed",
			wantStatus:  models.StatusConfirmed,
			wantVersion: 3,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			memory := repository.NewMemoryStore()
			store := &interferingStore{MemoryStore: memory}
			service := NewAppointmentService(store, memory, DefaultSchedulingPolicy(), WithClock(newTestClock(testNow).Now))

			appointment, err := service.BookAppointment(ctx, memberDraft("member-1", "trainer-1", monday, hm(9, 0), hm(10, 0)))
			require.NoError(t, err)
			store.interfere = func() { tc.competing(ctx, memory, appointment.ID) }

			updated, err := service.UpdateAppointmentStatus(ctx, appointment.ID, tc.requested)
			if tc.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantStatus, updated.Status)
			assert.Equal(t, tc.wantVersion, updated.Version)
		})
	}
}

func TestUpdateAppointmentNotes(t *testing.T) {
	f := newServiceFixture(t, DefaultSchedulingPolicy())
	ctx := context.Background()

	appointment, err := f.service.BookAppointment(ctx, trainerDraft("trainer-1", mustDate(t, "2030-03-04"), hm(9, 0), hm(10, 0)))
	require.NoError(t, err)
	assert.Nil(t, appointment.Notes)

	notes := "  focus on deadlift form  "
	updated, err := f.service.UpdateAppointmentNotes(ctx, appointment.ID, &notes)
	require.NoError(t, err)
	require.NotNil(t, updated.Notes)
	assert.Equal(t, "focus on deadlift form", *updated.Notes)
	assert.Equal(t, int64(2), updated.Version)

	same := "focus on deadlift form"
	unchanged, err := f.service.UpdateAppointmentNotes(ctx, appointment.ID, &same)
	require.NoError(t, err)
	assert.Equal(t, int64(2), unchanged.Version)

	empty := "   "
	cleared, err := f.service.UpdateAppointmentNotes(ctx, appointment.ID, &empty)
	require.NoError(t, err)
	assert.Nil(t, cleared.Notes)

	tooLong := strings.Repeat("n", maxNotesLength+1)
	_, err = f.service.UpdateAppointmentNotes(ctx, appointment.ID, &tooLong)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.service.UpdateAppointmentNotes(ctx, "missing", &same)
	assert.ErrorIs(t, err, ErrNotFound)

	accented := strings.Repeat("é", maxNotesLength)
	withAccents, err := f.service.UpdateAppointmentNotes(ctx, appointment.ID, &accented)
	require.NoError(t, err, "the limit counts characters, not bytes")
	require.NotNil(t, withAccents.Notes)
	assert.Equal(t, accented, *withAccents.Notes)
}

func TestUpdateAppointmentWritesStatusAndNotesTogether(t *testing.T) {
	f := newServiceFixture(t, DefaultSchedulingPolicy())
	ctx := context.Background()

	appointment, err := f.service.BookAppointment(ctx, trainerDraft("trainer-1", mustDate(t, "2030-03-04"), hm(9, 0), hm(10, 0)))
	require.NoError(t, err)

	status := "cancel"
	notes := strings.Repeat("é", 1500)
	updated, err := f.service.UpdateAppointment(ctx, appointment.ID, AppointmentUpdate{Status: &status, Notes: &notes})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, updated.Status)
	require.NotNil(t, updated.Notes)
	assert.Equal(t, notes, *updated.Notes)
	assert.Equal(t, int64(2), updated.Version, "one write covers both fields")

	changed := f.events.ofType(models.EventAppointmentStatusChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, models.StatusConfirmed, changed[0].PreviousStatus)
}

func TestUpdateAppointmentFailureChangesNothing(t *testing.T) {
	monday := mustDate(t, "2030-03-04")
	tooLong := strings.Repeat("é", maxNotesLength+1)
	fine := "bring a towel"

	cases := map[string]struct {
		status  string
		notes   *string
		wantErr error
	}{
		"notes too long":     {status: "cancelled", notes: &tooLong, wantErr: ErrValidation},
		"unknown status":     {status: "postponed", notes: &fine, wantErr: ErrValidation},
		"invalid transition": {status: "pending", notes: &fine, wantErr: ErrInvalidTransition},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newServiceFixture(t, DefaultSchedulingPolicy())
			ctx := context.Background()

			appointment, err := f.service.BookAppointment(ctx, trainerDraft("trainer-1", monday, hm(9, 0), hm(10, 0)))
			require.NoError(t, err)

			status := tc.status
			_, err = f.service.UpdateAppointment(ctx, appointment.ID, AppointmentUpdate{Status: &status, Notes: tc.notes})
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.wantErr)

			stored, err := f.service.GetAppointment(ctx, appointment.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusConfirmed, stored.Status)
			assert.Nil(t, stored.Notes)
			assert.Equal(t, int64(1), stored.Version)
			assert.Empty(t, f.events.ofType(models.EventAppointmentStatusChanged))
		})
	}
}

func TestUpdateAppointmentRequiresAField(t *testing.T) {
	f := newServiceFixture(t, DefaultSchedulingPolicy())

	_, err := f.service.UpdateAppointment(context.Background(), "appt-1", AppointmentUpdate{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestUpdateAppointmentTrimsID(t *testing.T) {
	f := newServiceFixture(t, DefaultSchedulingPolicy())
	ctx := context.Background()

	appointment, err := f.service.BookAppointment(ctx, trainerDraft("trainer-1", mustDate(t, "2030-03-04"), hm(9, 0), hm(10, 0)))
	require.NoError(t, err)

	cancelled, err := f.service.UpdateAppointmentStatus(ctx, "  "+appointment.ID+"\t", "cancel")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)

	notes := "rescheduling"
	withNotes, err := f.service.UpdateAppointmentNotes(ctx, " "+appointment.ID+" ", &notes)
	require.NoError(t, err)
	assert.Equal(t, int64(3), withNotes.Version)
}

func TestGetAppointmentNotFound(t *testing.T) {
	f := newServiceFixture(t, DefaultSchedulingPolicy())

	_, err := f.service.GetAppointment(context.Background(), "does-not-exist")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.service.UpdateAppointmentStatus(context.Background(), "does-not-exist", "cancel")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAppointmentsOrdersAndValidatesRange(t *testing.T) {
	f := newServiceFixture(t, DefaultSchedulingPolicy())
	ctx := context.Background()

	for _, booking := range []struct {
		date  string
		start models.TimeOfDay
	}{
		{"2030-03-06", hm(9, 0)},
		{"2030-03-04", hm(15, 0)},
		{"2030-03-04", hm(9, 0)},
	} {
		_, err := f.service.BookAppointment(ctx, trainerDraft("trainer-1", mustDate(t, booking.date), booking.start, booking.start+60))
		require.NoError(t, err)
	}
	_, err := f.service.BookAppointment(ctx, trainerDraft("trainer-2", mustDate(t, "2030-03-04"), hm(9, 0), hm(10, 0)))
	require.NoError(t, err)

	appointments, err := f.service.ListAppointments(ctx, "trainer-1", mustDate(t, "2030-03-04"), mustDate(t, "2030-03-06"))
	require.NoError(t, err)
	require.Len(t, appointments, 3)
	assert.Equal(t, "2030-03-04", appointments[0].Date.String())
	assert.Equal(t, hm(9, 0), appointments[0].StartTime)
	assert.Equal(t, hm(15, 0), appointments[1].StartTime)
	assert.Equal(t, "2030-03-06", appointments[2].Date.String())

	_, err = f.service.ListAppointments(ctx, "trainer-1", mustDate(t, "2030-03-06"), mustDate(t, "2030-03-04"))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.service.ListAppointments(ctx, "trainer-1", mustDate(t, "2030-01-01"), mustDate(t, "2030-06-01"))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.service.ListAppointments(ctx, "", mustDate(t, "2030-03-04"), mustDate(t, "2030-03-06"))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestGetWeekProjectsEveryAppointment(t *testing.T) {
	f := newServiceFixture(t, DefaultSchedulingPolicy())
	ctx := context.Background()
	weekStart := mustDate(t, "2030-03-04")

	book := func(date string, start, end models.TimeOfDay) *models.Appointment {
		appointment, err := f.service.BookAppointment(ctx, trainerDraft("trainer-1", mustDate(t, date), start, end))
		require.NoError(t, err)
		return appointment
	}
	first := book("2030-03-04", hm(9, 0), hm(9, 30))
	second := book("2030-03-04", hm(9, 30), hm(10, 0))
	book("2030-03-06", hm(20, 0), hm(21, 0))
	book("2030-03-10", hm(7, 0), hm(8, 0))
	cancelled := book("2030-03-05", hm(12, 0), hm(13, 0))
	book("2030-03-11", hm(9, 0), hm(10, 0))

	_, err := f.service.UpdateAppointmentStatus(ctx, cancelled.ID, "cancel")
	require.NoError(t, err)

	week, err := f.service.GetWeek(ctx, "trainer-1", weekStart)
	require.NoError(t, err)

	assert.Equal(t, "trainer-1", week.TrainerID)
	assert.Equal(t, "2030-03-10", week.EndDate.String())
	require.Len(t, week.Days, 7)
	assert.Equal(t, 5, week.Count(), "every appointment in the window appears once, whatever its status")

	for _, day := range week.Days {
		assert.Len(t, day.Slots, 14)
	}

	monday := week.Days[0]
	nine := monday.Slots[2]
	assert.Equal(t, hm(9, 0), nine.Start)
	assert.Equal(t, hm(10, 0), nine.End)
	require.Len(t, nine.Appointments, 2)
	assert.Equal(t, first.ID, nine.Appointments[0].ID)
	assert.Equal(t, second.ID, nine.Appointments[1].ID)
	assert.NotNil(t, monday.Slots[3].Appointments)
	assert.Empty(t, monday.Slots[3].Appointments)
}

func TestExpireStalePendingCancelsUnansweredRequests(t *testing.T) {
	f := newServiceFixture(t, DefaultSchedulingPolicy())
	ctx := context.Background()
	monday := mustDate(t, "2030-03-04")

	stale, err := f.service.BookAppointment(ctx, memberDraft("member-1", "trainer-1", monday, hm(9, 0), hm(10, 0)))
	require.NoError(t, err)
	upcoming, err := f.service.BookAppointment(ctx, memberDraft("member-2", "trainer-1", monday, hm(14, 0), hm(15, 0)))
	require.NoError(t, err)
	confirmed, err := f.service.BookAppointment(ctx, trainerDraft("trainer-1", monday, hm(10, 0), hm(11, 0)))
	require.NoError(t, err)

	f.clock.Set(time.Date(2030, 3, 4, 9, 15, 0, 0, time.UTC))
	expired, err := f.service.ExpireStalePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	got, err := f.service.GetAppointment(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)

	got, err = f.service.GetAppointment(ctx, upcoming.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)

	got, err = f.service.GetAppointment(ctx, confirmed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, got.Status)

	changes := f.events.ofType(models.EventAppointmentStatusChanged)
	require.Len(t, changes, 1)
	assert.Equal(t, ReasonExpired, changes[0].Reason)

	again, err := f.service.ExpireStalePending(ctx)
	require.NoError(t, err)
	assert.Zero(t, again)
}

// failingStore fails every range read.
type failingStore struct {
	*repository.MemoryStore
	err error
}

func (s failingStore) ListRange(context.Context, repository.AppointmentRangeFilter) ([]models.Appointment, error) {
	return nil, s.err
}

func (s failingStore) WithTrainerLock(_ context.Context, _ string, fn func(store repository.AppointmentStore) error) error {
	return fn(s)
}

func TestStorageFailuresAreRetryable(t *testing.T) {
	store := failingStore{MemoryStore: repository.NewMemoryStore(), err: errors.New("connection reset")}
	service := NewAppointmentService(store, store, DefaultSchedulingPolicy(), WithClock(newTestClock(testNow).Now))
	monday := mustDate(t, "2030-03-04")

	_, err := service.BookAppointment(context.Background(), trainerDraft("trainer-1", monday, hm(9, 0), hm(10, 0)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
	assert.True(t, IsRetryable(err))

	_, err = service.ListAppointments(context.Background(), "trainer-1", monday, monday)
	assert.ErrorIs(t, err, ErrStorage)

	_, err = service.GetWeek(context.Background(), "trainer-1", monday)
	assert.ErrorIs(t, err, ErrStorage)

	assert.False(t, IsRetryable(&ConflictError{Message: "overlap"}))
}
