package services

import (
	"fmt"
	"strings"
	"time"

	"github.com/philocalist9/gym-manage-sub000/internal/models"
)

type CompletionPolicy string

const (
	// CompletionStrict allows completing a session only after it has ended.
	CompletionStrict CompletionPolicy = "strict"
	// CompletionRelaxed allows completing a confirmed session at any time.
	CompletionRelaxed CompletionPolicy = "relaxed"
)

// SchedulingPolicy holds the facility rules every booking is checked against.
type SchedulingPolicy struct {
	Location    *time.Location
	OpeningTime models.TimeOfDay
	ClosingTime models.TimeOfDay
	Completion  CompletionPolicy
}

func DefaultSchedulingPolicy() SchedulingPolicy {
	return SchedulingPolicy{
		Location:    time.UTC,
		OpeningTime: models.NewTimeOfDay(7, 0),
		ClosingTime: models.NewTimeOfDay(21, 0),
		Completion:  CompletionStrict,
	}
}

func NewSchedulingPolicy(timezone, opening, closing, completion string) (SchedulingPolicy, error) {
	policy := DefaultSchedulingPolicy()

	if tz := strings.TrimSpace(timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return SchedulingPolicy{}, fmt.Errorf("load facility timezone %q: %w", tz, err)
		}
		policy.Location = loc
	}

	if value := strings.TrimSpace(opening); value != "" {
		parsed, err := models.ParseTimeOfDay(value)
		if err != nil {
			return SchedulingPolicy{}, fmt.Errorf("opening time: %w", err)
		}
		policy.OpeningTime = parsed
	}
	if value := strings.TrimSpace(closing); value != "" {
		parsed, err := models.ParseTimeOfDay(value)
		if err != nil {
			return SchedulingPolicy{}, fmt.Errorf("closing time: %w", err)
		}
		policy.ClosingTime = parsed
	}
	if policy.ClosingTime <= policy.OpeningTime {
		return SchedulingPolicy{}, fmt.Errorf("closing time %s must be after opening time %s", policy.ClosingTime, policy.OpeningTime)
	}

	switch CompletionPolicy(strings.ToLower(strings.TrimSpace(completion))) {
	case "", CompletionStrict:
		policy.Completion = CompletionStrict
	case CompletionRelaxed:
		policy.Completion = CompletionRelaxed
	default:
		return SchedulingPolicy{}, fmt.Errorf("unknown completion policy %q", completion)
	}

	return policy, nil
}

// SlotStarts returns the start of every hourly display slot inside operating hours.
func (p SchedulingPolicy) SlotStarts() []models.TimeOfDay {
	starts := make([]models.TimeOfDay, 0, 24)
	for hour := p.OpeningTime.Hour(); hour < 24 && models.NewTimeOfDay(hour, 0) < p.ClosingTime; hour++ {
		starts = append(starts, models.NewTimeOfDay(hour, 0))
	}
	return starts
}

func (p SchedulingPolicy) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// Today returns the facility-local calendar date of now.
func (p SchedulingPolicy) Today(now time.Time) models.Date {
	return models.DateOf(now.In(p.location()))
}

// EndOf returns the instant an appointment's session ends.
func (p SchedulingPolicy) EndOf(appointment *models.Appointment) time.Time {
	return appointment.Date.At(appointment.EndTime, p.location())
}

// StartOf returns the instant an appointment's session begins.
func (p SchedulingPolicy) StartOf(appointment *models.Appointment) time.Time {
	return appointment.Date.At(appointment.StartTime, p.location())
}
