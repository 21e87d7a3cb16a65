package services

import (
	"sort"

	"github.com/philocalist9/gym-manage-sub000/internal/models"
)

const daysPerWeek = 7

// ProjectWeek groups appointments into hourly slots for the seven days
// starting at weekStart. Each appointment lands in the slot matching its start
// hour; hours outside slotStarts are added so nothing in the window is dropped.
// Overlapping appointments in one slot are rendered side by side.
func ProjectWeek(
	trainerID string,
	weekStart models.Date,
	appointments []models.Appointment,
	slotStarts []models.TimeOfDay,
) *models.WeekGrid {
	weekEnd := weekStart.AddDays(daysPerWeek - 1)

	hours := make(map[int]struct{}, len(slotStarts))
	for _, start := range slotStarts {
		hours[start.Hour()] = struct{}{}
	}

	byDay := make(map[models.Date]map[int][]models.Appointment, daysPerWeek)
	for _, appointment := range appointments {
		if appointment.Date.Before(weekStart) || appointment.Date.After(weekEnd) {
			continue
		}
		hour := appointment.StartTime.Hour()
		hours[hour] = struct{}{}

		slots, ok := byDay[appointment.Date]
		if !ok {
			slots = make(map[int][]models.Appointment)
			byDay[appointment.Date] = slots
		}
		slots[hour] = append(slots[hour], appointment)
	}

	orderedHours := make([]int, 0, len(hours))
	for hour := range hours {
		orderedHours = append(orderedHours, hour)
	}
	sort.Ints(orderedHours)

	grid := &models.WeekGrid{
		TrainerID: trainerID,
		StartDate: weekStart,
		EndDate:   weekEnd,
		Days:      make([]models.DaySchedule, 0, daysPerWeek),
	}
	for offset := 0; offset < daysPerWeek; offset++ {
		date := weekStart.AddDays(offset)
		day := models.DaySchedule{
			Date:  date,
			Slots: make([]models.Slot, 0, len(orderedHours)),
		}
		for _, hour := range orderedHours {
			slotAppointments := byDay[date][hour]
			if slotAppointments == nil {
				slotAppointments = []models.Appointment{}
			}
			sort.SliceStable(slotAppointments, func(i, j int) bool {
				return slotAppointments[i].StartTime < slotAppointments[j].StartTime
			})
			day.Slots = append(day.Slots, models.Slot{
				Start:        models.NewTimeOfDay(hour, 0),
				End:          slotEnd(hour),
				Appointments: slotAppointments,
			})
		}
		grid.Days = append(grid.Days, day)
	}

	return grid
}

// slotEnd is the top of the next hour, except that the 23:00 row ends at 23:59
// so every rendered end parses as a time of day.
func slotEnd(hour int) models.TimeOfDay {
	if hour >= 23 {
		return models.NewTimeOfDay(23, 59)
	}
	return models.NewTimeOfDay(hour+1, 0)
}
