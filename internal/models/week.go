package models

type Slot struct {
	Start        TimeOfDay     `json:"start"`
	End          TimeOfDay     `json:"end"`
	Appointments []Appointment `json:"appointments"`
}

type DaySchedule struct {
	Date  Date   `json:"date"`
	Slots []Slot `json:"slots"`
}

type WeekGrid struct {
	TrainerID string        `json:"trainerId"`
	StartDate Date          `json:"startDate"`
	EndDate   Date          `json:"endDate"`
	Days      []DaySchedule `json:"days"`
}

// Count returns the number of appointments placed in the grid.
func (w *WeekGrid) Count() int {
	total := 0
	for _, day := range w.Days {
		for _, slot := range day.Slots {
			total += len(slot.Appointments)
		}
	}
	return total
}
