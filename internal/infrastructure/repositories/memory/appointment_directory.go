package memory

import (
	"context"
	"fmt"
	"os"
	"sync"

	"consultnet/internal/core/domain"

	"gopkg.in/yaml.v2"
)

type appointmentFile struct {
	Appointments []domain.Appointment `yaml:"appointments"`
}

// AppointmentDirectory serves appointment metadata from a static list.
type AppointmentDirectory struct {
	mu   sync.RWMutex
	byID map[string]domain.Appointment
}

func NewAppointmentDirectory(appointments []domain.Appointment) *AppointmentDirectory {
	d := &AppointmentDirectory{byID: make(map[string]domain.Appointment, len(appointments))}
	for _, a := range appointments {
		d.byID[a.ID] = a
	}
	return d
}

// LoadAppointmentDirectory reads a YAML file with a top-level
// "appointments" list.
func LoadAppointmentDirectory(path string) (*AppointmentDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read appointments file: %w", err)
	}

	var file appointmentFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse appointments file: %w", err)
	}

	for i, a := range file.Appointments {
		if a.ID == "" {
			return nil, fmt.Errorf("appointment %d has no id", i)
		}
		if a.Type == "" {
			file.Appointments[i].Type = domain.AppointmentVideo
		}
	}
	return NewAppointmentDirectory(file.Appointments), nil
}

func (d *AppointmentDirectory) Lookup(ctx context.Context, appointmentID string) (*domain.Appointment, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	a, ok := d.byID[appointmentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAppointmentMissing, appointmentID)
	}
	return &a, nil
}

func (d *AppointmentDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID)
}
