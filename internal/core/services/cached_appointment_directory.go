package services

import (
	"context"
	"time"

	"consultnet/internal/core/domain"
	"consultnet/internal/core/ports"
	"consultnet/pkg/cache"
)

// CachedAppointmentDirectory wraps an AppointmentDirectory with a TTL cache.
// Misses are not cached, so a newly scheduled appointment shows up on the
// next lookup.
type CachedAppointmentDirectory struct {
	base  ports.AppointmentDirectory
	cache *cache.Cache[string, domain.Appointment]
}

// NewCachedAppointmentDirectory caches lookups on base for ttl
func NewCachedAppointmentDirectory(base ports.AppointmentDirectory, ttl time.Duration) *CachedAppointmentDirectory {
	return &CachedAppointmentDirectory{
		base:  base,
		cache: cache.New[string, domain.Appointment](ttl),
	}
}

func (d *CachedAppointmentDirectory) Lookup(ctx context.Context, appointmentID string) (*domain.Appointment, error) {
	appt, err := d.cache.GetOrLoad(ctx, appointmentID, func(ctx context.Context) (domain.Appointment, error) {
		a, err := d.base.Lookup(ctx, appointmentID)
		if err != nil {
			return domain.Appointment{}, err
		}
		return *a, nil
	})
	if err != nil {
		return nil, err
	}
	return &appt, nil
}

// Invalidate drops a cached entry after the schedule changed.
func (d *CachedAppointmentDirectory) Invalidate(appointmentID string) {
	d.cache.Delete(appointmentID)
}

// Close stops the cache janitor
func (d *CachedAppointmentDirectory) Close() {
	d.cache.Close()
}
