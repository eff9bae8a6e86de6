package cascade

import (
	"context"

	"crewflow/internal/domain"
)

type CleanerLister interface {
	ActiveCleanersByLoad(ctx context.Context, date string) ([]domain.Cleaner, error)
}

// ActiveResolver offers jobs to active cleaners, least busy on the job's date first.
type ActiveResolver struct {
	Cleaners CleanerLister
}

func (r ActiveResolver) Next(ctx context.Context, job domain.Job, excluded map[string]bool) (domain.Cleaner, bool, error) {
	list, err := r.Cleaners.ActiveCleanersByLoad(ctx, job.ScheduledDate)
	if err != nil {
		return domain.Cleaner{}, false, err
	}
	for _, c := range list {
		if !excluded[c.ID] {
			return c, true, nil
		}
	}
	return domain.Cleaner{}, false, nil
}
