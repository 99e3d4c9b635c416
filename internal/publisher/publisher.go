package publisher

import (
	"context"
	"errors"

	"github.com/yoockh/cogload/internal/models"
)

// Publisher fans live classification results out to subscribers outside the
// process. Publishing is best effort; callers log failures and move on.
type Publisher interface {
	Publish(ctx context.Context, res models.ClassificationResult) error
	Close() error
}

type Nop struct{}

func (Nop) Publish(context.Context, models.ClassificationResult) error { return nil }
func (Nop) Close() error                                               { return nil }

// Multi publishes to every backend and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, res models.ClassificationResult) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}
