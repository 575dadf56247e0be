package incidents

import (
	"context"
	"time"

	"github.com/google/uuid"

	pkgerrors "github.com/opswatch/opswatch-backend/pkg/errors"
)

// Notifier flips freshly detected incidents to notified. The dispatcher
// calls it after the detection event reaches the bus, so consumers that
// query the incident see a status consistent with what was published.
type Notifier struct {
	repo Repository
}

// NewNotifier builds a notifier over the incidents repository.
func NewNotifier(repo Repository) *Notifier {
	return &Notifier{repo: repo}
}

// MarkNotified advances a detected incident to notified. An incident
// that already moved past detected is left alone.
func (n *Notifier) MarkNotified(ctx context.Context, id uuid.UUID) error {
	_, err := n.repo.MarkNotified(ctx, id, time.Now())
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark incident notified")
	}
	return nil
}
