package booking

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/hackgods/service-center-booking/internal/appointment"
)

// PriceLookup is the read-only catalog port. Unknown or inactive ids are
// simply absent from the returned map.
type PriceLookup interface {
	ServicePrices(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]int64, error)
	PartPrices(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]int64, error)
}

func lineIDs(lines []LineRequest) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.ID)
	}
	return ids
}

// price turns the draft's catalog references into priced line items.
func price(ctx context.Context, catalog PriceLookup, d Draft) ([]appointment.LineItem, []appointment.PartItem, error) {
	servicePrices, err := catalog.ServicePrices(ctx, lineIDs(d.Services))
	if err != nil {
		return nil, nil, fmt.Errorf("look up service prices: %w", err)
	}

	services := make([]appointment.LineItem, 0, len(d.Services))
	for _, l := range d.Services {
		p, ok := servicePrices[l.ID]
		if !ok {
			return nil, nil, fmt.Errorf("%w: unknown service %s", appointment.ErrValidation, l.ID)
		}
		services = append(services, appointment.LineItem{ServiceID: l.ID, Quantity: l.Quantity, UnitPrice: p})
	}

	if len(d.Parts) == 0 {
		return services, nil, nil
	}

	partPrices, err := catalog.PartPrices(ctx, lineIDs(d.Parts))
	if err != nil {
		return nil, nil, fmt.Errorf("look up part prices: %w", err)
	}

	parts := make([]appointment.PartItem, 0, len(d.Parts))
	for _, l := range d.Parts {
		p, ok := partPrices[l.ID]
		if !ok {
			return nil, nil, fmt.Errorf("%w: unknown part %s", appointment.ErrValidation, l.ID)
		}
		parts = append(parts, appointment.PartItem{PartID: l.ID, Quantity: l.Quantity, UnitPrice: p})
	}

	return services, parts, nil
}
