package mijnted

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

// maximum number of concurrent resource requests of a snapshot
const snapshotConcurrency = 4

// Snapshot authenticates and fetches all resources of the residential unit.
// Failing resources are logged and left empty, authentication failures and
// an expired or cancelled ctx abort the snapshot.
func (c *Connection) Snapshot(ctx context.Context, now time.Time) (*Snapshot, error) {
	if err := c.Authenticate(ctx); err != nil {
		return nil, err
	}

	year := now.Year()

	res := &Snapshot{
		Timestamp:       now,
		ResidentialUnit: c.ResidentialUnit(),
		DeliveryType:    c.DeliveryType(),
		DeliveryTypes:   c.knownDeliveryTypes(),
	}

	var g errgroup.Group
	g.SetLimit(snapshotConcurrency)

	fetch := func(name string, fn func() error) {
		g.Go(func() error {
			err := fn()
			if err == nil {
				return nil
			}
			if errors.Is(err, ErrAuthentication) || ctx.Err() != nil {
				return apiError(name, err)
			}
			c.log.WARN.Printf("failed to fetch %s: %v", name, err)
			return nil
		})
	}

	fetch("energy usage", func() (err error) {
		res.EnergyUsage, err = c.EnergyUsage(ctx, year)
		return err
	})
	fetch("energy usage last year", func() (err error) {
		res.EnergyUsageLastYear, err = c.EnergyUsage(ctx, year-1)
		return err
	})
	fetch("last sync date", func() (err error) {
		res.LastSyncDate, err = c.LastSyncDate(ctx, year)
		return err
	})
	fetch("device statuses", func() (err error) {
		res.DeviceStatuses, err = c.DeviceStatuses(ctx, year, time.Time{})
		return err
	})
	fetch("usage insight", func() (err error) {
		res.UsageInsight, err = c.UsageInsight(ctx, year)
		return err
	})
	fetch("usage insight last year", func() (err error) {
		res.UsageInsightLastYear, err = c.UsageInsight(ctx, year-1)
		return err
	})
	fetch("active model", func() (err error) {
		res.ActiveModel, err = c.ActiveModel(ctx)
		return err
	})
	fetch("residential unit detail", func() (err error) {
		res.ResidentialUnitDetail, err = c.ResidentialUnitDetail(ctx)
		return err
	})
	fetch("usage per room", func() (err error) {
		var rooms map[string]any
		rooms, err = c.UsagePerRoom(ctx, year)
		res.RoomUsage = roomUsage(rooms)
		return err
	})
	fetch("unit of measures", func() (err error) {
		res.UnitOfMeasures, err = c.UnitOfMeasures(ctx, year)
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	res.fillEmpty()
	res.EnergyUsageTotal = energyUsageTotal(res.EnergyUsage)

	return res, nil
}

func (c *Connection) knownDeliveryTypes() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any{}, c.deliveryTypes...)
}

func (s *Snapshot) fillEmpty() {
	for _, m := range []*map[string]any{&s.EnergyUsage, &s.EnergyUsageLastYear, &s.UsageInsight, &s.UsageInsightLastYear, &s.ResidentialUnitDetail} {
		if *m == nil {
			*m = map[string]any{}
		}
	}
	for _, l := range []*[]any{&s.DeliveryTypes, &s.DeviceStatuses, &s.UnitOfMeasures} {
		if *l == nil {
			*l = []any{}
		}
	}
	if s.RoomUsage == nil {
		s.RoomUsage = map[string]float64{}
	}
}

// energyUsageTotal sums monthlyEnergyUsages[].totalEnergyUsage.
func energyUsageTotal(usage map[string]any) float64 {
	var total float64
	for _, month := range asList(usage["monthlyEnergyUsages"]) {
		m, ok := month.(map[string]any)
		if !ok {
			continue
		}
		if v, ok := floatValue(m["totalEnergyUsage"]); ok {
			total += v
		}
	}
	return total
}

// roomUsage sums the current year values per room name, rooms may appear
// multiple times.
func roomUsage(data map[string]any) map[string]float64 {
	res := make(map[string]float64)

	rooms := asList(data["rooms"])
	current, _ := data["currentYear"].(map[string]any)
	values := asList(current["values"])

	for i, room := range rooms {
		name := stringValue(room)
		if name == "" || i >= len(values) {
			continue
		}
		if v, ok := floatValue(values[i]); ok {
			res[name] += v
		}
	}

	return res
}
