// SPDX-License-Identifier: MIT

// Package zones reconciles logical locker ranges with the physical relay
// card inventory. The engine is pure computation: it takes the declared
// zone layout and the observed hardware and returns new layouts, diffs and
// coil mappings without touching any store.
package zones

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/kiosknet/lockerd/internal/fault"
)

// ChannelsPerCard is the coil count of one relay card.
const ChannelsPerCard = 16

// RelayCard is one physical relay board on the Modbus bus.
type RelayCard struct {
	Slave    int  `json:"slave" yaml:"slave"`
	Channels int  `json:"channels" yaml:"channels"`
	Enabled  bool `json:"enabled" yaml:"enabled"`
}

// Range is an inclusive span of locker IDs.
type Range struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

func (r Range) size() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

func (r Range) contains(id int) bool {
	return id >= r.Start && id <= r.End
}

// Zone is a logical grouping of lockers served by a set of relay cards.
type Zone struct {
	ID         string  `json:"id" yaml:"id"`
	Ranges     []Range `json:"ranges" yaml:"ranges"`
	RelayCards []int   `json:"relay_cards" yaml:"relay_cards"`
	Enabled    bool    `json:"enabled" yaml:"enabled"`
}

func (z Zone) capacity() int {
	return len(z.RelayCards) * ChannelsPerCard
}

func (z Zone) covered() int {
	total := 0
	for _, r := range z.Ranges {
		total += r.size()
	}
	return total
}

// Mapping locates one locker on the bus.
type Mapping struct {
	Slave  int    `json:"slave"`
	Coil   int    `json:"coil"`
	ZoneID string `json:"zone_id,omitempty"`
}

// Diff describes what Reconcile changed.
type Diff struct {
	ZoneID       string  `json:"zone_id"`
	NewRanges    []Range `json:"new_ranges"`
	AddedCards   []int   `json:"added_cards"`
	TotalLockers int     `json:"total_lockers"`
}

var zoneIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// TotalChannels sums the channels of enabled relay cards.
func TotalChannels(hardware []RelayCard) int {
	total := 0
	for _, c := range hardware {
		if c.Enabled {
			total += c.Channels
		}
	}
	return total
}

// Validate checks a zone layout against the hardware inventory. Hard
// violations return a validation error; coverage gaps between enabled zones
// come back as warnings.
func Validate(zones []Zone, hardware []RelayCard) ([]string, error) {
	present := make(map[int]bool, len(hardware))
	for _, c := range hardware {
		present[c.Slave] = true
	}

	seen := make(map[string]bool, len(zones))
	assigned := make(map[int]string)
	for _, z := range zones {
		if z.ID == "" || !zoneIDRe.MatchString(z.ID) {
			return nil, fault.Validationf("zone.id", "%q must match %s", z.ID, zoneIDRe.String())
		}
		if seen[z.ID] {
			return nil, fault.Validationf("zone.id", "duplicate zone %q", z.ID)
		}
		seen[z.ID] = true

		for _, slave := range z.RelayCards {
			if !present[slave] {
				return nil, fault.Validationf("zone.relay_cards",
					"zone %q references relay card %d not present in hardware", z.ID, slave)
			}
			if owner, dup := assigned[slave]; dup {
				return nil, fault.Validationf("zone.relay_cards",
					"relay card %d assigned to both %q and %q", slave, owner, z.ID)
			}
			assigned[slave] = z.ID
		}

		if !z.Enabled {
			continue
		}
		for _, r := range z.Ranges {
			if r.Start < 1 || r.End < r.Start {
				return nil, fault.Validationf("zone.ranges",
					"zone %q has invalid range [%d, %d]", z.ID, r.Start, r.End)
			}
		}
		if z.covered() > z.capacity() {
			return nil, fault.Validationf("zone.ranges",
				"zone %q covers %d lockers but its %d cards supply only %d channels",
				z.ID, z.covered(), len(z.RelayCards), z.capacity())
		}
	}

	type span struct {
		Range
		zone string
	}
	var spans []span
	for _, z := range zones {
		if !z.Enabled {
			continue
		}
		for _, r := range z.Ranges {
			spans = append(spans, span{Range: r, zone: z.ID})
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })

	var warnings []string
	for i := 1; i < len(spans); i++ {
		prev, cur := spans[i-1], spans[i]
		if cur.Start <= prev.End {
			return nil, fault.Validationf("zone.ranges",
				"zones %q and %q overlap at locker %d", prev.zone, cur.zone, cur.Start)
		}
		if cur.Start > prev.End+1 {
			warnings = append(warnings,
				fmt.Sprintf("gap between zone %q (ends %d) and zone %q (starts %d)",
					prev.zone, prev.End, cur.zone, cur.Start))
		}
	}
	if len(spans) > 0 && spans[0].Start > 1 {
		warnings = append(warnings,
			fmt.Sprintf("lockers 1..%d precede the first zone %q", spans[0].Start-1, spans[0].zone))
	}
	return warnings, nil
}

// Reconcile recomputes zone ranges against the current hardware. Zones are
// rebalanced in declared order to their card capacity; leftover channels
// extend the last enabled zone, pulling unassigned cards from the pool in
// slave order. A layout that already covers the hardware returns a nil diff.
func Reconcile(zones []Zone, hardware []RelayCard) ([]Zone, *Diff, error) {
	if _, err := Validate(zones, hardware); err != nil {
		return nil, nil, err
	}

	total := TotalChannels(hardware)

	covered := 0
	for _, z := range zones {
		if z.Enabled {
			covered += z.covered()
		}
	}
	if covered == total {
		return zones, nil, nil
	}

	out := make([]Zone, len(zones))
	copy(out, zones)

	// Rebalance: contiguous allocation in declared order, each zone sized
	// to its card capacity.
	nextStart := 1
	lastEnabled := -1
	for i := range out {
		if !out[i].Enabled {
			continue
		}
		lastEnabled = i
		capacity := out[i].capacity()
		if nextStart > total || capacity == 0 {
			out[i].Ranges = nil
			continue
		}
		end := nextStart + capacity - 1
		if end > total {
			end = total
		}
		out[i].Ranges = []Range{{Start: nextStart, End: end}}
		nextStart = end + 1
	}
	if lastEnabled < 0 {
		return nil, nil, fault.Validationf("zones", "no enabled zone to extend")
	}

	// Extend: grow the last enabled zone over the uncovered tail and pull
	// in unassigned cards until capacity suffices.
	if nextStart <= total {
		z := &out[lastEnabled]
		if len(z.Ranges) == 0 {
			z.Ranges = []Range{{Start: nextStart, End: total}}
		} else {
			z.Ranges[len(z.Ranges)-1].End = total
		}

		assigned := make(map[int]bool)
		for _, other := range out {
			for _, slave := range other.RelayCards {
				assigned[slave] = true
			}
		}
		var pool []RelayCard
		for _, c := range hardware {
			if c.Enabled && !assigned[c.Slave] {
				pool = append(pool, c)
			}
		}
		sort.Slice(pool, func(i, j int) bool { return pool[i].Slave < pool[j].Slave })

		added := []int{}
		for _, c := range pool {
			if z.covered() <= z.capacity() {
				break
			}
			z.RelayCards = append(z.RelayCards, c.Slave)
			added = append(added, c.Slave)
		}
		if z.covered() > z.capacity() {
			return nil, nil, fault.Validationf("zones",
				"zone %q needs %d channels but only %d are available", z.ID, z.covered(), z.capacity())
		}

		return out, &Diff{
			ZoneID:       z.ID,
			NewRanges:    mergeRanges(z.Ranges),
			AddedCards:   added,
			TotalLockers: total,
		}, nil
	}

	z := out[lastEnabled]
	return out, &Diff{
		ZoneID:       z.ID,
		NewRanges:    mergeRanges(z.Ranges),
		AddedCards:   []int{},
		TotalLockers: total,
	}, nil
}

func mergeRanges(ranges []Range) []Range {
	if len(ranges) == 0 {
		return nil
	}
	sorted := make([]Range, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	out := []Range{sorted[0]}
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if r.Start <= last.End+1 {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// Map resolves a locker to its relay coil. The position of the locker
// within the owning zone's sorted ranges picks the card and coil.
func Map(lockerID int, zones []Zone) (Mapping, error) {
	if lockerID < 1 {
		return Mapping{}, fault.Validationf("locker_id", "must be positive")
	}
	for _, z := range zones {
		if !z.Enabled {
			continue
		}
		sorted := make([]Range, len(z.Ranges))
		copy(sorted, z.Ranges)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

		position := 0
		for _, r := range sorted {
			if r.contains(lockerID) {
				position += lockerID - r.Start + 1
				cardIndex := (position - 1) / ChannelsPerCard
				if cardIndex >= len(z.RelayCards) {
					return Mapping{}, fault.Validationf("zone.relay_cards",
						"zone %q has no card for locker %d", z.ID, lockerID)
				}
				return Mapping{
					Slave:  z.RelayCards[cardIndex],
					Coil:   (position-1)%ChannelsPerCard + 1,
					ZoneID: z.ID,
				}, nil
			}
			position += r.size()
		}
	}
	return Mapping{}, fault.ErrNotFound
}

// LegacyMap is the pre-zone contiguous layout: lockers fill cards in slave
// order starting at slave 1.
func LegacyMap(lockerID int) (Mapping, error) {
	if lockerID < 1 {
		return Mapping{}, fault.Validationf("locker_id", "must be positive")
	}
	return Mapping{
		Slave: (lockerID-1)/ChannelsPerCard + 1,
		Coil:  (lockerID-1)%ChannelsPerCard + 1,
	}, nil
}
