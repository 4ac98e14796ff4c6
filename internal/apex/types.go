package apex

import (
	"sort"
	"strings"
	"time"
)

type MapSlot struct {
	Map           string
	Start         time.Time
	End           time.Time
	RemainingMins int
}

type ModeRotation struct {
	Current MapSlot
	Next    MapSlot
}

type Rotation struct {
	BattleRoyale ModeRotation
	Ranked       ModeRotation
	FetchedAt    time.Time
	Stale        bool
}

type RegionStatus struct {
	Region     string
	Status     string
	ResponseMS int
}

// Up reports whether the region answered normally.
func (r RegionStatus) Up() bool {
	return strings.EqualFold(r.Status, "UP")
}

type Service struct {
	Name    string
	Regions []RegionStatus
}

// Degraded counts regions that are not up.
func (s Service) Degraded() int {
	n := 0
	for _, r := range s.Regions {
		if !r.Up() {
			n++
		}
	}
	return n
}

type ServerStatus struct {
	Services  []Service
	FetchedAt time.Time
	Stale     bool
}

type rawSlot struct {
	Map           string `json:"map"`
	Start         int64  `json:"start"`
	End           int64  `json:"end"`
	RemainingMins int    `json:"remainingMins"`
}

type rawMode struct {
	Current rawSlot `json:"current"`
	Next    rawSlot `json:"next"`
}

type rawRotation struct {
	BattleRoyale rawMode `json:"battle_royale"`
	Ranked       rawMode `json:"ranked"`
}

type rawRegion struct {
	Status       string `json:"Status"`
	ResponseTime int    `json:"ResponseTime"`
}

func (s rawSlot) toSlot() MapSlot {
	slot := MapSlot{Map: s.Map, RemainingMins: s.RemainingMins}
	if s.Start > 0 {
		slot.Start = time.Unix(s.Start, 0).UTC()
	}
	if s.End > 0 {
		slot.End = time.Unix(s.End, 0).UTC()
	}
	return slot
}

func (m rawMode) toMode() ModeRotation {
	return ModeRotation{Current: m.Current.toSlot(), Next: m.Next.toSlot()}
}

func (r rawRotation) toRotation() Rotation {
	return Rotation{BattleRoyale: r.BattleRoyale.toMode(), Ranked: r.Ranked.toMode()}
}

func toServerStatus(raw map[string]map[string]rawRegion) ServerStatus {
	out := ServerStatus{Services: make([]Service, 0, len(raw))}
	for name, regions := range raw {
		svc := Service{Name: name, Regions: make([]RegionStatus, 0, len(regions))}
		for region, status := range regions {
			svc.Regions = append(svc.Regions, RegionStatus{
				Region:     region,
				Status:     status.Status,
				ResponseMS: status.ResponseTime,
			})
		}
		sort.Slice(svc.Regions, func(i, j int) bool { return svc.Regions[i].Region < svc.Regions[j].Region })
		out.Services = append(out.Services, svc)
	}
	sort.Slice(out.Services, func(i, j int) bool { return out.Services[i].Name < out.Services[j].Name })
	return out
}
