// Package match pairs local device records with remote registry entries.
// It performs no I/O.
package match

import (
	"strings"

	"device-sync-backend/internal/model"
	"device-sync-backend/internal/provider"
)

// Tier is the identifier that produced a match, in priority order.
type Tier int

const (
	TierNone Tier = iota
	TierSerial
	TierExternalID
	TierName
)

func (t Tier) String() string {
	switch t {
	case TierSerial:
		return "serial_number"
	case TierExternalID:
		return "external_id"
	case TierName:
		return "name"
	}
	return "none"
}

// Outcome classifies a remote device after matching.
type Outcome int

const (
	// Unmatched remotes are create candidates.
	Unmatched Outcome = iota
	Matched
	Ambiguous
)

func (o Outcome) String() string {
	switch o {
	case Matched:
		return "matched"
	case Ambiguous:
		return "ambiguous"
	}
	return "unmatched"
}

// Result is the outcome for one remote device. Local is set only when
// Outcome is Matched; Candidates only when it is Ambiguous.
type Result struct {
	Remote     provider.RemoteDevice
	Outcome    Outcome
	Tier       Tier
	Local      *model.Device
	Candidates []*model.Device
}

// Report is the full outcome of matching two inventories.
type Report struct {
	// Results has one entry per remote device, in input order.
	Results []Result
	// RemoteAbsent holds locals no remote device matched or contested.
	RemoteAbsent []*model.Device
}

var tiers = []struct {
	tier   Tier
	local  func(*model.Device) string
	remote func(*provider.RemoteDevice) string
}{
	{TierSerial, func(d *model.Device) string { return normalizeSerial(d.SerialNumber) }, func(r *provider.RemoteDevice) string { return normalizeSerial(r.SerialNumber) }},
	{TierExternalID, func(d *model.Device) string { return d.ExternalDeviceID }, func(r *provider.RemoteDevice) string { return r.ExternalID }},
	{TierName, func(d *model.Device) string { return d.Name }, func(r *provider.RemoteDevice) string { return r.Name }},
}

func normalizeSerial(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Match pairs remotes with locals. Each tier is evaluated across all
// remotes before the next one, so a local claimed by a stronger identifier
// is never offered to a weaker one. Within a tier, a remote with several
// unclaimed candidates, or a local wanted by several remotes, is ambiguous.
func Match(locals []model.Device, remotes []provider.RemoteDevice) Report {
	results := make([]Result, len(remotes))
	decided := make([]bool, len(remotes))
	claimed := make(map[*model.Device]bool, len(locals))
	contested := make(map[*model.Device]bool)

	for i := range remotes {
		results[i] = Result{Remote: remotes[i], Outcome: Unmatched}
	}

	for _, tier := range tiers {
		index := make(map[string][]*model.Device)
		for i := range locals {
			l := &locals[i]
			if claimed[l] {
				continue
			}
			if key := tier.local(l); key != "" {
				index[key] = append(index[key], l)
			}
		}

		wanted := make(map[*model.Device][]int)
		for i := range remotes {
			if decided[i] {
				continue
			}
			key := tier.remote(&remotes[i])
			if key == "" {
				continue
			}
			candidates := index[key]
			switch len(candidates) {
			case 0:
				continue
			case 1:
				wanted[candidates[0]] = append(wanted[candidates[0]], i)
			default:
				results[i].Outcome = Ambiguous
				results[i].Tier = tier.tier
				results[i].Candidates = candidates
				decided[i] = true
				for _, c := range candidates {
					contested[c] = true
				}
			}
		}

		for local, idxs := range wanted {
			if len(idxs) == 1 {
				i := idxs[0]
				results[i].Outcome = Matched
				results[i].Tier = tier.tier
				results[i].Local = local
				decided[i] = true
				claimed[local] = true
				continue
			}
			for _, i := range idxs {
				results[i].Outcome = Ambiguous
				results[i].Tier = tier.tier
				results[i].Candidates = []*model.Device{local}
				decided[i] = true
			}
			contested[local] = true
		}
	}

	report := Report{Results: results}
	for i := range locals {
		l := &locals[i]
		if !claimed[l] && !contested[l] {
			report.RemoteAbsent = append(report.RemoteAbsent, l)
		}
	}
	return report
}
