package store

import "context"

// EnsureSelectedSector keeps the current sector valid after the sector list
// changes. When the selection is missing from sectors (including no selection)
// the first sector is selected. An empty list or a still-valid selection writes
// nothing. It reports whether a new sector was selected.
func EnsureSelectedSector(ctx context.Context, u *UserStore, sectors []SectorSummary) bool {
	if len(sectors) == 0 {
		return false
	}
	if current := u.CurrentSectorID(); current != nil {
		for _, s := range sectors {
			if s.ID == *current {
				return false
			}
		}
	}
	first := sectors[0].ID
	u.SetCurrentSector(ctx, &first)
	return true
}
