package domain

import "time"

// WatchlistEntry schedules background refreshes for a ticker. Entries are
// created the first time a ticker is requested (or added explicitly) and are
// only ever deactivated, never deleted.
type WatchlistEntry struct {
	Ticker          string        `json:"ticker"`
	Priority        int           `json:"priority"` // lower = more urgent
	RefreshInterval time.Duration `json:"refresh_interval"`
	LastRefreshAt   time.Time     `json:"last_refresh_at"`
	NextRefreshAt   time.Time     `json:"next_refresh_at"`
	IsActive        bool          `json:"is_active"`
}

// Due reports whether the entry should be refreshed at now.
func (w *WatchlistEntry) Due(now time.Time) bool {
	return w.IsActive && !w.NextRefreshAt.After(now)
}
