package audit

import "github.com/robfig/cron/v3"

// PurgeSchedule is the cron spec on which expired entries are purged.
const PurgeSchedule = "@daily"

// SchedulePurge registers the retention purge with c.
func (a *Auditor) SchedulePurge(c *cron.Cron, spec string) (cron.EntryID, error) {
	if spec == "" {
		spec = PurgeSchedule
	}
	return c.AddFunc(spec, func() {
		a.PurgeOlderThan(0)
	})
}
