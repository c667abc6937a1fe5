package metrics

import "time"

type aggregate struct {
	Name     string
	Query    string
	Interval time.Duration
}

var aggregates = []*aggregate{
	{
		Name:     "active-accounts",
		Query:    "SELECT COUNT(*) FROM accounts WHERE active = 1",
		Interval: time.Hour,
	},
	{
		Name:     "accounts-without-roles",
		Query:    "SELECT COUNT(*) FROM accounts a WHERE a.active = 1 AND NOT EXISTS (SELECT 1 FROM account_roles r WHERE r.account_id = a.id)",
		Interval: time.Hour,
	},
	{
		Name:     "daily-failed-syncs",
		Query:    "SELECT COUNT(*) FROM integration_events WHERE source = 'rolesync' AND success = 0 AND created > unixepoch() - 86400",
		Interval: 24 * time.Hour,
	},
	{
		Name:     "pending-role-repairs",
		Query:    "SELECT COUNT(*) FROM role_repairs",
		Interval: 15 * time.Minute,
	},
}
