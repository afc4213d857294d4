package adapters

import "github.com/akmatori/autopilot/internal/alerts"

// All returns every built-in adapter
func All() []alerts.Adapter {
	return []alerts.Adapter{
		NewAlertmanagerAdapter(),
		NewCloudWatchAdapter(),
		NewDatadogAdapter(),
		NewGenericAdapter(),
		NewGitHubAdapter(),
		NewNewRelicAdapter(),
		NewSentryAdapter(),
	}
}
