package cfg

// GitHubApp holds the credentials of the GitHub App the action
// authenticates as.
type GitHubApp struct {
	ID  int64
	Key string
	// InstallationID is 0 when it was not configured.
	InstallationID int64
	// AuthOnly is true when the app is only used to authenticate.
	// Otherwise Scala Steward discovers the repositories to update from
	// the installations of the app.
	AuthOnly bool
}
