package version

// Version, GitCommit, and BuildDate are set at build time via ldflags:
//
//	go build -ldflags "-X github.com/meshcore-net/meshbridge/pkg/version.Version=v1.0.7 \
//	  -X github.com/meshcore-net/meshbridge/pkg/version.GitCommit=abc1234 \
//	  -X github.com/meshcore-net/meshbridge/pkg/version.BuildDate=2026-01-01T00:00:00Z"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info returns a formatted version string for display.
func Info() string {
	return Version + " (" + GitCommit + ") built " + BuildDate
}

// ClientString returns the identifier sent to brokers in auth token claims
// and status messages, e.g. "meshbridge/1.0.7-abc1234".
func ClientString() string {
	s := "meshbridge/" + Version
	if GitCommit != "" && GitCommit != "unknown" {
		s += "-" + GitCommit
	}
	return s
}
