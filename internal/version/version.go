package version

// Set at build time via -ldflags "-X github.com/gleaner-app/gleaner/internal/version.Version=..."
var (
	Version   = "dev"
	BuildTime = "unknown"
)
