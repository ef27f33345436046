// Package version holds build information injected with -ldflags -X.
package version

var (
	Version   = "v0.1.0-dev"
	BuildTime = "unknown"
)

// String returns "<version> (<build time>)".
func String() string {
	return Version + " (" + BuildTime + ")"
}

// UserAgent is sent with every storage API request.
func UserAgent() string {
	return "chunkup/" + Version
}
