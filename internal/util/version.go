package util

// Version is the release version. Builds override it with
// -ldflags "-X github.com/framecast-project/framecast/internal/util.Version=...".
var Version = "1.0.0"
