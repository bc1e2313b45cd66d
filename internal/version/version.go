package version

// Version is overridden at link time with -ldflags "-X .../version.Version=...".
var Version = "dev"
