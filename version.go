package scriptforge

// Version is the release of this build, overridden at link time with
// -ldflags "-X github.com/aretw0/scriptforge.Version=...".
var Version = "0.1.0-dev"
