package cmd

// Version is the gtwatch release version. Overridden at build time with
// -ldflags "-X github.com/steveyegge/gtwatch/internal/cmd.Version=...".
var Version = "0.3.0"
