// cmd/toolchat/main.go
package main

import (
	toolchat "github.com/mwiater/toolchat/internal/commands"
)

// Populated by the release build through -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	setVersionInfo = toolchat.SetVersionInfo
	executeCmd     = toolchat.Execute
)

// main starts the toolchat CLI by delegating to the cobra root command.
func main() {
	setVersionInfo(version, commit, date)
	executeCmd()
}
