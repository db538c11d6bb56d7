// Package templates embeds the default configuration and the agent
// webhook contract document installed by verifyd init.
package templates

import "embed"

//go:embed config.yaml webhook.md
var FS embed.FS
