// Package dashboard holds the status page served by the monitoring API.
// The page polls the REST endpoints and follows the statistics stream.
package dashboard

import "embed"

// DistFS holds the dashboard/dist files.
//
//go:embed all:dist
var DistFS embed.FS
