package api

import "time"

const (
	postIntentsMaxSize = 64 * 1024 // 64 KiB
	submitTimeout      = 5 * time.Second
	wsWriteTimeout     = 10 * time.Second
	wsReadLimit        = 64 * 1024

	sseEventPrefix = "event: "
	sseIDPrefix    = "id: "
	sseDataPrefix  = "data: "
	sseKeepalive   = ": keepalive\n\n"

	defaultKeepalive = 30 * time.Second
)
