package network

import "time"

const (
	connTimeout  = 30 * time.Second
	maxFrameSize = 64 * 1024
	keepAlive    = 5 * time.Second
	readTimeout  = 30 * time.Second
	writeTimeout = 10 * time.Second
	linkBuffer   = 64
)
