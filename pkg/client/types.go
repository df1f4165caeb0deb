package client

import "time"

// Status is the document served by GET {base}/status.
type Status struct {
	Session     string   `json:"session"`
	State       string   `json:"state"`
	Status      string   `json:"status"`
	Version     string   `json:"version,omitempty"`
	Process     *Process `json:"process,omitempty"`
	LogPath     string   `json:"log_path,omitempty"`
	Collections []string `json:"collections,omitempty"`
	Stats       *Stats   `json:"stats,omitempty"`
}

// Process describes the supervised mongod.
type Process struct {
	PID       int       `json:"pid"`
	Command   []string  `json:"command"`
	LogPath   string    `json:"log_path"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Stats are resource figures sampled from the mongod process.
type Stats struct {
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds"`
	CreatedAt  time.Time `json:"created_at"`
}

// Collection is the response of GET {base}/collections/:name.
type Collection struct {
	Name   string   `json:"name"`
	Cached []string `json:"cached"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
