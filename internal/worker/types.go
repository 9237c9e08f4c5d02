package worker

import (
	"time"

	"github.com/ChuLiYu/renderjob/pkg/types"
)

// Task asks a worker to verify one data.json document.
type Task struct {
	Path    string        // data.json location
	Timeout time.Duration // per-document deadline, zero means DefaultTimeout
}

// Result is the outcome of verifying one document.
type Result struct {
	Path      string        // data.json location
	JobID     string        // id read from the document, empty if it did not parse
	Success   bool          // parsed and round-trips losslessly
	Canonical bool          // file bytes equal the canonical serialization
	Error     error         // why verification failed
	Duration  time.Duration // time spent on the document
	Job       *types.Job    // decoded job when Success
}

// DefaultTimeout bounds a task submitted without a timeout.
const DefaultTimeout = 10 * time.Second
