package scheduler

import "time"

// Config tunes the scheduler's sweep and evaluation behavior.
type Config struct {
	// SweepInterval is how often due executions are claimed and resumed.
	SweepInterval time.Duration

	// WorkerPoolSize bounds how many claimed executions resume concurrently.
	WorkerPoolSize int

	// BatchSize caps how many executions one sweep tick claims.
	BatchSize int

	// MaxActionRetries is the total number of attempts for a node whose
	// external action keeps failing.
	MaxActionRetries int

	// RetryBackoff is the base delay between external action retries,
	// multiplied by the attempt number.
	RetryBackoff time.Duration

	// MaxStepsPerCycle bounds node evaluations per claim as a safety valve.
	MaxStepsPerCycle int

	// ClaimLease is how long a running claim may go without finishing before
	// the recovery sweep treats the worker as crashed.
	ClaimLease time.Duration
}

func DefaultConfig() Config {
	return Config{
		SweepInterval:    10 * time.Second,
		WorkerPoolSize:   8,
		BatchSize:        100,
		MaxActionRetries: 3,
		RetryBackoff:     2 * time.Second,
		MaxStepsPerCycle: 100,
		ClaimLease:       5 * time.Minute,
	}
}
