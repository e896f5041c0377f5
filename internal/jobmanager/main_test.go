package jobmanager

import (
	"testing"

	"go.uber.org/goleak"
)

// The manager owns a background sweeper goroutine; every test must Close it.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
