package testutils

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/sirupsen/logrus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// Float32Pair encodes two values the way the meter serves its counter registers.
func Float32Pair(a, b float32) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint32(out[0:4], math.Float32bits(a))
	binary.LittleEndian.PutUint32(out[4:8], math.Float32bits(b))
	return out
}
