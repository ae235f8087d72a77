package atick

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srg/atick/internal/device"
	"github.com/srg/atick/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type ConnectionManagerSuite struct {
	suite.Suite
	helper *testutils.TestHelper
}

func (s *ConnectionManagerSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
}

func (s *ConnectionManagerSuite) peripheral() *testutils.PeripheralBuilder {
	return testutils.NewPeripheralBuilder(testMAC).
		WithService("fff0").
		WithCharacteristic("fff1", testutils.Float32Pair(1, 2))
}

func (s *ConnectionManagerSuite) TestConcurrentAcquireDialsOnce() {
	// GOAL: Concurrent callers collapse into one physical connect
	//
	// TEST SCENARIO: Two goroutines acquire while the dial is in flight → one Dial → both get the same handle

	builder := s.peripheral().WithConnectDelay(100 * time.Millisecond)
	transport := builder.Build()
	m := NewConnectionManager(transport, testMAC, time.Second, s.helper.Logger)

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		conns [2]device.Connection
		errs  [2]error
	)
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			conns[i], errs[i] = m.Acquire(context.Background())
		}(i)
	}
	close(start)
	wg.Wait()

	s.Require().NoError(errs[0])
	s.Require().NoError(errs[1])
	s.Same(conns[0], conns[1], "both callers MUST receive the same handle")
	transport.AssertNumberOfCalls(s.T(), "Dial", 1)
	s.Equal(int64(1), m.Dials())
	s.Equal(StateConnected, m.State())
}

func (s *ConnectionManagerSuite) TestConcurrentAcquireSharesError() {
	// GOAL: A failed in-flight connect is reported to every waiter
	//
	// TEST SCENARIO: Dial fails after a delay while two callers wait → one Dial → both see the same ConnectError

	transport := s.peripheral().
		WithConnectDelay(100 * time.Millisecond).
		WithDialError(errors.New("le-connection-abort-by-local")).
		Build()
	m := NewConnectionManager(transport, testMAC, time.Second, s.helper.Logger)

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  [2]error
	)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = m.Acquire(context.Background())
		}(i)
	}
	close(start)
	wg.Wait()

	s.Require().Error(errs[0])
	s.Same(errs[0], errs[1], "both callers MUST observe the same error value")
	transport.AssertNumberOfCalls(s.T(), "Dial", 1)
	s.ErrorIs(errs[0], ErrConnectFailed)
	s.Equal(StateDisconnected, m.State())
}

func (s *ConnectionManagerSuite) TestAcquireReusesLiveConnection() {
	transport := s.peripheral().Build()
	m := NewConnectionManager(transport, testMAC, time.Second, s.helper.Logger)

	first, err := m.Acquire(context.Background())
	s.Require().NoError(err)
	second, err := m.Acquire(context.Background())
	s.Require().NoError(err)

	s.Same(first, second)
	transport.AssertNumberOfCalls(s.T(), "Dial", 1)
}

func (s *ConnectionManagerSuite) TestAcquireReconnectsAfterDrop() {
	// GOAL: A link that dropped underneath the manager is replaced
	//
	// TEST SCENARIO: Connect → peripheral drops → Acquire → second Dial, new handle

	builder := s.peripheral()
	transport := builder.Build()
	m := NewConnectionManager(transport, testMAC, time.Second, s.helper.Logger)

	first, err := m.Acquire(context.Background())
	s.Require().NoError(err)
	builder.Connections()[0].Drop()
	s.Equal(StateDisconnected, m.State(), "dropped link MUST read as disconnected")

	second, err := m.Acquire(context.Background())
	s.Require().NoError(err)
	s.NotSame(first, second)
	transport.AssertNumberOfCalls(s.T(), "Dial", 2)
}

func (s *ConnectionManagerSuite) TestTimeoutEndsDisconnected() {
	// GOAL: Connect budget expiry is a domain timeout and leaves no half state
	//
	// TEST SCENARIO: Dial slower than the timeout → ConnectError{Kind: timeout} → state disconnected → no open link

	builder := s.peripheral().WithConnectDelay(time.Second)
	transport := builder.Build()
	m := NewConnectionManager(transport, testMAC, 50*time.Millisecond, s.helper.Logger)

	_, err := m.Acquire(context.Background())
	s.Require().Error(err)

	var cerr *ConnectError
	s.Require().True(errors.As(err, &cerr), "timeout MUST surface as ConnectError")
	s.Equal(ConnectTimeout, cerr.Kind)
	s.Equal(testMAC, cerr.Address)
	s.ErrorIs(err, ErrConnectTimeout)
	s.NotErrorIs(err, context.DeadlineExceeded, "transport error MUST NOT cross the boundary")
	s.Equal(StateDisconnected, m.State())
	s.Zero(builder.OpenConnections())
}

func (s *ConnectionManagerSuite) TestTransportErrorIsNotWrapped() {
	transportErr := &device.ConnectionError{State: device.BluetoothOff}
	transport := s.peripheral().WithDialError(transportErr).Build()
	m := NewConnectionManager(transport, testMAC, time.Second, s.helper.Logger)

	_, err := m.Acquire(context.Background())
	s.Require().Error(err)
	s.ErrorIs(err, ErrConnectFailed)
	s.NotErrorIs(err, device.ErrBluetoothOff, "transport error type MUST NOT leak through")
	s.Contains(err.Error(), "bluetooth_off", "reason MUST keep the transport message")
}

func (s *ConnectionManagerSuite) TestReleaseIsIdempotent() {
	// GOAL: Release never fails and tolerates any state
	//
	// TEST SCENARIO: Release before connect → Acquire → Release twice → one Disconnect call

	builder := s.peripheral()
	m := NewConnectionManager(builder.Build(), testMAC, time.Second, s.helper.Logger)

	s.NotPanics(m.Release, "release when never connected MUST succeed")

	_, err := m.Acquire(context.Background())
	s.Require().NoError(err)

	m.Release()
	m.Release()

	s.Equal(StateDisconnected, m.State())
	s.Require().Len(builder.Connections(), 1)
	s.Equal(1, builder.Connections()[0].Disconnects())
}

func (s *ConnectionManagerSuite) TestReleaseSwallowsDisconnectError() {
	builder := s.peripheral().WithDisconnectError(errors.New("hci: unknown connection"))
	m := NewConnectionManager(builder.Build(), testMAC, time.Second, s.helper.Logger)

	_, err := m.Acquire(context.Background())
	s.Require().NoError(err)

	s.NotPanics(m.Release)
	s.Equal(StateDisconnected, m.State())

	_, err = m.Acquire(context.Background())
	s.Require().NoError(err, "next acquire MUST reconnect after a failed disconnect")
}

func (s *ConnectionManagerSuite) TestReleaseDuringConnectDropsNewLink() {
	// GOAL: A connect racing a release does not leak its link
	//
	// TEST SCENARIO: Slow dial in flight → Release → dial completes → link is disconnected, caller gets an error

	builder := s.peripheral().WithConnectDelay(100 * time.Millisecond)
	m := NewConnectionManager(builder.Build(), testMAC, time.Second, s.helper.Logger)

	done := make(chan error, 1)
	go func() {
		_, err := m.Acquire(context.Background())
		done <- err
	}()

	s.Eventually(func() bool { return m.Dials() == 1 }, time.Second, 5*time.Millisecond)
	m.Release()

	err := <-done
	s.Require().Error(err)
	s.ErrorIs(err, ErrConnectFailed)
	s.Zero(builder.OpenConnections(), "superseded link MUST be closed")
	s.Equal(StateDisconnected, m.State())
}

func (s *ConnectionManagerSuite) TestReleaseBeforeUseIsConnectError() {
	// GOAL: A Release landing between Acquire and register access surfaces a domain error
	//
	// TEST SCENARIO: Acquire → Release → run on the old handle → ConnectError(failed), fn not called, no transport error

	m := NewConnectionManager(s.peripheral().Build(), testMAC, time.Second, s.helper.Logger)
	conn, err := m.Acquire(context.Background())
	s.Require().NoError(err)
	m.Release()

	called := false
	err = m.runOn(conn, func(device.Connection) error {
		called = true
		return nil
	})

	var connErr *ConnectError
	s.Require().True(errors.As(err, &connErr), "released handle MUST yield a ConnectError")
	s.Equal(ConnectFailed, connErr.Kind)
	s.Equal(testMAC, connErr.Address)
	s.ErrorIs(err, ErrConnectFailed)
	s.False(errors.Is(err, device.ErrNotConnected), "transport errors MUST NOT cross the boundary")
	s.False(called, "fn MUST NOT run on a released connection")
}

func (s *ConnectionManagerSuite) TestCallerCancellation() {
	builder := s.peripheral().WithConnectDelay(time.Second)
	m := NewConnectionManager(builder.Build(), testMAC, 5*time.Second, s.helper.Logger)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Acquire(ctx)
	s.Require().Error(err)
	s.ErrorIs(err, ErrConnectTimeout)
}

func TestConnectionManagerSuite(t *testing.T) {
	suite.Run(t, new(ConnectionManagerSuite))
}

func TestConnState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "unknown", ConnState(42).String())
}

func TestConnectError_Message(t *testing.T) {
	err := &ConnectError{Kind: ConnectTimeout, Address: testMAC, Reason: "context deadline exceeded"}
	assert.Equal(t, "connect to AA:BB:CC:DD:EE:FF: timeout: context deadline exceeded", err.Error())

	bare := &ConnectError{Address: testMAC}
	assert.Equal(t, "connect to AA:BB:CC:DD:EE:FF: failed", bare.Error())
}

func TestWithConnection_NotFound(t *testing.T) {
	transport := testutils.NewPeripheralBuilder(testMAC).WithService("fff0").Build()
	m := NewConnectionManager(transport, testMAC, time.Second, nil)
	acc := NewRegisterAccessor(m, "fff0", time.Second, nil)

	_, err := acc.Read(context.Background(), "fff9")
	require.Error(t, err)

	var gerr *GattError
	require.True(t, errors.As(err, &gerr), "missing characteristic MUST be a GattError")
	assert.Equal(t, GattRead, gerr.Op)
	assert.Equal(t, "fff9", gerr.Characteristic)

	var nf *device.NotFoundError
	assert.True(t, errors.As(err, &nf), "GattError MUST wrap the NotFoundError")
	transport.AssertCalled(t, "Dial", mock.Anything, testMAC)
}
