package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/srg/atick/internal/atick"
	"github.com/srg/atick/internal/testutils"
	"github.com/srg/atick/internal/testutils/mocks"
	"github.com/stretchr/testify/suite"
)

const testMeterAddress = "AA:BB:CC:DD:EE:FF"

// capturedAdvert encodes 12.34 / 0.56 for testMeterAddress and the default PIN.
const capturedAdvert = "01a7a34692edddcbbe"

// fakeStack joins the transport and scanner mocks behind the bleStack interface.
type fakeStack struct {
	*mocks.MockTransport
	*mocks.MockScanner
	closes int
}

func (f *fakeStack) Close() error {
	f.closes++
	return nil
}

// CommandTestSuite runs commands against a fake BLE stack and a temporary config.
type CommandTestSuite struct {
	suite.Suite
	dir   string
	stack *fakeStack
}

func (s *CommandTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
	s.stack = nil

	prev := newBLEStack
	newBLEStack = func(*logrus.Logger) bleStack {
		s.Require().NotNil(s.stack, "test MUST install a BLE stack before running a radio command")
		return s.stack
	}
	s.T().Cleanup(func() { newBLEStack = prev })
}

// UseStack installs the transport and scanner the next command will see.
func (s *CommandTestSuite) UseStack(transport *mocks.MockTransport, scanner *mocks.MockScanner) *fakeStack {
	s.stack = &fakeStack{MockTransport: transport, MockScanner: scanner}
	return s.stack
}

// Meter returns a peripheral serving every default register.
func (s *CommandTestSuite) Meter() *testutils.PeripheralBuilder {
	regs := atick.DefaultRegisters()
	return testutils.NewPeripheralBuilder(testMeterAddress).
		WithService(regs.Service).
		WithCharacteristic(regs.ModelName, []byte("aTick W1")).
		WithCharacteristic(regs.Manufacturer, []byte("Arkhipenko")).
		WithCharacteristic(regs.FirmwareVersion, []byte("1.4.2")).
		WithCharacteristic(regs.CountersValue, testutils.Float32Pair(12.34, 0.56)).
		WithCharacteristic(regs.CountersRatio, testutils.Float32Pair(0.001, 0.01))
}

// WriteConfig stores a config file in the test directory; "{dir}" expands to it.
func (s *CommandTestSuite) WriteConfig(content string) string {
	path := filepath.Join(s.dir, "config.yaml")
	content = strings.ReplaceAll(content, "{dir}", s.dir)
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o600), "config write MUST succeed")
	return path
}

// ExecuteCommand runs a fresh command tree with args, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}
