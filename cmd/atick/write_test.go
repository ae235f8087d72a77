package main

import (
	"errors"
	"testing"

	"github.com/srg/atick/internal/atick"
	"github.com/srg/atick/internal/device"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type WriteCommandSuite struct {
	CommandTestSuite
	config string
}

func TestWriteCommandSuite(t *testing.T) {
	suite.Run(t, new(WriteCommandSuite))
}

func (s *WriteCommandSuite) SetupTest() {
	s.CommandTestSuite.SetupTest()
	s.config = s.WriteConfig("log_level: warn\n")
}

func (s *WriteCommandSuite) TestWriteRegister() {
	// GOAL: write sends the parsed payload with acknowledgement
	//
	// TEST SCENARIO: "0a d7 23 3c" to fff2 → Write([0a d7 23 3c], withResponse=true) → connection released

	meter := s.Meter()
	s.UseStack(meter.Build(), nil)

	out, err := s.ExecuteCommand("write", testMeterAddress, "fff2", "0a d7 23 3c", "--config", s.config)

	s.Require().NoError(err)
	s.Contains(out, "Wrote 4 byte(s) to fff2 (Counters Ratio)", "known registers MUST be named")
	meter.Characteristic("fff2").AssertCalled(s.T(), "Write", []byte{0x0a, 0xd7, 0x23, 0x3c}, true, mock.Anything)
	s.Equal(0, meter.OpenConnections(), "connection MUST be released after the write")
}

func (s *WriteCommandSuite) TestWriteUnknownCharacteristic() {
	s.UseStack(s.Meter().Build(), nil)

	_, err := s.ExecuteCommand("write", testMeterAddress, "abcd", "01", "--config", s.config)

	var gattErr *atick.GattError
	s.Require().True(errors.As(err, &gattErr), "missing register MUST be a GattError")
	var nf *device.NotFoundError
	s.True(errors.As(err, &nf), "cause MUST be NotFoundError")
	s.Contains(FormatUserError(err), "register abcd not found")
}

func (s *WriteCommandSuite) TestWriteValidatesBeforeConnecting() {
	cases := map[string][]string{
		"bad uuid":      {"write", testMeterAddress, "xyz", "01"},
		"empty payload": {"write", testMeterAddress, "fff2", "  "},
		"odd hex":       {"write", testMeterAddress, "fff2", "abc"},
	}
	for name, args := range cases {
		s.Run(name, func() {
			_, err := s.ExecuteCommand(append(args, "--config", s.config)...)
			s.Error(err, "invalid input MUST fail without touching the radio")
		})
	}
}
