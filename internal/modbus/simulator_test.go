package modbus

import (
	"errors"
	"net"
	"testing"
	"time"
)

// roundTrip sends one raw frame to the simulator and reads the answer.
func roundTrip(t *testing.T, conn net.Conn, req *ModbusFrame) *ModbusFrame {
	t.Helper()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write(req.Encode()); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp, err := ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	return resp
}

func dialSimulator(t *testing.T, opts Options) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", opts.address(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSimulator_RawReadsOnOneConnection(t *testing.T) {
	sim, opts := startSimulator(t, []uint16{10, 20, 30, 40})
	conn := dialSimulator(t, opts)

	for i, tc := range []struct {
		start, qty uint16
		want       []uint16
	}{
		{0, 2, []uint16{10, 20}},
		{2, 2, []uint16{30, 40}},
		{1, 3, []uint16{20, 30, 40}},
	} {
		txID := uint16(100 + i)
		resp := roundTrip(t, conn, ReadHoldingRegistersRequest(txID, 9, tc.start, tc.qty))

		if resp.TransactionID != txID || resp.UnitID != 9 || resp.IsException() {
			t.Fatalf("request %d: unexpected header %+v", i, resp)
		}
		regs, err := resp.ParseRegisterResponse()
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if len(regs) != len(tc.want) {
			t.Fatalf("request %d: got %v, want %v", i, regs, tc.want)
		}
		for j := range regs {
			if regs[j] != tc.want[j] {
				t.Fatalf("request %d: got %v, want %v", i, regs, tc.want)
			}
		}
	}

	if got := sim.Requests(); got != 3 {
		t.Fatalf("requests = %d, want 3", got)
	}
}

func TestSimulator_ExceptionResponses(t *testing.T) {
	_, opts := startSimulator(t, []uint16{1, 2, 3})
	conn := dialSimulator(t, opts)

	writeSingle := ReadHoldingRegistersRequest(1, 1, 0, 1)
	writeSingle.FunctionCode = 0x06

	cases := []struct {
		name string
		req  *ModbusFrame
		code uint8
	}{
		{"unsupported function", writeSingle, ExceptionIllegalFunction},
		{"past end of bank", ReadHoldingRegistersRequest(2, 1, 2, 2), ExceptionIllegalDataAddress},
		{"zero quantity", ReadHoldingRegistersRequest(3, 1, 0, 0), ExceptionIllegalDataValue},
		{"quantity over limit", ReadHoldingRegistersRequest(4, 1, 0, MaxRegistersPerRead+1), ExceptionIllegalDataValue},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := roundTrip(t, conn, tc.req)
			if !resp.IsException() {
				t.Fatalf("expected exception response, got %+v", resp)
			}
			_, err := resp.ParseRegisterResponse()
			var pe *ProtocolError
			if !errors.As(err, &pe) || pe.ExceptionCode != tc.code || pe.FunctionCode != tc.req.FunctionCode {
				t.Fatalf("err = %v, want exception 0x%02X for fc 0x%02X", err, tc.code, tc.req.FunctionCode)
			}
		})
	}
}

func TestSimulator_InputRegistersShareTheBank(t *testing.T) {
	_, opts := startSimulator(t, []uint16{7, 8})
	conn := dialSimulator(t, opts)

	req := ReadHoldingRegistersRequest(1, 1, 0, 2)
	req.FunctionCode = FuncCodeReadInputRegisters

	resp := roundTrip(t, conn, req)
	regs, err := resp.ParseRegisterResponse()
	if err != nil || len(regs) != 2 || regs[0] != 7 || regs[1] != 8 {
		t.Fatalf("input registers = %v, %v", regs, err)
	}
	if resp.FunctionCode != FuncCodeReadInputRegisters {
		t.Fatalf("function code = 0x%02X", resp.FunctionCode)
	}
}
