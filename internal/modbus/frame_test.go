package modbus

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrame_EncodeReadFrame(t *testing.T) {
	req := ReadHoldingRegistersRequest(7, 3, 100, 4)

	decoded, err := ReadFrame(bytes.NewReader(req.Encode()))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if decoded.TransactionID != 7 || decoded.UnitID != 3 || decoded.FunctionCode != FuncCodeReadHoldingRegisters {
		t.Fatalf("unexpected header: %+v", decoded)
	}

	start, qty, err := decoded.ParseReadRequest()
	if err != nil || start != 100 || qty != 4 {
		t.Fatalf("ParseReadRequest = %d, %d, %v", start, qty, err)
	}
}

func TestFrame_RegisterResponse(t *testing.T) {
	req := ReadHoldingRegistersRequest(1, 1, 0, 3)
	resp, err := DecodeFrame(req.RegisterResponse([]uint16{1, 0xABCD, 3}).Encode())
	if err != nil {
		t.Fatal(err)
	}

	regs, err := resp.ParseRegisterResponse()
	if err != nil {
		t.Fatal(err)
	}
	if len(regs) != 3 || regs[1] != 0xABCD {
		t.Fatalf("unexpected registers: %v", regs)
	}
}

func TestFrame_ExceptionResponse(t *testing.T) {
	req := ReadHoldingRegistersRequest(1, 1, 0, 3)
	resp, err := DecodeFrame(req.ExceptionResponse(ExceptionIllegalDataAddress).Encode())
	if err != nil {
		t.Fatal(err)
	}
	if !resp.IsException() {
		t.Fatal("expected exception bit")
	}

	_, err = resp.ParseRegisterResponse()
	var pe *ProtocolError
	if !errors.As(err, &pe) || pe.ExceptionCode != ExceptionIllegalDataAddress {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestDecodeFrame_InvalidProtocolID(t *testing.T) {
	data := ReadHoldingRegistersRequest(1, 1, 0, 1).Encode()
	data[3] = 1
	if _, err := DecodeFrame(data); err == nil {
		t.Fatal("expected error")
	}
}
