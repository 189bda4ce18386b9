package modbus

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MBAP Header (7 Bytes) + Function Code + Data
type ModbusFrame struct {
	TransactionID uint16 // 2 Bytes - Request/Response Korrelation
	ProtocolID    uint16 // 2 Bytes - Immer 0x0000 für Modbus
	Length        uint16 // 2 Bytes - Anzahl folgender Bytes
	UnitID        uint8  // 1 Byte - Slave Address
	FunctionCode  uint8  // 1 Byte - Modbus Function
	Data          []byte // Variable Länge
}

// Modbus Function Codes
const (
	FuncCodeReadHoldingRegisters = 0x03
	FuncCodeReadInputRegisters   = 0x04

	exceptionFlag = 0x80

	mbapHeaderSize = 7
	maxADUSize     = 260
)

// Encode erstellt das komplette TCP Frame
func (f *ModbusFrame) Encode() []byte {
	f.Length = uint16(len(f.Data) + 2) // +2 für UnitID + FunctionCode

	frame := make([]byte, mbapHeaderSize+1+len(f.Data))

	binary.BigEndian.PutUint16(frame[0:2], f.TransactionID)
	binary.BigEndian.PutUint16(frame[2:4], f.ProtocolID)
	binary.BigEndian.PutUint16(frame[4:6], f.Length)
	frame[6] = f.UnitID

	frame[7] = f.FunctionCode
	copy(frame[8:], f.Data)

	return frame
}

// DecodeFrame parst ein empfangenes Frame
func DecodeFrame(data []byte) (*ModbusFrame, error) {
	if len(data) < mbapHeaderSize+1 {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}

	frame := &ModbusFrame{
		TransactionID: binary.BigEndian.Uint16(data[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(data[2:4]),
		Length:        binary.BigEndian.Uint16(data[4:6]),
		UnitID:        data[6],
		FunctionCode:  data[7],
	}

	if frame.ProtocolID != 0x0000 {
		return nil, fmt.Errorf("invalid protocol ID: 0x%04X", frame.ProtocolID)
	}

	if len(data) > mbapHeaderSize+1 {
		frame.Data = data[mbapHeaderSize+1:]
	}

	return frame, nil
}

// ReadFrame liest genau ein Frame vom Stream (Header, dann Length-1 Bytes)
func ReadFrame(r io.Reader) (*ModbusFrame, error) {
	header := make([]byte, mbapHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	length := int(binary.BigEndian.Uint16(header[4:6]))
	if length < 2 || mbapHeaderSize+length-1 > maxADUSize {
		return nil, fmt.Errorf("invalid frame length: %d", length)
	}

	buf := make([]byte, mbapHeaderSize+length-1)
	copy(buf, header)
	if _, err := io.ReadFull(r, buf[mbapHeaderSize:]); err != nil {
		return nil, err
	}

	return DecodeFrame(buf)
}

// ReadHoldingRegistersRequest erstellt Request für Function Code 0x03
func ReadHoldingRegistersRequest(transactionID uint16, unitID uint8, startAddr uint16, quantity uint16) *ModbusFrame {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], startAddr)
	binary.BigEndian.PutUint16(data[2:4], quantity)

	return &ModbusFrame{
		TransactionID: transactionID,
		ProtocolID:    0x0000,
		UnitID:        unitID,
		FunctionCode:  FuncCodeReadHoldingRegisters,
		Data:          data,
	}
}

// ParseReadRequest liefert Startadresse und Anzahl eines Read-Requests
func (f *ModbusFrame) ParseReadRequest() (start uint16, quantity uint16, err error) {
	if len(f.Data) < 4 {
		return 0, 0, fmt.Errorf("read request too short: %d bytes", len(f.Data))
	}
	return binary.BigEndian.Uint16(f.Data[0:2]), binary.BigEndian.Uint16(f.Data[2:4]), nil
}

// RegisterResponse baut die Antwort auf einen Read-Request
func (f *ModbusFrame) RegisterResponse(registers []uint16) *ModbusFrame {
	data := make([]byte, 1+2*len(registers))
	data[0] = byte(2 * len(registers))
	for i, reg := range registers {
		binary.BigEndian.PutUint16(data[1+2*i:], reg)
	}

	return &ModbusFrame{
		TransactionID: f.TransactionID,
		ProtocolID:    0x0000,
		UnitID:        f.UnitID,
		FunctionCode:  f.FunctionCode,
		Data:          data,
	}
}

// ExceptionResponse baut eine Exception-Antwort (Function Code | 0x80)
func (f *ModbusFrame) ExceptionResponse(code uint8) *ModbusFrame {
	return &ModbusFrame{
		TransactionID: f.TransactionID,
		ProtocolID:    0x0000,
		UnitID:        f.UnitID,
		FunctionCode:  f.FunctionCode | exceptionFlag,
		Data:          []byte{code},
	}
}

// IsException prüft das Exception-Bit im Function Code
func (f *ModbusFrame) IsException() bool {
	return f.FunctionCode&exceptionFlag != 0
}

// ParseRegisterResponse parst Holding/Input Register Response
func (f *ModbusFrame) ParseRegisterResponse() ([]uint16, error) {
	if f.IsException() {
		if len(f.Data) < 1 {
			return nil, fmt.Errorf("exception response without code")
		}
		return nil, &ProtocolError{FunctionCode: f.FunctionCode &^ exceptionFlag, ExceptionCode: f.Data[0]}
	}
	if len(f.Data) < 1 {
		return nil, fmt.Errorf("response too short")
	}

	byteCount := f.Data[0]
	if len(f.Data) < int(byteCount)+1 {
		return nil, fmt.Errorf("incomplete response data")
	}

	registerCount := byteCount / 2
	registers := make([]uint16, registerCount)

	for i := 0; i < int(registerCount); i++ {
		offset := 1 + (i * 2)
		registers[i] = binary.BigEndian.Uint16(f.Data[offset : offset+2])
	}

	return registers, nil
}
