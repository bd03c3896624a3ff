package zcl

import (
	"encoding/binary"
	"fmt"
)

// Frame control field bits.
const (
	FCClusterCommand   uint8 = 0x01
	FCManufacturer     uint8 = 0x04
	FCDirectionServer  uint8 = 0x08
	FCDisableDefaultRsp uint8 = 0x10
)

// Frame is a parsed ZCL frame: control byte, optional manufacturer code,
// transaction sequence, command and payload.
type Frame struct {
	FrameControl uint8
	Manufacturer uint16
	Seq          uint8
	CommandID    uint8
	Payload      []byte
}

// IsClusterCommand reports whether the frame carries a cluster-specific
// command (as opposed to a profile-wide one).
func (f *Frame) IsClusterCommand() bool {
	return f.FrameControl&FCClusterCommand != 0
}

// ParseFrame parses a ZCL frame from an APS payload.
func ParseFrame(asdu []byte) (*Frame, error) {
	if len(asdu) < 3 {
		return nil, fmt.Errorf("zcl: frame too short: %d bytes", len(asdu))
	}
	f := &Frame{FrameControl: asdu[0]}
	i := 1
	if f.FrameControl&FCManufacturer != 0 {
		if len(asdu) < 5 {
			return nil, fmt.Errorf("zcl: manufacturer frame too short")
		}
		f.Manufacturer = binary.LittleEndian.Uint16(asdu[1:3])
		i = 3
	}
	f.Seq = asdu[i]
	f.CommandID = asdu[i+1]
	f.Payload = asdu[i+2:]
	return f, nil
}

// Marshal serializes the frame into an APS payload.
func (f *Frame) Marshal() []byte {
	buf := make([]byte, 0, 5+len(f.Payload))
	buf = append(buf, f.FrameControl)
	if f.FrameControl&FCManufacturer != 0 {
		buf = binary.LittleEndian.AppendUint16(buf, f.Manufacturer)
	}
	buf = append(buf, f.Seq, f.CommandID)
	return append(buf, f.Payload...)
}

// AttributeRecord is one record of a read response or a report.
type AttributeRecord struct {
	AttrID   uint16
	Status   uint8
	DataType uint8
	Value    interface{}
}

// ParseReadAttributesResponse parses the records of a ReadAttributesResponse
// payload. Records with a non-success status carry no data type or value.
func ParseReadAttributesResponse(payload []byte) ([]AttributeRecord, error) {
	var recs []AttributeRecord
	for len(payload) > 0 {
		if len(payload) < 3 {
			return nil, fmt.Errorf("zcl: truncated read response record")
		}
		rec := AttributeRecord{
			AttrID: binary.LittleEndian.Uint16(payload),
			Status: payload[2],
		}
		payload = payload[3:]
		if rec.Status == StatusSuccess {
			if len(payload) < 1 {
				return nil, fmt.Errorf("zcl: read response record missing data type")
			}
			rec.DataType = payload[0]
			val, n, err := DecodeValue(rec.DataType, payload[1:])
			if err != nil {
				return nil, err
			}
			rec.Value = val
			payload = payload[1+n:]
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// ParseReportAttributes parses the records of a ReportAttributes payload.
func ParseReportAttributes(payload []byte) ([]AttributeRecord, error) {
	var recs []AttributeRecord
	for len(payload) > 0 {
		if len(payload) < 3 {
			return nil, fmt.Errorf("zcl: truncated report record")
		}
		rec := AttributeRecord{
			AttrID:   binary.LittleEndian.Uint16(payload),
			DataType: payload[2],
		}
		val, n, err := DecodeValue(rec.DataType, payload[3:])
		if err != nil {
			return nil, err
		}
		rec.Value = val
		payload = payload[3+n:]
		recs = append(recs, rec)
	}
	return recs, nil
}

// BuildReadAttributes builds a profile-wide ReadAttributes frame.
func BuildReadAttributes(seq uint8, attrIDs []uint16) []byte {
	f := Frame{
		FrameControl: FCDisableDefaultRsp,
		Seq:          seq,
		CommandID:    CmdReadAttributes,
	}
	for _, id := range attrIDs {
		f.Payload = binary.LittleEndian.AppendUint16(f.Payload, id)
	}
	return f.Marshal()
}

// BuildWriteAttribute builds a profile-wide WriteAttributes frame carrying a
// single record.
func BuildWriteAttribute(seq uint8, attrID uint16, dataType uint8, value interface{}) ([]byte, error) {
	encoded, err := EncodeValue(dataType, value)
	if err != nil {
		return nil, err
	}
	f := Frame{
		FrameControl: FCDisableDefaultRsp,
		Seq:          seq,
		CommandID:    CmdWriteAttributes,
	}
	f.Payload = binary.LittleEndian.AppendUint16(f.Payload, attrID)
	f.Payload = append(f.Payload, dataType)
	f.Payload = append(f.Payload, encoded...)
	return f.Marshal(), nil
}

// BuildClusterCommand builds a cluster-specific command frame.
func BuildClusterCommand(seq uint8, commandID uint8, payload []byte) []byte {
	f := Frame{
		FrameControl: FCClusterCommand | FCDisableDefaultRsp,
		Seq:          seq,
		CommandID:    commandID,
		Payload:      payload,
	}
	return f.Marshal()
}
