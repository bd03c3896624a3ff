package zcl

import (
	"bytes"
	"testing"
)

func TestDecodeValue(t *testing.T) {
	tests := []struct {
		name   string
		typeID uint8
		data   []byte
		want   interface{}
		wantN  int
	}{
		{"bool true", TypeBool, []byte{0x01}, true, 1},
		{"bool false", TypeBool, []byte{0x00}, false, 1},
		{"uint8", TypeUint8, []byte{0xFE}, uint8(0xFE), 1},
		{"uint16", TypeUint16, []byte{0x34, 0x12}, uint16(0x1234), 2},
		{"int16", TypeInt16, []byte{0xFF, 0xFF}, int16(-1), 2},
		{"uint24", TypeUint24, []byte{0x01, 0x02, 0x03}, uint32(0x030201), 3},
		{"uint32", TypeUint32, []byte{0x78, 0x56, 0x34, 0x12}, uint32(0x12345678), 4},
		{"enum8", TypeEnum8, []byte{0x02}, uint8(2), 1},
		{"string", TypeCharStr, []byte{0x03, 'L', 'C', 'T'}, "LCT", 4},
		{"string invalid", TypeCharStr, []byte{0xFF}, "", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, n, err := DecodeValue(tt.typeID, tt.data)
			if err != nil {
				t.Fatalf("DecodeValue: %v", err)
			}
			if got != tt.want {
				t.Errorf("value = %v, want %v", got, tt.want)
			}
			if n != tt.wantN {
				t.Errorf("consumed = %d, want %d", n, tt.wantN)
			}
		})
	}
}

func TestDecodeValueShort(t *testing.T) {
	if _, _, err := DecodeValue(TypeUint16, []byte{0x01}); err == nil {
		t.Error("expected error for short uint16")
	}
	if _, _, err := DecodeValue(TypeCharStr, []byte{0x05, 'a'}); err == nil {
		t.Error("expected error for truncated string")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	encoded, err := EncodeValue(TypeUint16, 49152)
	if err != nil {
		t.Fatalf("EncodeValue: %v", err)
	}
	val, _, err := DecodeValue(TypeUint16, encoded)
	if err != nil {
		t.Fatalf("DecodeValue: %v", err)
	}
	if val != uint16(49152) {
		t.Errorf("round trip = %v", val)
	}
}

func TestEncodeValueOverflow(t *testing.T) {
	if _, err := EncodeValue(TypeUint8, 300); err == nil {
		t.Error("expected overflow error for uint8")
	}
	if _, err := EncodeValue(TypeUint16, 70000); err == nil {
		t.Error("expected overflow error for uint16")
	}
}

func TestParseFrame(t *testing.T) {
	asdu := []byte{FCClusterCommand, 0x42, 0x02, 0xAA, 0xBB}
	f, err := ParseFrame(asdu)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if !f.IsClusterCommand() {
		t.Error("expected cluster command")
	}
	if f.Seq != 0x42 || f.CommandID != 0x02 {
		t.Errorf("seq=%d cmd=%d", f.Seq, f.CommandID)
	}
	if !bytes.Equal(f.Payload, []byte{0xAA, 0xBB}) {
		t.Errorf("payload = %X", f.Payload)
	}
}

func TestParseFrameManufacturer(t *testing.T) {
	asdu := []byte{FCClusterCommand | FCManufacturer, 0x0B, 0x10, 0x01, 0x00, 0xFF}
	f, err := ParseFrame(asdu)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if f.Manufacturer != 0x100B {
		t.Errorf("manufacturer = 0x%04X", f.Manufacturer)
	}
	if f.Seq != 0x01 || f.CommandID != 0x00 {
		t.Errorf("seq=%d cmd=%d", f.Seq, f.CommandID)
	}
}

func TestFrameMarshalParse(t *testing.T) {
	asdu := BuildReadAttributes(7, []uint16{0x0000, 0x0004})
	f, err := ParseFrame(asdu)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if f.IsClusterCommand() {
		t.Error("read attributes is profile-wide")
	}
	if f.CommandID != CmdReadAttributes {
		t.Errorf("command = 0x%02X", f.CommandID)
	}
	if !bytes.Equal(f.Payload, []byte{0x00, 0x00, 0x04, 0x00}) {
		t.Errorf("payload = %X", f.Payload)
	}
}

func TestParseReadAttributesResponse(t *testing.T) {
	// attr 0x0000 success bool true, attr 0x0004 unsupported
	payload := []byte{
		0x00, 0x00, 0x00, TypeBool, 0x01,
		0x04, 0x00, 0x86,
	}
	recs, err := ParseReadAttributesResponse(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %d", len(recs))
	}
	if recs[0].Value != true {
		t.Errorf("rec0 value = %v", recs[0].Value)
	}
	if recs[1].Status != StatusUnsupported || recs[1].Value != nil {
		t.Errorf("rec1 = %+v", recs[1])
	}
}

func TestParseReportAttributes(t *testing.T) {
	payload := []byte{0x00, 0x00, TypeUint16, 0x20, 0x4E}
	recs, err := ParseReportAttributes(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(recs) != 1 || recs[0].Value != uint16(20000) {
		t.Fatalf("recs = %+v", recs)
	}
}

func TestParseGroupMembershipResponse(t *testing.T) {
	payload := []byte{0x0A, 0x02, 0x03, 0x00, 0x04, 0x00}
	rsp, err := ParseGroupMembershipResponse(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if rsp.Capacity != 10 {
		t.Errorf("capacity = %d", rsp.Capacity)
	}
	if len(rsp.Groups) != 2 || rsp.Groups[0] != 3 || rsp.Groups[1] != 4 {
		t.Errorf("groups = %v", rsp.Groups)
	}
}

func TestParseGroupMembershipResponseTruncated(t *testing.T) {
	if _, err := ParseGroupMembershipResponse([]byte{0x0A, 0x02, 0x03}); err == nil {
		t.Error("expected error for truncated group list")
	}
}

func TestParseSceneMembershipResponse(t *testing.T) {
	payload := []byte{0x00, 0x0F, 0x03, 0x00, 0x02, 0x0A, 0x0B}
	rsp, err := ParseSceneMembershipResponse(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if rsp.GroupID != 3 || rsp.Capacity != 15 {
		t.Errorf("rsp = %+v", rsp)
	}
	if len(rsp.Scenes) != 2 || rsp.Scenes[0] != 10 || rsp.Scenes[1] != 11 {
		t.Errorf("scenes = %v", rsp.Scenes)
	}
}

func TestParseSceneMembershipResponseFailure(t *testing.T) {
	rsp, err := ParseSceneMembershipResponse([]byte{0x8B, 0x0F, 0x03, 0x00})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if rsp.Status == StatusSuccess || len(rsp.Scenes) != 0 {
		t.Errorf("rsp = %+v", rsp)
	}
}

func TestParseViewSceneResponse(t *testing.T) {
	payload := []byte{
		0x00,       // status
		0x03, 0x00, // group 3
		0x0A,       // scene 10
		0x0A, 0x00, // transition time 10 (1s)
		0x00, // empty name
		// on/off extension: cluster 0x0006, len 1, on
		0x06, 0x00, 0x01, 0x01,
		// level extension: cluster 0x0008, len 1, level 200
		0x08, 0x00, 0x01, 0xC8,
		// color extension: cluster 0x0300, len 4, x=30000 y=25000
		0x00, 0x03, 0x04, 0x30, 0x75, 0xA8, 0x61,
	}
	rsp, err := ParseViewSceneResponse(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if rsp.GroupID != 3 || rsp.SceneID != 10 || rsp.TransitionTime != 10 {
		t.Errorf("header = %+v", rsp)
	}
	if len(rsp.Extensions) != 3 {
		t.Fatalf("extensions = %d", len(rsp.Extensions))
	}
	if !rsp.Extensions[0].HasOnOff || !rsp.Extensions[0].On {
		t.Errorf("onoff ext = %+v", rsp.Extensions[0])
	}
	if !rsp.Extensions[1].HasLevel || rsp.Extensions[1].Level != 200 {
		t.Errorf("level ext = %+v", rsp.Extensions[1])
	}
	if !rsp.Extensions[2].HasColor || rsp.Extensions[2].X != 30000 || rsp.Extensions[2].Y != 25000 {
		t.Errorf("color ext = %+v", rsp.Extensions[2])
	}
}

func TestBuildSceneCommand(t *testing.T) {
	asdu := BuildSceneCommand(1, CmdRecallScene, 3, 10, true)
	f, err := ParseFrame(asdu)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if f.CommandID != CmdRecallScene {
		t.Errorf("command = 0x%02X", f.CommandID)
	}
	if !bytes.Equal(f.Payload, []byte{0x03, 0x00, 0x0A}) {
		t.Errorf("payload = %X", f.Payload)
	}
}
