package zcl

import "encoding/binary"

// BuildOnOff builds an On or Off command.
func BuildOnOff(seq uint8, on bool) []byte {
	cmd := CmdOff
	if on {
		cmd = CmdOn
	}
	return BuildClusterCommand(seq, cmd, nil)
}

// BuildMoveToLevel builds a MoveToLevel (with on/off) command.
// transitionTime is in 1/10 s units.
func BuildMoveToLevel(seq uint8, level uint8, transitionTime uint16) []byte {
	payload := []byte{level}
	payload = binary.LittleEndian.AppendUint16(payload, transitionTime)
	return BuildClusterCommand(seq, CmdMoveToLevelWithOnOff, payload)
}

// BuildMoveToColor builds a MoveToColor (xy) command.
func BuildMoveToColor(seq uint8, x, y, transitionTime uint16) []byte {
	payload := binary.LittleEndian.AppendUint16(nil, x)
	payload = binary.LittleEndian.AppendUint16(payload, y)
	payload = binary.LittleEndian.AppendUint16(payload, transitionTime)
	return BuildClusterCommand(seq, CmdMoveToColor, payload)
}

// BuildMoveToColorTemperature builds a MoveToColorTemperature command.
func BuildMoveToColorTemperature(seq uint8, mired, transitionTime uint16) []byte {
	payload := binary.LittleEndian.AppendUint16(nil, mired)
	payload = binary.LittleEndian.AppendUint16(payload, transitionTime)
	return BuildClusterCommand(seq, CmdMoveToColorTemp, payload)
}

// Color loop set update flags and actions.
const (
	colorLoopUpdateAction    uint8 = 0x01
	colorLoopUpdateDirection uint8 = 0x02
	colorLoopUpdateTime      uint8 = 0x04

	colorLoopDeactivate   uint8 = 0x00
	colorLoopActivateHue  uint8 = 0x02
)

// BuildColorLoopSet builds a ColorLoopSet command activating or stopping
// the device-side hue animation. speed is the loop time in seconds.
func BuildColorLoopSet(seq uint8, activate bool, speed uint8) []byte {
	payload := make([]byte, 0, 7)
	if activate {
		payload = append(payload,
			colorLoopUpdateAction|colorLoopUpdateDirection|colorLoopUpdateTime,
			colorLoopActivateHue,
			0x01) // direction: increment hue
		payload = binary.LittleEndian.AppendUint16(payload, uint16(speed))
	} else {
		payload = append(payload, colorLoopUpdateAction, colorLoopDeactivate, 0x00)
		payload = binary.LittleEndian.AppendUint16(payload, 0)
	}
	payload = binary.LittleEndian.AppendUint16(payload, 0) // start hue
	return BuildClusterCommand(seq, CmdColorLoopSet, payload)
}
