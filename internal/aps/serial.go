package aps

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Frame command bytes of the serial protocol.
const (
	frameDataRequest    uint8 = 0x12
	frameDataConfirm    uint8 = 0x04
	frameDataIndication uint8 = 0x17
	frameNodeEvent      uint8 = 0x0E
	frameGreenPower     uint8 = 0x19
	frameBindRequest    uint8 = 0x1D
	framePermitJoin     uint8 = 0x22
	frameNetworkState   uint8 = 0x07
)

// SerialRadio speaks the gateway's serial frame protocol: each frame is
// {cmd u8, seq u8, len u16, payload, crc u16} where the CRC covers everything
// before it.
type SerialRadio struct {
	port   serial.Port
	reader *bufio.Reader
	logger *slog.Logger

	writeMu sync.Mutex
	seq     uint8

	handlerMu    sync.RWMutex
	onIndication func(DataIndication)
	onConfirm    func(DataConfirm)
	onNodeEvent  func(NodeEvent)
	onGreenPower func(GreenPowerIndication)
	onNetState   func(bool)

	stateMu   sync.RWMutex
	connected bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// OpenSerial opens the serial port and starts the reader goroutine.
func OpenSerial(portName string, baudRate int, logger *slog.Logger) (*SerialRadio, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("aps: open %s: %w", portName, err)
	}
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)

	r := &SerialRadio{
		port:   port,
		reader: bufio.NewReader(port),
		logger: logger.With("component", "aps"),
		done:   make(chan struct{}),
	}
	r.wg.Add(1)
	go r.readLoop()
	return r, nil
}

// Connected reports whether the stack is in-network.
func (r *SerialRadio) Connected() bool {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.connected
}

// DataRequest serializes and writes an APS data.request frame.
func (r *SerialRadio) DataRequest(req *DataRequest) error {
	payload := make([]byte, 0, 16+len(req.ASDU))
	payload = append(payload, req.ID, uint8(req.DstAddress.Mode))
	switch req.DstAddress.Mode {
	case AddrModeGroup:
		payload = binary.LittleEndian.AppendUint16(payload, req.DstAddress.Group)
	case AddrModeNwk:
		payload = binary.LittleEndian.AppendUint16(payload, req.DstAddress.Nwk)
	default:
		payload = binary.LittleEndian.AppendUint64(payload, req.DstAddress.Ext)
	}
	payload = append(payload, req.DstEndpoint)
	payload = binary.LittleEndian.AppendUint16(payload, req.ProfileID)
	payload = binary.LittleEndian.AppendUint16(payload, req.ClusterID)
	payload = append(payload, req.SrcEndpoint)
	payload = binary.LittleEndian.AppendUint16(payload, uint16(len(req.ASDU)))
	payload = append(payload, req.ASDU...)
	payload = append(payload, req.TxOptions, req.Radius)
	return r.writeFrame(frameDataRequest, payload)
}

// BindRequest serializes and writes a ZDP bind/unbind frame.
func (r *SerialRadio) BindRequest(req *BindRequest) error {
	payload := make([]byte, 0, 24)
	if req.Unbind {
		payload = append(payload, 0x01)
	} else {
		payload = append(payload, 0x00)
	}
	payload = binary.LittleEndian.AppendUint16(payload, req.TargetNwk)
	payload = binary.LittleEndian.AppendUint64(payload, req.SrcExt)
	payload = append(payload, req.SrcEndpoint)
	payload = binary.LittleEndian.AppendUint16(payload, req.ClusterID)
	payload = append(payload, uint8(req.DstMode))
	if req.DstMode == AddrModeGroup {
		payload = binary.LittleEndian.AppendUint16(payload, req.DstGroup)
	} else {
		payload = binary.LittleEndian.AppendUint64(payload, req.DstExt)
		payload = append(payload, req.DstEndpoint)
	}
	return r.writeFrame(frameBindRequest, payload)
}

// PermitJoin opens the network for joining.
func (r *SerialRadio) PermitJoin(seconds uint8) error {
	return r.writeFrame(framePermitJoin, []byte{seconds})
}

func (r *SerialRadio) OnDataIndication(fn func(DataIndication)) {
	r.handlerMu.Lock()
	r.onIndication = fn
	r.handlerMu.Unlock()
}

func (r *SerialRadio) OnDataConfirm(fn func(DataConfirm)) {
	r.handlerMu.Lock()
	r.onConfirm = fn
	r.handlerMu.Unlock()
}

func (r *SerialRadio) OnNodeEvent(fn func(NodeEvent)) {
	r.handlerMu.Lock()
	r.onNodeEvent = fn
	r.handlerMu.Unlock()
}

func (r *SerialRadio) OnGreenPower(fn func(GreenPowerIndication)) {
	r.handlerMu.Lock()
	r.onGreenPower = fn
	r.handlerMu.Unlock()
}

func (r *SerialRadio) OnNetworkState(fn func(bool)) {
	r.handlerMu.Lock()
	r.onNetState = fn
	r.handlerMu.Unlock()
}

// Close stops the reader and closes the port.
func (r *SerialRadio) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = r.port.Close()
		r.wg.Wait()
	})
	return err
}

func (r *SerialRadio) writeFrame(cmd uint8, payload []byte) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.seq++
	frame := make([]byte, 0, 6+len(payload))
	frame = append(frame, cmd, r.seq)
	frame = binary.LittleEndian.AppendUint16(frame, uint16(len(payload)))
	frame = append(frame, payload...)
	frame = binary.LittleEndian.AppendUint16(frame, crc16(frame))
	if _, err := r.port.Write(frame); err != nil {
		return fmt.Errorf("aps: serial write: %w", err)
	}
	return nil
}

func (r *SerialRadio) readLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		default:
		}
		frame, err := r.readFrame()
		if err != nil {
			select {
			case <-r.done:
				return
			default:
			}
			if err == io.EOF {
				r.logger.Warn("serial port closed")
				r.setConnected(false)
				return
			}
			r.logger.Debug("frame read", "err", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		r.dispatch(frame[0], frame[4:len(frame)-2])
	}
}

func (r *SerialRadio) readFrame() ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r.reader, header); err != nil {
		return nil, err
	}
	length := int(binary.LittleEndian.Uint16(header[2:]))
	if length > 512 {
		return nil, fmt.Errorf("aps: oversized frame: %d", length)
	}
	rest := make([]byte, length+2)
	if _, err := io.ReadFull(r.reader, rest); err != nil {
		return nil, err
	}
	frame := append(header, rest...)
	want := binary.LittleEndian.Uint16(frame[len(frame)-2:])
	if got := crc16(frame[:len(frame)-2]); got != want {
		return nil, fmt.Errorf("aps: crc mismatch: got 0x%04X, want 0x%04X", got, want)
	}
	return frame, nil
}

func (r *SerialRadio) dispatch(cmd uint8, payload []byte) {
	r.handlerMu.RLock()
	onIndication := r.onIndication
	onConfirm := r.onConfirm
	onNodeEvent := r.onNodeEvent
	onGreenPower := r.onGreenPower
	onNetState := r.onNetState
	r.handlerMu.RUnlock()

	switch cmd {
	case frameDataIndication:
		ind, err := parseIndication(payload)
		if err != nil {
			r.logger.Warn("bad data indication", "err", err)
			return
		}
		if onIndication != nil {
			onIndication(*ind)
		}
	case frameDataConfirm:
		if len(payload) < 2 {
			return
		}
		conf := DataConfirm{ID: payload[0], Status: payload[1]}
		if len(payload) >= 5 && payload[2] == uint8(AddrModeGroup) {
			conf.DstAddress = GroupAddress(binary.LittleEndian.Uint16(payload[3:]))
		}
		if onConfirm != nil {
			onConfirm(conf)
		}
	case frameNodeEvent:
		evt, err := parseNodeEvent(payload)
		if err != nil {
			r.logger.Warn("bad node event", "err", err)
			return
		}
		if onNodeEvent != nil {
			onNodeEvent(*evt)
		}
	case frameGreenPower:
		if len(payload) < 10 {
			return
		}
		gp := GreenPowerIndication{
			SrcID:        binary.LittleEndian.Uint32(payload),
			DeviceID:     payload[4],
			CommandID:    payload[5],
			FrameCounter: binary.LittleEndian.Uint32(payload[6:]),
		}
		if onGreenPower != nil {
			onGreenPower(gp)
		}
	case frameNetworkState:
		if len(payload) < 1 {
			return
		}
		connected := payload[0] == 0x02 // connected state
		r.setConnected(connected)
		if onNetState != nil {
			onNetState(connected)
		}
	default:
		r.logger.Debug("unhandled frame", "cmd", fmt.Sprintf("0x%02X", cmd))
	}
}

func (r *SerialRadio) setConnected(v bool) {
	r.stateMu.Lock()
	r.connected = v
	r.stateMu.Unlock()
}

func parseIndication(p []byte) (*DataIndication, error) {
	if len(p) < 2 {
		return nil, fmt.Errorf("aps: indication too short")
	}
	ind := &DataIndication{}
	var err error
	if ind.SrcAddress, p, err = parseAddress(p); err != nil {
		return nil, err
	}
	if len(p) < 1 {
		return nil, fmt.Errorf("aps: indication missing src endpoint")
	}
	ind.SrcEndpoint = p[0]
	p = p[1:]
	if ind.DstAddress, p, err = parseAddress(p); err != nil {
		return nil, err
	}
	if len(p) < 8 {
		return nil, fmt.Errorf("aps: indication header truncated")
	}
	ind.DstEndpoint = p[0]
	ind.ProfileID = binary.LittleEndian.Uint16(p[1:])
	ind.ClusterID = binary.LittleEndian.Uint16(p[3:])
	asduLen := int(binary.LittleEndian.Uint16(p[5:]))
	p = p[7:]
	if len(p) < asduLen+2 {
		return nil, fmt.Errorf("aps: indication asdu truncated")
	}
	ind.ASDU = append([]byte(nil), p[:asduLen]...)
	ind.LQI = p[asduLen]
	ind.RSSI = int8(p[asduLen+1])
	return ind, nil
}

func parseAddress(p []byte) (Address, []byte, error) {
	if len(p) < 1 {
		return Address{}, nil, fmt.Errorf("aps: missing address mode")
	}
	mode := AddressMode(p[0])
	p = p[1:]
	switch mode {
	case AddrModeGroup:
		if len(p) < 2 {
			return Address{}, nil, fmt.Errorf("aps: short group address")
		}
		return GroupAddress(binary.LittleEndian.Uint16(p)), p[2:], nil
	case AddrModeNwk:
		if len(p) < 2 {
			return Address{}, nil, fmt.Errorf("aps: short nwk address")
		}
		return NwkAddress(binary.LittleEndian.Uint16(p)), p[2:], nil
	case AddrModeExt:
		if len(p) < 8 {
			return Address{}, nil, fmt.Errorf("aps: short ext address")
		}
		return ExtAddress(binary.LittleEndian.Uint64(p)), p[8:], nil
	}
	return Address{}, nil, fmt.Errorf("aps: unknown address mode 0x%02X", uint8(mode))
}

func parseNodeEvent(p []byte) (*NodeEvent, error) {
	if len(p) < 12 {
		return nil, fmt.Errorf("aps: node event too short")
	}
	evt := &NodeEvent{
		Type:    NodeEventType(p[0]),
		ExtAddr: binary.LittleEndian.Uint64(p[1:]),
		NwkAddr: binary.LittleEndian.Uint16(p[9:]),
		Zombie:  p[11] != 0,
	}
	p = p[12:]
	if len(p) < 1 {
		return evt, nil
	}
	epCount := int(p[0])
	p = p[1:]
	if len(p) < epCount {
		return nil, fmt.Errorf("aps: node event endpoints truncated")
	}
	evt.ActiveEndpoints = append(evt.ActiveEndpoints, p[:epCount]...)
	p = p[epCount:]
	for len(p) > 0 {
		if len(p) < 7 {
			return nil, fmt.Errorf("aps: simple descriptor truncated")
		}
		sd := SimpleDescriptor{
			Endpoint:  p[0],
			ProfileID: binary.LittleEndian.Uint16(p[1:]),
			DeviceID:  binary.LittleEndian.Uint16(p[3:]),
		}
		inCount := int(p[5])
		outCount := int(p[6])
		p = p[7:]
		if len(p) < (inCount+outCount)*2 {
			return nil, fmt.Errorf("aps: descriptor clusters truncated")
		}
		for i := 0; i < inCount; i++ {
			sd.InClusters = append(sd.InClusters, binary.LittleEndian.Uint16(p[i*2:]))
		}
		p = p[inCount*2:]
		for i := 0; i < outCount; i++ {
			sd.OutClusters = append(sd.OutClusters, binary.LittleEndian.Uint16(p[i*2:]))
		}
		p = p[outCount*2:]
		evt.Descriptors = append(evt.Descriptors, sd)
	}
	return evt, nil
}

// crc16 is CRC-16/CCITT over the frame bytes.
func crc16(data []byte) uint16 {
	var crc uint16 = 0xFFFF
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
