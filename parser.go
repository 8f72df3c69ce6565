package socketcast

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"

	"github.com/taogames/engine.igo/message"
)

// Parser turns packets into engine frames and back. Encode is safe for
// concurrent use; decoding is stateful (binary attachments span frames), so
// every connection gets its own Decoder.
type Parser interface {
	Encode(*Packet) ([]*message.Message, error)
	NewDecoder() Decoder

	ParseEventName(*Packet) (string, error)
	ParseEventArgs(*Packet, []reflect.Type, bool) ([]reflect.Value, error)
}

type Decoder interface {
	// Decode returns nil, nil while binary attachments are still pending.
	Decode(*message.Message) (*Packet, error)
}

var DefaultParser Parser = &defaultParser{}

type defaultParser struct{}

type reconstructor struct {
	packet  *Packet
	buffers [][]byte
}

func (recon *reconstructor) reset(packet *Packet) {
	recon.packet = packet
	recon.buffers = nil
}

func (recon *reconstructor) takeBinary(data []byte) (bool, *Packet) {
	recon.buffers = append(recon.buffers, data)
	if len(recon.buffers) == recon.packet.NumOfAttachments {
		packet := recon.build()
		recon.reset(nil)
		return true, packet
	}
	return false, nil
}

func (recon *reconstructor) build() *Packet {
	data, ok := recon.packet.Data.([]any)
	if !ok {
		return recon.packet
	}

	for placeIdx := range data {
		m, ok := data[placeIdx].(map[string]any)
		if !ok || m["_placeholder"] != true {
			continue
		}
		num, err := toInt(m["num"])
		if err != nil || num < 0 || num >= len(recon.buffers) {
			continue
		}
		data[placeIdx] = recon.buffers[num]
	}

	return recon.packet
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	case float64:
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}

type decoder struct {
	parser *defaultParser
	recon  reconstructor
}

func (p *defaultParser) NewDecoder() Decoder {
	return &decoder{parser: p}
}

func (d *decoder) Decode(msg *message.Message) (*Packet, error) {
	switch msg.Type {
	case message.MTText:
		if d.recon.packet != nil {
			return nil, errors.New("text frame received while reconstructing binary packet")
		}
		packet, err := d.parser.decodeString(msg.Data)
		if err != nil {
			return nil, err
		}
		switch packet.Type {
		case PacketBinaryEvent, PacketBinaryAck:
			if packet.NumOfAttachments == 0 {
				return packet, nil
			}
			d.recon.reset(packet)
			return nil, nil
		default:
			return packet, nil
		}

	case message.MTBinary:
		if d.recon.packet == nil {
			return nil, errors.New("unexpected binary frame")
		}
		isFull, packet := d.recon.takeBinary(msg.Data)
		if isFull {
			return packet, nil
		}
		return nil, nil

	default:
		return nil, errors.New("invalid message type")
	}
}

// DecodeFrames decodes a complete frame sequence (one text frame followed by
// its binary attachments) produced by Encode.
func DecodeFrames(p Parser, msgs []*message.Message) (*Packet, error) {
	dec := p.NewDecoder()
	for i, msg := range msgs {
		packet, err := dec.Decode(msg)
		if err != nil {
			return nil, err
		}
		if packet != nil {
			if i != len(msgs)-1 {
				return nil, fmt.Errorf("trailing frames after packet: %d", len(msgs)-1-i)
			}
			return packet, nil
		}
	}
	return nil, errors.New("incomplete frame sequence")
}

func (p *defaultParser) decodeString(bs []byte) (*Packet, error) {
	i := 0
	packet := &Packet{}

	// Packet type
	if i == len(bs) {
		return nil, fmt.Errorf("empty packet %v", string(bs))
	}
	pt, err := ParsePacketType(bs[0])
	if err != nil {
		return nil, err
	}
	packet.Type = pt
	i++

	// Num of attachments
	if pt == PacketBinaryEvent || pt == PacketBinaryAck {
		begin := i
		for {
			if i == len(bs) {
				return nil, fmt.Errorf("empty binary packet %v", string(bs))
			}
			if bs[i] == '-' {
				n, err := strconv.Atoi(string(bs[begin:i]))
				if err != nil {
					return nil, err
				}
				packet.NumOfAttachments = n
				break
			}
			i++
		}
		i++
	}

	// Namespace
	if i < len(bs) && bs[i] == '/' {
		begin := i
		for {
			i++
			if i == len(bs) {
				packet.Namespace = string(bs[begin:i])
				break
			}
			if bs[i] == ',' {
				packet.Namespace = string(bs[begin:i])
				i++
				break
			}
		}
	} else {
		packet.Namespace = MainNamespace
	}

	// Id
	if i < len(bs) && isDigit(bs[i]) {
		begin := i
		for i < len(bs) && isDigit(bs[i]) {
			i++
		}
		id, err := strconv.Atoi(string(bs[begin:i]))
		if err != nil {
			return nil, err
		}
		packet.Id = &id
	}

	// Data
	if len(bs[i:]) > 0 {
		var payload any
		dec := json.NewDecoder(bytes.NewReader(bs[i:]))
		dec.UseNumber()
		if err := dec.Decode(&payload); err != nil {
			return nil, err
		}

		packet.Data = payload
		packet.DataKind = reflect.ValueOf(payload).Kind()

		if !p.isPayloadValid(packet) {
			return nil, fmt.Errorf("invalid packet payload %v", string(bs))
		}
	}

	return packet, nil
}

func (p *defaultParser) isPayloadValid(packet *Packet) bool {
	switch packet.Type {
	case PacketConnect:
		return packet.DataKind == reflect.Map
	case PacketDisconnect:
		return false
	case PacketConnectError:
		return packet.DataKind == reflect.Map || packet.DataKind == reflect.String
	case PacketEvent, PacketBinaryEvent:
		if data, ok := packet.Data.([]any); ok && len(data) > 0 {
			_, ok := data[0].(string)
			return ok
		}
		return false
	case PacketAck, PacketBinaryAck:
		return packet.DataKind == reflect.Slice
	default:
		return false
	}
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

type binaryPlaceholder struct {
	Placeholder bool `json:"_placeholder"`
	Num         int  `json:"num"`
}

// Encode never mutates the given packet: binary arguments are swapped for
// placeholders on a copy.
func (p *defaultParser) Encode(in *Packet) ([]*message.Message, error) {
	packet := in.clone()
	msgs := make([]*message.Message, 1)

	var buffer bytes.Buffer

	// Type & Bin
	if packet.Type == PacketEvent || packet.Type == PacketAck || packet.Type == PacketBinaryEvent || packet.Type == PacketBinaryAck {
		data, ok := packet.Data.([]any)
		if !ok {
			return nil, fmt.Errorf("invalid event packet data type: %+v", in)
		}
		argBegin := 0
		if packet.Type == PacketEvent || packet.Type == PacketBinaryEvent {
			if len(data) == 0 {
				return nil, fmt.Errorf("invalid event packet data length: %+v", in)
			}
			if _, ok := data[0].(string); !ok {
				return nil, fmt.Errorf("invalid event packet data name: %+v", in)
			}
			argBegin = 1
		}

		packet.NumOfAttachments = 0
		for i := argBegin; i < len(data); i++ {
			bs, ok := data[i].([]byte)
			if ok {
				data[i] = &binaryPlaceholder{Placeholder: true, Num: packet.NumOfAttachments}
				packet.NumOfAttachments++
				msgs = append(msgs, &message.Message{Type: message.MTBinary, Data: bs})
			}
		}
		switch {
		case packet.NumOfAttachments > 0 && (packet.Type == PacketEvent || packet.Type == PacketBinaryEvent):
			packet.Type = PacketBinaryEvent
		case packet.NumOfAttachments > 0:
			packet.Type = PacketBinaryAck
		case packet.Type == PacketBinaryEvent:
			packet.Type = PacketEvent
		case packet.Type == PacketBinaryAck:
			packet.Type = PacketAck
		}
	}
	buffer.WriteByte(packet.Type.Byte())
	if packet.Type == PacketBinaryEvent || packet.Type == PacketBinaryAck {
		buffer.WriteString(strconv.Itoa(packet.NumOfAttachments))
		buffer.WriteByte('-')
	}

	// Nsp
	if packet.Namespace != "" && packet.Namespace != MainNamespace {
		buffer.WriteString(packet.Namespace)
		buffer.WriteByte(',')
	}

	// Ack
	if packet.Id != nil {
		buffer.WriteString(strconv.Itoa(*packet.Id))
	}

	// Data
	if packet.Data != nil {
		bs, err := json.Marshal(packet.Data)
		if err != nil {
			return nil, err
		}
		buffer.Write(bs)
	}

	// Build
	msgs[0] = &message.Message{Type: message.MTText, Data: buffer.Bytes()}

	return msgs, nil
}

func (p *defaultParser) ParseEventName(packet *Packet) (string, error) {
	if data, ok := packet.Data.([]any); ok && len(data) > 0 {
		if name, ok := data[0].(string); ok {
			return name, nil
		}
	}
	return "", fmt.Errorf("invalid packet: %+v", packet)
}

// ParseEventArgs decodes the event arguments (everything after the event
// name) into values of the handler's parameter types.
func (p *defaultParser) ParseEventArgs(packet *Packet, types []reflect.Type, isVariadic bool) ([]reflect.Value, error) {
	data, ok := packet.Data.([]any)
	if !ok || len(data) == 0 {
		return nil, fmt.Errorf("invalid event packet: %+v", packet)
	}
	return decodeArgs(data[1:], types, isVariadic)
}

func decodeArgs(raw []any, types []reflect.Type, isVariadic bool) ([]reflect.Value, error) {
	bs, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(bs))
	if _, err := dec.Token(); err != nil {
		return nil, err
	}

	args := make([]reflect.Value, 0, len(raw))
	for i := 0; dec.More(); i++ {
		var t reflect.Type
		if isVariadic && i >= len(types)-1 {
			t = types[len(types)-1].Elem()
		} else {
			if i >= len(types) {
				return nil, fmt.Errorf("invalid event args: got more than %d", len(types))
			}
			t = types[i]
		}

		ptr := reflect.New(t)
		if err := dec.Decode(ptr.Interface()); err != nil {
			return nil, err
		}
		args = append(args, ptr.Elem())
	}

	return args, nil
}
