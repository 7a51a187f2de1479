// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package netsource is a graph/source.Medium that drains TS packets
// carried over UDP (optionally RTP-wrapped) payloads, captured either
// live off an interface or replayed from a pcap file. It generalizes
// the teacher's sniffer/libpcap capture setup (OpenLive/OpenOffline +
// SetBPFFilter) to a source that yields raw bytes instead of decoded
// L4Packet values, since tsengine has no round-trip/connection model
// to hand them to.
package netsource

import (
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcap"
	"github.com/pkg/errors"

	"github.com/isdbgo/tsengine/logger"
)

var (
	ErrAlreadyOpen = errors.New("netsource: already open")
	ErrNotOpen     = errors.New("netsource: not open")
)

const (
	defaultSnapLen     = 1 << 16
	defaultPollTimeout = 500 * time.Millisecond

	// rtpHeaderSize is the fixed part of an RTP header (no CSRC/extension);
	// MPEG-2 TS over RTP (RFC 2250) always uses this minimal form.
	rtpHeaderSize = 12
)

// Config configures a capture Medium. Exactly one of Iface or
// PcapFile should be set: PcapFile takes priority when both are.
type Config struct {
	Iface    string
	PcapFile string

	BPFFilter string
	Promisc   bool
	SnapLen   int32

	// PollTimeout bounds how long a live capture blocks between
	// packets; it has no effect reading from a pcap file.
	PollTimeout time.Duration

	// RTPDepacketize strips the 12-byte RTP header that RFC 2250
	// prepends to each UDP datagram before the TS packets begin.
	RTPDepacketize bool
}

func (c Config) withDefaults() Config {
	if c.SnapLen <= 0 {
		c.SnapLen = defaultSnapLen
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = defaultPollTimeout
	}
	return c
}

// Medium implements graph/source.Medium over a gopacket capture
// handle. It has no tuner: SetChannel is a documented no-op, since
// channel selection for a captured stream means reconfiguring the
// interface/filter, not issuing a tuner command.
type Medium struct {
	cfg Config

	handle *pcap.Handle
	src    *gopacket.PacketSource

	leftover []byte
}

// New returns a Medium for cfg. Open must be called before Read.
func New(cfg Config) *Medium {
	return &Medium{cfg: cfg.withDefaults()}
}

// Open starts the capture: OpenOffline for a pcap file, OpenLive
// against an interface otherwise.
func (m *Medium) Open() error {
	if m.handle != nil {
		return ErrAlreadyOpen
	}

	var handle *pcap.Handle
	var err error
	if m.cfg.PcapFile != "" {
		handle, err = pcap.OpenOffline(m.cfg.PcapFile)
	} else {
		handle, err = pcap.OpenLive(m.cfg.Iface, m.cfg.SnapLen, m.cfg.Promisc, m.cfg.PollTimeout)
	}
	if err != nil {
		return errors.Wrap(err, "netsource: open capture failed")
	}

	if m.cfg.BPFFilter != "" {
		if err := handle.SetBPFFilter(m.cfg.BPFFilter); err != nil {
			handle.Close()
			return errors.Wrapf(err, "netsource: bpf filter %q", m.cfg.BPFFilter)
		}
	}

	m.handle = handle
	m.src = gopacket.NewPacketSource(handle, handle.LinkType())
	m.leftover = nil
	return nil
}

// Close releases the capture handle. Closing an already-closed Medium
// is a no-op.
func (m *Medium) Close() error {
	if m.handle == nil {
		return nil
	}
	m.handle.Close()
	m.handle = nil
	m.src = nil
	return nil
}

// Read copies up to len(buf) bytes of the next UDP payload into buf.
// A payload larger than buf is drained across successive Read calls;
// a non-UDP packet yields (0, nil) rather than an error, matching the
// Medium contract's "0, nil at EOF or nothing ready" shape.
func (m *Medium) Read(buf []byte) (int, error) {
	if m.handle == nil {
		return 0, ErrNotOpen
	}

	if len(m.leftover) > 0 {
		n := copy(buf, m.leftover)
		m.leftover = m.leftover[n:]
		return n, nil
	}

	pkt, err := m.src.NextPacket()
	if err != nil {
		if err == pcap.NextErrorTimeoutExpired {
			return 0, nil
		}
		return 0, errors.Wrap(err, "netsource: capture read failed")
	}

	payload := udpPayload(pkt)
	if len(payload) == 0 {
		return 0, nil
	}
	if m.cfg.RTPDepacketize && len(payload) > rtpHeaderSize {
		payload = payload[rtpHeaderSize:]
	}

	n := copy(buf, payload)
	if n < len(payload) {
		m.leftover = append([]byte(nil), payload[n:]...)
	}
	return n, nil
}

// SetChannel is a no-op: a captured stream has no tuner to retune.
func (m *Medium) SetChannel(ch [2]uint32) error {
	logger.WarnAdvise("reconfigure the capture iface/bpf filter instead of calling SetChannel",
		"netsource: SetChannel(%v) ignored, this medium has no tuner", ch)
	return nil
}

func udpPayload(pkt gopacket.Packet) []byte {
	l := pkt.Layer(layers.LayerTypeUDP)
	if l == nil {
		return nil
	}
	udp, ok := l.(*layers.UDP)
	if !ok {
		return nil
	}
	return udp.Payload
}
