package capture

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ghjm/localnet/pkg/framequeue"
	"github.com/ghjm/localnet/pkg/proto"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	log "github.com/sirupsen/logrus"
)

// DefaultSnapLen is used when no snap length is given
const DefaultSnapLen = 65535

const queueLen = 4096

// LocalAddrFunc returns the local address of a socket, if known
type LocalAddrFunc func(sock proto.Socket) (proto.Address, bool)

type snapshot struct {
	data   []byte
	length int
	ts     time.Time
}

// Writer records routed datagrams to a pcap file as raw IP/UDP packets.  Frames are queued without blocking
// and written by a background goroutine; frames arriving while the queue is full are counted as dropped.
type Writer struct {
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	dropped atomic.Uint64
	snaps   chan snapshot
	snapLen uint32
	local   LocalAddrFunc
	wc      io.WriteCloser
	once    sync.Once
}

// Create opens a pcap file for writing
func Create(filename string, snapLen uint32, local LocalAddrFunc) (*Writer, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	return New(f, snapLen, local), nil
}

// New starts a Writer on an open file.  local may be nil, in which case destinations are unspecified.
func New(wc io.WriteCloser, snapLen uint32, local LocalAddrFunc) *Writer {
	if snapLen == 0 {
		snapLen = DefaultSnapLen
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		cancel:  cancel,
		done:    make(chan struct{}),
		snaps:   make(chan snapshot, queueLen),
		snapLen: snapLen,
		local:   local,
		wc:      wc,
	}
	go w.saveLoop(ctx)
	return w
}

// hostIP converts an address host to an IP, fabricating one for hostnames
func hostIP(host string) proto.IP {
	if !proto.IsIPLiteral(host) {
		host = proto.FabricateIPv4(host)
	}
	return proto.ParseIP(host)
}

// Encode builds a raw IP/UDP packet carrying a payload.  IPv6 is used if either end is IPv6.
func Encode(src proto.Address, dst proto.Address, payload []byte) ([]byte, error) {
	srcIP := hostIP(src.Host)
	dstIP := hostIP(dst.Host)
	if srcIP == "" || dstIP == "" {
		return nil, fmt.Errorf("cannot encode %s -> %s", src, dst)
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port),
		DstPort: layers.UDPPort(dst.Port),
	}
	var ip gopacket.NetworkLayer
	var ipLayer gopacket.SerializableLayer
	if srcIP.Is4() && dstIP.Is4() {
		ip4 := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IP(srcIP),
			DstIP:    net.IP(dstIP),
		}
		ip, ipLayer = ip4, ip4
	} else {
		ip6 := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      net.IP(srcIP).To16(),
			DstIP:      net.IP(dstIP).To16(),
		}
		ip, ipLayer = ip6, ip6
	}
	err := udp.SetNetworkLayerForChecksum(ip)
	if err != nil {
		return nil, err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	err = gopacket.SerializeLayers(buf, opts, ipLayer, udp, gopacket.Payload(payload))
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Tap records a frame delivered to a socket.  It has the signature of a router tap.
func (w *Writer) Tap(sock proto.Socket, f framequeue.Frame) {
	var dst proto.Address
	if w.local != nil {
		dst, _ = w.local(sock)
	}
	if dst.Host == "" {
		dst.Host = proto.WildcardIPv4
	}
	data, err := Encode(f.From, dst, f.Payload)
	if err != nil {
		log.Debugf("capture: %s", err)
		return
	}
	snap := snapshot{length: len(data), ts: time.Now()}
	if uint32(len(data)) > w.snapLen {
		data = data[:w.snapLen]
	}
	snap.data = data
	select {
	case w.snaps <- snap:
	default:
		w.dropped.Add(1)
	}
}

// Dropped returns the number of frames lost because the queue was full
func (w *Writer) Dropped() uint64 {
	return w.dropped.Load()
}

func (w *Writer) saveLoop(ctx context.Context) {
	defer close(w.done)
	pw := pcapgo.NewWriter(w.wc)
	if err := pw.WriteFileHeader(w.snapLen, layers.LinkTypeRaw); err != nil {
		w.err = err
		return
	}
	save := func(snap snapshot) bool {
		ci := gopacket.CaptureInfo{
			Timestamp:     snap.ts,
			CaptureLength: len(snap.data),
			Length:        snap.length,
		}
		if err := pw.WritePacket(ci, snap.data); err != nil {
			w.err = err
			return false
		}
		return true
	}
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case snap := <-w.snaps:
					if !save(snap) {
						return
					}
				default:
					return
				}
			}
		case snap := <-w.snaps:
			if !save(snap) {
				return
			}
		}
	}
}

// Close drains the queue, stops the writer and closes the file
func (w *Writer) Close() error {
	var err error
	w.once.Do(func() {
		w.cancel()
		<-w.done
		err = w.err
		if cerr := w.wc.Close(); err == nil {
			err = cerr
		}
		if n := w.Dropped(); n > 0 {
			log.Warnf("capture dropped %d frames", n)
		}
	})
	return err
}
