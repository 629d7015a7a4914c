// Package pcap derives per-client traffic features from offline packet
// captures.
package pcap

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	dataio "github.com/hed1ad/abuseguard/pkg/io"
)

var _ dataio.Reader = (*Reader)(nil)

// pcapng files start with a section header block.
var ngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// packetSource is satisfied by both pcapgo readers.
type packetSource interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

// Reader reads API requests from a pcap or pcapng file.
type Reader struct {
	file      *os.File
	source    *gopacket.PacketSource
	extractor *Extractor
	err       error
}

// NewFileReader opens a capture file. Options configure the extractor.
func NewFileReader(filename string, opts ...Option) (*Reader, error) {
	extractor, err := NewExtractor(opts...)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	src, err := openCapture(bufio.NewReader(file))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%s: %w", filename, err)
	}

	source := gopacket.NewPacketSource(src, src.LinkType())
	source.DecodeOptions = gopacket.Lazy

	return &Reader{
		file:      file,
		source:    source,
		extractor: extractor,
	}, nil
}

func openCapture(r *bufio.Reader) (packetSource, error) {
	magic, err := r.Peek(len(ngMagic))
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}
	if bytes.Equal(magic, ngMagic) {
		return pcapgo.NewNgReader(r, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(r)
}

// Extractor exposes the windowing state, e.g. for its counters.
func (r *Reader) Extractor() *Extractor {
	return r.extractor
}

// Read returns one observation per client and window in the capture.
func (r *Reader) Read() ([]dataio.Observation, error) {
	if r.source == nil {
		return nil, errors.New("reader not initialized")
	}

	var data []dataio.Observation
	for {
		packet, err := r.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		data = append(data, r.extractor.ExtractPacket(packet)...)
	}

	return append(data, r.extractor.Flush()...), nil
}

// Stream emits observations as windows close. The channel closes at the end
// of the capture, on a read error or when ctx is done; Err tells which.
func (r *Reader) Stream(ctx context.Context) (<-chan dataio.Observation, error) {
	if r.source == nil {
		return nil, errors.New("reader not initialized")
	}

	out := make(chan dataio.Observation, 1000)

	go func() {
		defer close(out)

		emit := func(obs []dataio.Observation) bool {
			for _, o := range obs {
				select {
				case out <- o:
				case <-ctx.Done():
					r.err = ctx.Err()
					return false
				}
			}
			return true
		}

		for {
			select {
			case <-ctx.Done():
				r.err = ctx.Err()
				return
			default:
			}

			packet, err := r.next()
			if err == io.EOF {
				emit(r.extractor.Flush())
				return
			}
			if err != nil {
				r.err = err
				return
			}
			if !emit(r.extractor.ExtractPacket(packet)) {
				return
			}
		}
	}()

	return out, nil
}

// Err returns the error that ended the last stream.
func (r *Reader) Err() error {
	return r.err
}

// next returns the next packet. A capture cut off mid-record ends like a
// complete one.
func (r *Reader) next() (gopacket.Packet, error) {
	packet, err := r.source.NextPacket()
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, io.EOF
	}
	return packet, err
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
