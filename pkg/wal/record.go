package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// Frame layout: magic(4) version(1) kindLen(1) dataLen(4) kind data crc(4).
// The checksum covers everything after the magic.
const (
	frameMagic   uint32 = 0x6E425231
	frameVersion byte   = 1
	frameHeader         = 4 + 1 + 1 + 4
	frameTrailer        = 4
	maxKindLen          = 0xff
	maxDataLen          = 64 << 20
)

var (
	errTorn = errors.New("wal: torn record")
	// ErrCorrupt signals on-disk data corruption before the tail.
	ErrCorrupt = errors.New("wal: corrupt record")
)

// Position is the zero-based index of a record in its log.
type Position int64

// Record is one logical entry.
type Record struct {
	Kind     string
	Data     []byte
	Position Position
}

func (r Record) frame() ([]byte, error) {
	if r.Kind == "" {
		return nil, fmt.Errorf("wal: record kind required")
	}
	if len(r.Kind) > maxKindLen {
		return nil, fmt.Errorf("wal: record kind longer than %d bytes", maxKindLen)
	}
	if len(r.Data) > maxDataLen {
		return nil, fmt.Errorf("wal: record payload exceeds %d bytes", maxDataLen)
	}
	size := frameHeader + len(r.Kind) + len(r.Data) + frameTrailer
	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint32(buf, frameMagic)
	buf = append(buf, frameVersion, byte(len(r.Kind)))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.Data)))
	buf = append(buf, r.Kind...)
	buf = append(buf, r.Data...)
	return binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf[4:])), nil
}

// readRecord reads one frame. It returns io.EOF at a clean end and errTorn
// when the file ends inside a frame. n is the number of bytes consumed.
func readRecord(r *bufio.Reader) (rec Record, n int64, err error) {
	header := make([]byte, frameHeader)
	read, err := io.ReadFull(r, header)
	n = int64(read)
	switch {
	case errors.Is(err, io.EOF):
		return Record{}, 0, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return Record{}, n, errTorn
	case err != nil:
		return Record{}, n, err
	}
	if binary.BigEndian.Uint32(header[:4]) != frameMagic || header[4] != frameVersion {
		return Record{}, n, ErrCorrupt
	}
	kindLen := int(header[5])
	dataLen := int(binary.BigEndian.Uint32(header[6:10]))
	if dataLen > maxDataLen {
		return Record{}, n, ErrCorrupt
	}

	body := make([]byte, kindLen+dataLen+frameTrailer)
	read, err = io.ReadFull(r, body)
	n += int64(read)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Record{}, n, errTorn
	}
	if err != nil {
		return Record{}, n, err
	}

	sum := crc32.NewIEEE()
	sum.Write(header[4:])
	sum.Write(body[:kindLen+dataLen])
	if sum.Sum32() != binary.BigEndian.Uint32(body[kindLen+dataLen:]) {
		return Record{}, n, ErrCorrupt
	}
	rec.Kind = string(body[:kindLen])
	if dataLen > 0 {
		rec.Data = append([]byte(nil), body[kindLen:kindLen+dataLen]...)
	}
	return rec, n, nil
}
